package authcore

import (
	"errors"
	"net/netip"
	"time"
)

// Restrictions narrows when and from where a grant may be exercised. The
// zero value imposes no restriction. Fields are structured, not schemaless,
// so grant checks are exhaustively testable.
type Restrictions struct {
	IP   *IPRestriction
	Time *TimeRestriction
}

// IPRestriction allows grant use only from the listed CIDR ranges.
type IPRestriction struct {
	AllowCIDRs []string
}

// Allows reports whether ip falls inside any allowed range. An unparsable
// caller IP or an empty allow-list denies: restrictions fail closed.
func (r *IPRestriction) Allows(ip string) bool {
	if r == nil {
		return true
	}
	if len(r.AllowCIDRs) == 0 {
		return false
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	for _, cidr := range r.AllowCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Validate checks every configured CIDR parses.
func (r *IPRestriction) Validate() error {
	if r == nil {
		return nil
	}
	for _, cidr := range r.AllowCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return err
		}
	}
	return nil
}

// TimeRestriction allows grant use only on the listed weekdays between
// StartMinute and EndMinute (minutes since midnight, half-open interval) in
// the named IANA time zone. Empty Days means all days.
type TimeRestriction struct {
	Days        []time.Weekday
	StartMinute int
	EndMinute   int
	Timezone    string
}

// Allows reports whether now falls inside the window. An unloadable time
// zone denies: restrictions fail closed.
func (r *TimeRestriction) Allows(now time.Time) bool {
	if r == nil {
		return true
	}

	loc := time.UTC
	if r.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(r.Timezone)
		if err != nil {
			return false
		}
	}
	local := now.In(loc)

	if len(r.Days) > 0 {
		dayOK := false
		for _, d := range r.Days {
			if local.Weekday() == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}

	minute := local.Hour()*60 + local.Minute()
	return minute >= r.StartMinute && minute < r.EndMinute
}

// Validate rejects windows no time can ever satisfy and unloadable zones.
// Allows fails closed, so a grant carrying such a restriction would deny
// every check; refusing it at write time surfaces the mistake to the grantor
// instead.
func (r *TimeRestriction) Validate() error {
	if r == nil {
		return nil
	}
	if r.StartMinute < 0 || r.EndMinute > 24*60 {
		return errors.New("minutes must fall within one day")
	}
	if r.EndMinute <= r.StartMinute {
		return errors.New("window is empty")
	}
	for _, d := range r.Days {
		if d < time.Sunday || d > time.Saturday {
			return errors.New("unknown weekday")
		}
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return err
		}
	}
	return nil
}
