package authcore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// riskAssessor scores one login attempt from the configured signals. The
// rule order is fixed so identical inputs always produce the identical
// assessment: critical-forcing signals are checked first, then the remaining
// signals combine by maximum.
//
// Lookup dependencies degrade, never block: every lookup runs under the
// configured timeout, and a failed or absent geo lookup contributes no
// location signal, a failed reputation lookup reads as neutral. Degraded
// lookups can only lower the score, which is acceptable because the
// failure-count and bot signals still stand on local data.
type riskAssessor struct {
	cfg        RiskConfig
	timeouts   TimeoutConfig
	store      Store
	geo        GeoLookup
	reputation ReputationLookup
}

type riskInput struct {
	Email        string
	IP           string
	UserAgent    string
	FailureCount int64
	Now          time.Time
}

func newRiskAssessor(cfg RiskConfig, timeouts TimeoutConfig, store Store, geo GeoLookup, rep ReputationLookup) *riskAssessor {
	return &riskAssessor{cfg: cfg, timeouts: timeouts, store: store, geo: geo, reputation: rep}
}

func (r *riskAssessor) Assess(ctx context.Context, in riskInput) RiskAssessment {
	var factors []RiskFactor
	verdict := r.lookupReputation(ctx, in.IP)

	// Critical-forcing signals short-circuit; nothing can lower them.
	if verdict == ReputationMalicious {
		return RiskAssessment{
			Level: RiskCritical,
			Factors: []RiskFactor{{
				Signal: "ip_reputation",
				Level:  RiskCritical,
				Detail: "malicious reputation",
			}},
		}
	}

	location := r.lookupGeo(ctx, in.IP)
	last := r.lastSuccess(ctx, in.Email)

	if f, forced := r.travelSignal(location, last, in.Now); forced {
		return RiskAssessment{Level: RiskCritical, Factors: []RiskFactor{f}}
	}
	if f, forced := r.newCountrySignal(location, last, in.Now); forced {
		return RiskAssessment{Level: RiskCritical, Factors: []RiskFactor{f}}
	}

	// Remaining signals combine by max.
	if f := r.unknownIPSignal(ctx, in.Email, in.IP); f != nil {
		factors = append(factors, *f)
	}
	if f := r.failureSignal(in.FailureCount); f != nil {
		factors = append(factors, *f)
	}
	if f := r.botSignal(in.UserAgent); f != nil {
		factors = append(factors, *f)
	}
	if verdict == ReputationSuspicious {
		factors = append(factors, RiskFactor{
			Signal: "ip_reputation",
			Level:  RiskHigh,
			Detail: "suspicious reputation",
		})
	}

	level := RiskLow
	for _, f := range factors {
		if f.Level > level {
			level = f.Level
		}
	}
	return RiskAssessment{Level: level, Factors: factors}
}

func (r *riskAssessor) lookupReputation(ctx context.Context, ip string) Reputation {
	if r.reputation == nil || ip == "" {
		return ReputationNeutral
	}
	lctx, cancel := context.WithTimeout(ctx, r.timeouts.Lookup)
	defer cancel()
	verdict, err := r.reputation.Reputation(lctx, ip)
	if err != nil {
		return ReputationNeutral
	}
	return verdict
}

func (r *riskAssessor) lookupGeo(ctx context.Context, ip string) *GeoInfo {
	if r.geo == nil || ip == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, r.timeouts.Lookup)
	defer cancel()
	info, err := r.geo.Lookup(lctx, ip)
	if err != nil {
		return nil
	}
	return info
}

func (r *riskAssessor) lastSuccess(ctx context.Context, email string) *LoginAttempt {
	sctx, cancel := context.WithTimeout(ctx, r.timeouts.Store)
	defer cancel()
	last, err := r.store.LastSuccessfulLogin(sctx, email)
	if err != nil {
		return nil
	}
	return last
}

// travelSignal forces critical when the distance from the last successful
// login implies travel faster than the configured ceiling.
func (r *riskAssessor) travelSignal(loc *GeoInfo, last *LoginAttempt, now time.Time) (RiskFactor, bool) {
	if loc == nil || last == nil || last.Lat == 0 && last.Lon == 0 {
		return RiskFactor{}, false
	}
	elapsed := now.Sub(last.Timestamp)
	if elapsed <= 0 {
		return RiskFactor{}, false
	}
	km := haversineKM(last.Lat, last.Lon, loc.Lat, loc.Lon)
	speed := km / elapsed.Hours()
	if speed <= r.cfg.MaxTravelSpeedKMH {
		return RiskFactor{}, false
	}
	return RiskFactor{
		Signal: "impossible_travel",
		Level:  RiskCritical,
		Detail: fmt.Sprintf("%.0f km in %s", km, elapsed.Round(time.Minute)),
	}, true
}

func (r *riskAssessor) newCountrySignal(loc *GeoInfo, last *LoginAttempt, now time.Time) (RiskFactor, bool) {
	if loc == nil || last == nil || loc.Country == "" || last.Country == "" {
		return RiskFactor{}, false
	}
	if loc.Country == last.Country {
		return RiskFactor{}, false
	}
	if now.Sub(last.Timestamp) > r.cfg.NewCountryWindow {
		return RiskFactor{}, false
	}
	return RiskFactor{
		Signal: "new_country",
		Level:  RiskCritical,
		Detail: last.Country + " to " + loc.Country,
	}, true
}

func (r *riskAssessor) unknownIPSignal(ctx context.Context, email, ip string) *RiskFactor {
	if ip == "" {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.timeouts.Store)
	defer cancel()
	seen, err := r.store.HasSuccessfulLoginFromIP(sctx, email, ip)
	if err != nil || seen {
		return nil
	}
	return &RiskFactor{Signal: "unknown_ip", Level: RiskMedium, Detail: "no prior success from this address"}
}

func (r *riskAssessor) failureSignal(count int64) *RiskFactor {
	switch {
	case count >= int64(r.cfg.HighFailures):
		return &RiskFactor{Signal: "recent_failures", Level: RiskHigh, Detail: fmt.Sprintf("%d in window", count)}
	case count >= int64(r.cfg.MediumFailures):
		return &RiskFactor{Signal: "recent_failures", Level: RiskMedium, Detail: fmt.Sprintf("%d in window", count)}
	default:
		return nil
	}
}

func (r *riskAssessor) botSignal(userAgent string) *RiskFactor {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return nil
	}
	for _, marker := range r.cfg.BotUserAgentMarkers {
		if strings.Contains(ua, marker) {
			return &RiskFactor{Signal: "automated_client", Level: RiskMedium, Detail: marker}
		}
	}
	return nil
}

const earthRadiusKM = 6371.0

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
