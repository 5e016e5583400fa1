package authcore

import (
	"errors"
	"time"
)

// Config holds all engine tuning. Construct with [DefaultConfig], adjust, and
// pass to [Builder.WithConfig]; the builder clones it, so a Config is never
// shared mutable state after Build.
type Config struct {
	JWT       JWTConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	Risk      RiskConfig
	MFA       MFAConfig
	Grants    GrantConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Timeouts  TimeoutConfig
}

// JWTConfig controls access-token minting. Access tokens are short-lived by
// design: the validation fast path trades a staleness window bounded by
// AccessTTL for zero store round-trips.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

// SessionConfig controls session lifetime and the concurrent-session ceiling.
type SessionConfig struct {
	// RefreshTTL is the session lifetime; refresh tokens stop rotating once
	// it elapses.
	RefreshTTL time.Duration
	// MaxActivePerUser is the ceiling N. Issuing session N+1 evicts the
	// least-recently-active session instead of rejecting the login.
	MaxActivePerUser int
}

// LockoutConfig controls the time-boxed account lockout.
type LockoutConfig struct {
	// Threshold is the consecutive-failure count that locks the account.
	Threshold int
	// Duration is how long locked_until extends past the locking failure.
	Duration time.Duration
}

// RiskConfig holds the risk engine thresholds. The combination rule is fixed
// (critical-forcing signals, otherwise max of signals); the thresholds that
// trip each signal are configuration, not constants.
type RiskConfig struct {
	// FailureWindow is the sliding window for the recent-failure signal.
	FailureWindow time.Duration
	// MediumFailures and HighFailures are the counts (per email+IP pair,
	// within FailureWindow) that raise the failure signal to medium/high.
	MediumFailures int
	HighFailures   int
	// MaxTravelSpeedKMH is the plausible-travel ceiling for the
	// impossible-travel signal.
	MaxTravelSpeedKMH float64
	// NewCountryWindow forces critical when a login arrives from a different
	// country within this window of the last successful login.
	NewCountryWindow time.Duration
	// BotUserAgentMarkers are lowercase substrings flagging automated
	// clients.
	BotUserAgentMarkers []string
}

// MFAConfig controls TOTP verification and backup codes.
type MFAConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string

	BackupCodeCount  int
	BackupCodeLength int

	// MaxAttempts / AttemptCooldown bound failed verification attempts per
	// user within the cooldown window.
	MaxAttempts     int
	AttemptCooldown time.Duration

	// ChallengeTTL bounds how long a risk-gated login may sit between
	// password acceptance and MFA completion.
	ChallengeTTL time.Duration

	// RequiredRoles always require MFA at login regardless of risk level.
	RequiredRoles []Role
}

// GrantConfig controls access-grant lifecycle defaults.
type GrantConfig struct {
	// DefaultTTL applies when a grant request carries no expiry; zero means
	// grants without expiry are allowed.
	DefaultTTL time.Duration
	// EmergencyTTL caps emergency-level grants; they are meant to be short.
	EmergencyTTL time.Duration
	// EmergencyRequestWindow is the fixed window after which an unaddressed
	// emergency request auto-expires.
	EmergencyRequestWindow time.Duration
}

// RateLimitConfig controls the pre-authentication login throttle.
type RateLimitConfig struct {
	MaxLoginAttempts int
	LoginWindow      time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking the emitting operation.
	// Dropped and failed writes are counted, never silent.
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics registry.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// TimeoutConfig bounds every external call. A timed-out store write during a
// security-critical transition is a failure, never a success.
type TimeoutConfig struct {
	Store  time.Duration
	Cache  time.Duration
	Lookup time.Duration
}

// DefaultConfig returns the baseline configuration. Signing keys must still
// be provided.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     10 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "authcore",
		},
		Session: SessionConfig{
			RefreshTTL:       7 * 24 * time.Hour,
			MaxActivePerUser: 5,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		Risk: RiskConfig{
			FailureWindow:     15 * time.Minute,
			MediumFailures:    3,
			HighFailures:      6,
			MaxTravelSpeedKMH: 900,
			NewCountryWindow:  time.Hour,
			BotUserAgentMarkers: []string{
				"bot", "curl", "wget", "python-requests", "spider", "scanner",
			},
		},
		MFA: MFAConfig{
			Issuer:           "authcore",
			Digits:           6,
			Period:           30,
			Skew:             1,
			Algorithm:        "SHA1",
			BackupCodeCount:  10,
			BackupCodeLength: 10,
			MaxAttempts:      5,
			AttemptCooldown:  time.Minute,
			ChallengeTTL:     5 * time.Minute,
			RequiredRoles:    []Role{RoleProviderAdmin, RoleTechnician},
		},
		Grants: GrantConfig{
			DefaultTTL:             0,
			EmergencyTTL:           4 * time.Hour,
			EmergencyRequestWindow: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			MaxLoginAttempts: 10,
			LoginWindow:      15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Timeouts: TimeoutConfig{
			Store:  5 * time.Second,
			Cache:  2 * time.Second,
			Lookup: time.Second,
		},
	}
}

// Validate checks internal consistency. Called by [Builder.Build].
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	if c.Session.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Session.RefreshTTL must exceed JWT.AccessTTL")
	}
	if c.Session.MaxActivePerUser <= 0 {
		return errors.New("Session.MaxActivePerUser must be positive")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout.Threshold must be positive")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout.Duration must be positive")
	}
	if c.Risk.MediumFailures <= 0 || c.Risk.HighFailures < c.Risk.MediumFailures {
		return errors.New("Risk failure thresholds must be positive and ordered")
	}
	if c.Risk.MaxTravelSpeedKMH <= 0 {
		return errors.New("Risk.MaxTravelSpeedKMH must be positive")
	}
	if c.MFA.Digits < 6 || c.MFA.Digits > 8 {
		return errors.New("MFA.Digits must be between 6 and 8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("MFA.Period must be positive")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA.Skew must be between 0 and 2")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeLength < 8 {
		return errors.New("MFA backup code parameters out of range")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA.ChallengeTTL must be positive")
	}
	if c.Grants.EmergencyTTL <= 0 {
		return errors.New("Grants.EmergencyTTL must be positive")
	}
	if c.Grants.EmergencyRequestWindow <= 0 {
		return errors.New("Grants.EmergencyRequestWindow must be positive")
	}
	if c.RateLimit.MaxLoginAttempts <= 0 || c.RateLimit.LoginWindow <= 0 {
		return errors.New("RateLimit parameters must be positive")
	}
	if c.Timeouts.Store <= 0 || c.Timeouts.Cache <= 0 || c.Timeouts.Lookup <= 0 {
		return errors.New("Timeouts must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Risk.BotUserAgentMarkers = append([]string(nil), cfg.Risk.BotUserAgentMarkers...)
	out.MFA.RequiredRoles = append([]Role(nil), cfg.MFA.RequiredRoles...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
