package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardpost/authcore/internal/limiters"
	"github.com/guardpost/authcore/jwt"
	"github.com/guardpost/authcore/password"
	"github.com/guardpost/authcore/permission"
	"github.com/guardpost/authcore/totp"
)

// Builder assembles an [Engine]. A builder is single-use: Build consumes it.
type Builder struct {
	config         Config
	store          Store
	redis          redis.UniversalClient
	permissions    []string
	passwordParams password.Params

	notifier   Notifier
	geo        GeoLookup
	reputation ReputationLookup
	auditSink  AuditSink

	built bool
}

// New returns a builder loaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config:         DefaultConfig(),
		passwordParams: password.DefaultParams(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the durable store. Required.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithRedis sets the ephemeral cache used for throttles, MFA attempt caps,
// and pending login challenges. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPermissions declares the closed capability set grants draw from. The
// set freezes at Build; unknown names are rejected at grant time, never
// silently allowed.
func (b *Builder) WithPermissions(names []string) *Builder {
	b.permissions = names
	return b
}

func (b *Builder) WithPasswordParams(p password.Params) *Builder {
	b.passwordParams = p
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithGeoLookup(g GeoLookup) *Builder {
	b.geo = g
	return b
}

func (b *Builder) WithReputationLookup(r ReputationLookup) *Builder {
	b.reputation = r
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, freezes the permission registry, and
// wires the engine. The returned engine is immutable and safe to share.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if len(b.permissions) == 0 {
		return nil, errors.New("permissions must be provided")
	}

	registry := permission.NewRegistry(1)
	for _, p := range b.permissions {
		if _, err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	hasher, err := password.NewHasher(b.passwordParams)
	if err != nil {
		return nil, err
	}
	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
	})
	if err != nil {
		return nil, err
	}

	notifier := b.notifier
	if notifier == nil {
		notifier = NoOpNotifier{}
	}

	engine := &Engine{
		config:       cfg,
		store:        b.store,
		permissions:  registry,
		loginLimiter: limiters.NewLoginLimiter(b.redis, cfg.RateLimit.MaxLoginAttempts, cfg.RateLimit.LoginWindow),
		mfaLimiter:   limiters.NewMFALimiter(b.redis, cfg.MFA.MaxAttempts, cfg.MFA.AttemptCooldown),
		challenges:   newMFAChallengeStore(b.redis, time.Now),
		audit:        newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:      NewMetrics(cfg.Metrics),
		hasher:       hasher,
		jwtManager:   jwtManager,
		validate:     newValidator(),
		notifier:     notifier,
		geo:          b.geo,
		reputation:   b.reputation,
		now:          time.Now,
	}
	engine.totp = totp.New(totp.Options{
		Issuer:    cfg.MFA.Issuer,
		Digits:    cfg.MFA.Digits,
		Period:    cfg.MFA.Period,
		Skew:      cfg.MFA.Skew,
		Algorithm: cfg.MFA.Algorithm,
	})
	engine.risk = newRiskAssessor(cfg.Risk, cfg.Timeouts, b.store, b.geo, b.reputation)

	b.built = true
	return engine, nil
}
