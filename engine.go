package authcore

import (
	"context"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/guardpost/authcore/internal/limiters"
	"github.com/guardpost/authcore/jwt"
	"github.com/guardpost/authcore/password"
	"github.com/guardpost/authcore/permission"
	"github.com/guardpost/authcore/totp"
)

// Engine is the authorization core. Construct it once through [Builder],
// share it freely; every method is safe for concurrent use. All engine state
// after Build is immutable except the metrics counters and the audit
// dispatcher, both of which are internally synchronized.
type Engine struct {
	config Config

	store       Store
	permissions *permission.Registry

	loginLimiter *limiters.LoginLimiter
	mfaLimiter   *limiters.MFALimiter
	challenges   *mfaChallengeStore

	audit   *auditDispatcher
	metrics *Metrics

	hasher     *password.Hasher
	totp       *totp.Generator
	jwtManager *jwt.Manager

	risk       *riskAssessor
	validate   *validator.Validate
	notifier   Notifier
	geo        GeoLookup
	reputation ReputationLookup

	// now is swapped in tests; everything time-sensitive goes through it.
	now func() time.Time
}

// Close drains and stops the audit dispatcher. Call it on shutdown so
// buffered audit entries reach the sink.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Permissions returns the frozen capability registry the engine was built
// with.
func (e *Engine) Permissions() *permission.Registry {
	return e.permissions
}

// AuditDropped reports entries shed under backpressure since startup.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditWriteFailures reports sink write errors since startup. A non-zero,
// growing value means the audit trail is losing entries and the operator
// must intervene.
func (e *Engine) AuditWriteFailures() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Failed()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// storeCtx bounds a store call with the configured timeout.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Timeouts.Store)
}

func (e *Engine) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Timeouts.Cache)
}

func (e *Engine) lookupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Timeouts.Lookup)
}

// notify delivers best-effort; notification failure never fails the calling
// flow.
func (e *Engine) notify(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	nctx, cancel := e.lookupCtx(ctx)
	defer cancel()
	if err := e.notifier.Notify(nctx, n); err != nil {
		log.Print("authcore: notification delivery failed")
	}
}
