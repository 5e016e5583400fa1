package authcore

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/guardpost/authcore/internal/token"
)

// Login authenticates an email/password pair and either issues a session or
// returns a pending MFA challenge, depending on the risk assessment and the
// user's enrollment. Client IP and user agent are taken from the context
// (see [WithClientIP], [WithUserAgent]).
//
// All authentication failures surface as [ErrInvalidCredentials] regardless
// of cause; the precise reason goes to the audit trail only.
func (e *Engine) Login(ctx context.Context, email, plaintext string) (*LoginResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)
	userAgent := userAgentFromContext(ctx)

	allowed, err := e.loginLimiter.Allow(ctx, email, ip)
	if err != nil {
		return nil, wrapCacheErr(err)
	}
	if !allowed {
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, AuditLogEntry{
			Action:       auditLoginRateLimited,
			ResourceType: "login",
			Details:      map[string]string{"email": email, "ip": ip},
		})
		return nil, ErrLoginRateLimited
	}

	if plaintext == "" {
		return nil, e.failLogin(ctx, email, ip, nil, "empty_password")
	}

	sctx, cancel := e.storeCtx(ctx)
	user, err := e.store.GetUserByEmail(sctx, email)
	cancel()
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, e.failLogin(ctx, email, ip, nil, "user_not_found")
		}
		return nil, wrapStoreErr(err)
	}

	now := e.now()
	if user.Status != UserActive {
		return nil, e.failLogin(ctx, email, ip, user, "account_"+string(user.Status))
	}
	if user.Locked(now) {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLogEntry{
			ActorID:      user.ID,
			OrgID:        user.OrgID,
			Action:       auditLoginLocked,
			ResourceType: "user",
			ResourceID:   user.ID,
			Details:      map[string]string{"locked_until": user.LockedUntil.UTC().Format(time.RFC3339)},
		})
		return nil, ErrInvalidCredentials
	}

	sctx, cancel = e.storeCtx(ctx)
	org, err := e.store.GetOrganization(sctx, user.OrgID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrOrgNotFound) {
			return nil, e.failLogin(ctx, email, ip, user, "org_not_found")
		}
		return nil, wrapStoreErr(err)
	}
	if org.Status != OrgActive {
		return nil, e.failLogin(ctx, email, ip, user, "org_"+string(org.Status))
	}

	// Risk is assessed before the password verdict: a critical assessment
	// refuses with the same error either way, so the refusal discloses
	// nothing about whether a password was correct. Verification still runs
	// unconditionally to keep the timing profile uniform.
	failures, ferr := e.loginLimiter.Failures(ctx, email, ip)
	if ferr != nil {
		failures = 0
	}
	assessment := e.risk.Assess(ctx, riskInput{
		Email:        email,
		IP:           ip,
		UserAgent:    userAgent,
		FailureCount: failures,
		Now:          now,
	})
	e.metricInc(riskMetric(assessment.Level))

	ok, err := e.hasher.Verify(plaintext, user.PasswordHash)
	passwordOK := err == nil && ok
	plaintext = ""

	if assessment.Level == RiskCritical {
		if !passwordOK {
			// Keep the throttle window honest; the caller still sees only
			// the refusal.
			_, _ = e.loginLimiter.RecordFailure(ctx, email, ip)
		}
		e.metricInc(MetricLoginRefused)
		e.recordAttempt(ctx, email, ip, false, "risk_refused")
		e.emitAudit(ctx, AuditLogEntry{
			ActorID:      user.ID,
			OrgID:        user.OrgID,
			Action:       auditLoginRefused,
			ResourceType: "user",
			ResourceID:   user.ID,
			Risk:         assessment.Level,
			Compliance:   true,
			Details: riskDetails(assessment, map[string]string{
				"ip":          ip,
				"password_ok": boolString(passwordOK),
			}),
		})
		e.notify(ctx, Notification{
			Kind:    NotifySecurityAlert,
			UserID:  user.ID,
			Email:   user.Email,
			Subject: "Sign-in blocked",
			Metadata: map[string]string{
				"ip":   ip,
				"risk": assessment.Level.String(),
			},
		})
		return nil, ErrLoginRefused
	}

	if !passwordOK {
		return nil, e.failLogin(ctx, email, ip, user, "password_mismatch")
	}

	stepUp := assessment.Level >= RiskMedium || e.roleRequiresMFA(user.Role)
	if stepUp && user.MFA.Enabled() {
		return e.issueMFAChallenge(ctx, user, assessment)
	}

	flagged := stepUp && !user.MFA.Enabled() && assessment.Level >= RiskHigh
	result, err := e.issueSession(ctx, user, assessment, email, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if flagged {
		e.emitAudit(ctx, AuditLogEntry{
			ActorID:      user.ID,
			OrgID:        user.OrgID,
			Action:       auditLoginFlagged,
			ResourceType: "session",
			ResourceID:   result.Session.ID,
			Risk:         assessment.Level,
			Compliance:   true,
			Details:      riskDetails(assessment, map[string]string{"reason": "mfa_not_enrolled"}),
		})
		e.notify(ctx, Notification{
			Kind:    NotifySecurityAlert,
			UserID:  user.ID,
			Email:   user.Email,
			Subject: "Unusual sign-in without multi-factor",
			Metadata: map[string]string{
				"ip":   ip,
				"risk": assessment.Level.String(),
			},
		})
	}
	return result, nil
}

// failLogin is the shared failure path: bump the window counter, advance the
// per-account lockout state when the account is known, record the attempt,
// audit, and return the uniform credential error.
func (e *Engine) failLogin(ctx context.Context, email, ip string, user *User, reason string) error {
	if _, err := e.loginLimiter.RecordFailure(ctx, email, ip); err != nil {
		return wrapCacheErr(err)
	}

	entry := AuditLogEntry{
		Action:       auditLoginFailure,
		ResourceType: "login",
		Details:      map[string]string{"email": email, "ip": ip, "reason": reason},
	}

	if user != nil && reason == "password_mismatch" {
		// The increment is a single store-side operation: concurrent failures
		// against one account must each count, or the lockout threshold can
		// be outrun.
		lockUntil := e.now().Add(e.config.Lockout.Duration)
		sctx, cancel := e.storeCtx(ctx)
		attempts, locked, err := e.store.IncrementLoginFailures(sctx, user.ID, e.config.Lockout.Threshold, lockUntil)
		cancel()
		if err != nil {
			return wrapStoreErr(err)
		}
		if locked {
			e.metricInc(MetricLockoutTriggered)
			entry.Details["locked_until"] = lockUntil.UTC().Format(time.RFC3339)
			e.notify(ctx, Notification{
				Kind:    NotifySecurityAlert,
				UserID:  user.ID,
				Email:   user.Email,
				Subject: "Account locked after repeated failures",
				Metadata: map[string]string{
					"ip":       ip,
					"attempts": strconv.Itoa(attempts),
				},
			})
		}
	}
	if user != nil {
		entry.ActorID = user.ID
		entry.OrgID = user.OrgID
	}

	e.metricInc(MetricLoginFailure)
	e.recordAttempt(ctx, email, ip, false, reason)
	e.emitAudit(ctx, entry)
	return ErrInvalidCredentials
}

// issueSession mints session, access token, and refresh token, evicting the
// least-recently-active sessions when the user is at the ceiling. Eviction
// and creation are one store operation so concurrent logins cannot slip past
// the ceiling between a count and a create.
func (e *Engine) issueSession(ctx context.Context, user *User, assessment RiskAssessment, email, ip, userAgent string) (*LoginResult, error) {
	now := e.now()

	sessionID, err := token.NewSessionID()
	if err != nil {
		return nil, err
	}
	refreshSecret, err := token.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	var location string
	if info := e.risk.lookupGeo(ctx, ip); info != nil {
		location = info.City + ", " + info.Country
	}

	sess := &Session{
		ID:             sessionID,
		UserID:         user.ID,
		OrgID:          user.OrgID,
		Role:           user.Role,
		RefreshHash:    token.HashSecret(refreshSecret),
		Device:         deviceFromContext(ctx),
		IP:             ip,
		UserAgent:      userAgent,
		Location:       location,
		Status:         SessionActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.config.Session.RefreshTTL),
		LastActivityAt: now,
	}

	sctx, cancel := e.storeCtx(ctx)
	evicted, err := e.store.CreateSessionCapped(sctx, sess, e.config.Session.MaxActivePerUser, "evicted")
	cancel()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	for _, victim := range evicted {
		e.metricInc(MetricSessionEvicted)
		e.emitAudit(ctx, AuditLogEntry{
			ActorID:      user.ID,
			OrgID:        user.OrgID,
			Action:       auditSessionEvicted,
			ResourceType: "session",
			ResourceID:   victim.ID,
		})
	}

	access, err := e.jwtManager.CreateAccess(user.ID, user.OrgID, sessionID, string(user.Role))
	if err != nil {
		return nil, err
	}
	refresh, err := token.EncodeRefresh(sessionID, refreshSecret)
	if err != nil {
		return nil, err
	}

	if err := e.loginLimiter.Reset(ctx, email, ip); err != nil {
		return nil, wrapCacheErr(err)
	}
	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.UpdateLoginState(sctx, user.ID, 0, nil)
		cancel()
		if err != nil {
			return nil, wrapStoreErr(err)
		}
	}

	e.recordAttempt(ctx, email, ip, true, "")
	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      user.ID,
		OrgID:        user.OrgID,
		Action:       auditLoginSuccess,
		ResourceType: "session",
		ResourceID:   sessionID,
		Risk:         assessment.Level,
		Details:      map[string]string{"ip": ip},
	})

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		Session:      sess,
		Risk:         assessment,
	}, nil
}

// recordAttempt persists the email-keyed attempt row feeding future risk
// assessments. Best-effort; a write failure must not change the login
// outcome already decided.
func (e *Engine) recordAttempt(ctx context.Context, email, ip string, success bool, reason string) {
	attempt := &LoginAttempt{
		ID:            uuid.NewString(),
		Email:         email,
		IP:            ip,
		Success:       success,
		FailureReason: reason,
		Timestamp:     e.now(),
	}
	if info := e.risk.lookupGeo(ctx, ip); info != nil {
		attempt.Country = info.Country
		attempt.City = info.City
		attempt.Lat = info.Lat
		attempt.Lon = info.Lon
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.RecordLoginAttempt(sctx, attempt); err != nil {
		log.Print("authcore: login attempt record failed")
	}
}

func (e *Engine) roleRequiresMFA(role Role) bool {
	for _, r := range e.config.MFA.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

func riskMetric(level RiskLevel) MetricID {
	switch level {
	case RiskMedium:
		return MetricRiskMedium
	case RiskHigh:
		return MetricRiskHigh
	case RiskCritical:
		return MetricRiskCritical
	default:
		return MetricRiskLow
	}
}

func riskDetails(a RiskAssessment, extra map[string]string) map[string]string {
	out := map[string]string{"risk": a.Level.String()}
	for i, f := range a.Factors {
		out["factor_"+strconv.Itoa(i)] = f.Signal + ":" + f.Level.String()
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
