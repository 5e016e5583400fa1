package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/guardpost/authcore/internal/token"
)

// Refresh rotates a refresh token and mints a fresh access token. Rotation
// is a compare-and-swap on the stored hash: presenting a superseded secret
// is treated as theft and revokes the whole session.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, providedSecret, err := token.DecodeRefresh(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	}

	nextSecret, err := token.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	sess, err := e.store.RotateSessionRefresh(
		sctx,
		sessionID,
		token.HashSecret(providedSecret),
		token.HashSecret(nextSecret),
		now,
	)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshHashMismatch):
			// The presented secret was already rotated out. Someone else
			// holds the live token, so nobody keeps the session.
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricSessionRevoked)
			sctx, cancel := e.storeCtx(ctx)
			revokeErr := e.store.RevokeSession(sctx, sessionID, "refresh_reuse")
			cancel()
			if revokeErr != nil && !errorsIsAny(revokeErr, ErrSessionNotActive, ErrSessionNotFound) {
				return nil, wrapStoreErr(revokeErr)
			}
			entry := AuditLogEntry{
				Action:       auditRefreshReuse,
				ResourceType: "session",
				ResourceID:   sessionID,
				Compliance:   true,
			}
			// The account owner is told their session was cut; the lookup is
			// best-effort, the theft response above already happened.
			if owner := e.sessionOwner(ctx, sessionID); owner != nil {
				entry.ActorID = owner.ID
				entry.OrgID = owner.OrgID
				e.notify(ctx, Notification{
					Kind:    NotifySecurityAlert,
					UserID:  owner.ID,
					Email:   owner.Email,
					Subject: "Session revoked after refresh token reuse",
				})
			}
			e.emitAudit(ctx, entry)
			return nil, ErrRefreshReuse
		case errors.Is(err, ErrSessionNotFound):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrRefreshInvalid
		case errors.Is(err, ErrSessionNotActive):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrUnauthorized
		default:
			return nil, wrapStoreErr(err)
		}
	}

	access, err := e.jwtManager.CreateAccess(sess.UserID, sess.OrgID, sess.ID, string(sess.Role))
	if err != nil {
		return nil, err
	}
	refresh, err := token.EncodeRefresh(sess.ID, nextSecret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// sessionOwner resolves the user behind a session, nil when either lookup
// fails.
func (e *Engine) sessionOwner(ctx context.Context, sessionID string) *User {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sess, err := e.store.GetSession(sctx, sessionID)
	if err != nil {
		return nil
	}
	user, err := e.store.GetUserByID(sctx, sess.UserID)
	if err != nil {
		return nil
	}
	return user
}

// ValidateAccess checks an access token on the hot path: signature, expiry,
// and issuer only, no store round-trip. Revocation takes effect at the next
// refresh boundary; callers needing immediate revocation use
// [Engine.ValidateSession].
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	start := e.now()
	claims, err := e.jwtManager.ParseAccess(accessToken)
	if e.metrics != nil {
		e.metrics.Observe(MetricValidateLatency, e.now().Sub(start))
	}
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &AuthResult{
		UserID:    claims.UID,
		OrgID:     claims.OID,
		Role:      Role(claims.Role),
		SessionID: claims.SID,
	}, nil
}

// ValidateSession is the revocation-aware variant: it validates the token,
// then confirms the backing session is still active and refreshes its
// activity timestamp.
func (e *Engine) ValidateSession(ctx context.Context, accessToken string) (*AuthResult, error) {
	result, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sess, err := e.store.GetSession(sctx, result.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, wrapStoreErr(err)
	}
	if sess.Status != SessionActive || now.After(sess.ExpiresAt) {
		return nil, ErrUnauthorized
	}
	if err := e.store.TouchSession(sctx, sess.ID, now); err != nil {
		return nil, wrapStoreErr(err)
	}
	return result, nil
}

// Logout revokes a single session. Revoking an already-dead session is not
// an error to the caller.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	err := e.store.RevokeSession(sctx, sessionID, "logout")
	cancel()
	if err != nil {
		if errorsIsAny(err, ErrSessionNotActive, ErrSessionNotFound) {
			return nil
		}
		return wrapStoreErr(err)
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		Action:       auditSessionRevoked,
		ResourceType: "session",
		ResourceID:   sessionID,
		Details:      map[string]string{"reason": "logout"},
	})
	return nil
}

// LogoutAll revokes every active session of the user, optionally sparing the
// one that initiated the call. Returns the number revoked.
func (e *Engine) LogoutAll(ctx context.Context, userID, exceptSessionID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	n, err := e.store.RevokeUserSessions(sctx, userID, exceptSessionID, "logout_all")
	cancel()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      userID,
		Action:       auditSessionRevoked,
		ResourceType: "user",
		ResourceID:   userID,
		Details:      map[string]string{"reason": "logout_all", "count": strconv.Itoa(n)},
	})
	return n, nil
}

// RevokeSession is the administrative revocation path with an explicit
// reason for the audit trail.
func (e *Engine) RevokeSession(ctx context.Context, sessionID, reason string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	err := e.store.RevokeSession(sctx, sessionID, reason)
	cancel()
	if err != nil {
		if errorsIsAny(err, ErrSessionNotActive, ErrSessionNotFound) {
			return err
		}
		return wrapStoreErr(err)
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		Action:       auditSessionRevoked,
		ResourceType: "session",
		ResourceID:   sessionID,
		Compliance:   true,
		Details:      map[string]string{"reason": reason},
	})
	return nil
}

// Sessions lists the user's active sessions for the device-management
// surface. Refresh hashes are zeroed before returning.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sessions, err := e.store.ActiveSessionsForUser(sctx, userID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	for _, s := range sessions {
		s.RefreshHash = [32]byte{}
	}
	return sessions, nil
}

// ExpireSessions transitions sessions past their expiry. Idempotent; meant
// for the periodic sweeper.
func (e *Engine) ExpireSessions(ctx context.Context) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.ExpireSessionsBefore(sctx, e.now())
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return n, nil
}
