package authcore

import (
	"context"
	"strconv"
	"time"
)

// Audit action names. Stable identifiers; renaming one breaks downstream
// compliance queries.
const (
	auditLoginSuccess       = "login.success"
	auditLoginFailure       = "login.failure"
	auditLoginRefused       = "login.refused"
	auditLoginRateLimited   = "login.rate_limited"
	auditLoginLocked        = "login.locked"
	auditLoginFlagged       = "login.flagged"
	auditMFAChallenge       = "mfa.challenge_issued"
	auditMFASuccess         = "mfa.success"
	auditMFAFailure         = "mfa.failure"
	auditMFAEnabled         = "mfa.enabled"
	auditMFADisabled        = "mfa.disabled"
	auditBackupCodeUsed     = "mfa.backup_code_used"
	auditBackupRegenerated  = "mfa.backup_codes_regenerated"
	auditSessionRevoked     = "session.revoked"
	auditSessionEvicted     = "session.evicted"
	auditRefreshReuse       = "session.refresh_reuse"
	auditGrantCreated       = "grant.created"
	auditGrantUpdated       = "grant.updated"
	auditGrantRevoked       = "grant.revoked"
	auditGrantSuspended     = "grant.suspended"
	auditGrantReinstated    = "grant.reinstated"
	auditGrantTransferred   = "grant.transferred"
	auditGrantExpired       = "grant.expired"
	auditAccessAllowed      = "access.allowed"
	auditAccessDenied       = "access.denied"
	auditEmergencyRequested = "emergency.requested"
	auditEmergencyApproved  = "emergency.approved"
	auditEmergencyRejected  = "emergency.rejected"
	auditEmergencyCancelled = "emergency.cancelled"
	auditEmergencyExpired   = "emergency.expired"
	auditOrgCreated         = "org.created"
	auditUserCreated        = "user.created"
	auditPasswordChanged    = "user.password_changed"
	auditPruned             = "audit.pruned"
)

// complianceActions flag entries surfaced by the compliance-reporting query.
var complianceActions = map[string]bool{
	auditMFAEnabled:         true,
	auditMFADisabled:        true,
	auditBackupRegenerated:  true,
	auditSessionRevoked:     true,
	auditRefreshReuse:       true,
	auditGrantCreated:       true,
	auditGrantUpdated:       true,
	auditGrantRevoked:       true,
	auditGrantSuspended:     true,
	auditGrantReinstated:    true,
	auditGrantTransferred:   true,
	auditGrantExpired:       true,
	auditEmergencyRequested: true,
	auditEmergencyApproved:  true,
	auditEmergencyRejected:  true,
	auditEmergencyCancelled: true,
	auditEmergencyExpired:   true,
	auditPruned:             true,
}

// emitAudit assembles and dispatches one entry. Dispatch is asynchronous;
// this never blocks the calling operation beyond channel admission.
func (e *Engine) emitAudit(ctx context.Context, entry AuditLogEntry) {
	if e.audit == nil {
		return
	}
	now := e.now()
	entry.ID = newAuditID(now)
	entry.Timestamp = now
	if !entry.Compliance {
		entry.Compliance = complianceActions[entry.Action] ||
			(entry.Action == auditLoginFailure && entry.Risk >= RiskMedium)
	}
	e.audit.Emit(ctx, entry)
}

// QueryAudit retrieves audit entries for the reporting surface.
func (e *Engine) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditLogEntry, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	entries, err := e.store.QueryAuditEntries(sctx, q)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return entries, nil
}

// PruneAudit is the single sanctioned deletion path for audit entries. The
// prune itself lands in the trail with the cutoff and count.
func (e *Engine) PruneAudit(ctx context.Context, cutoff time.Time) (int, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.PruneAuditBefore(sctx, cutoff)
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		Action:       auditPruned,
		ResourceType: "audit",
		Details: map[string]string{
			"cutoff": cutoff.UTC().Format(time.RFC3339),
			"count":  strconv.Itoa(n),
		},
	})
	return n, nil
}
