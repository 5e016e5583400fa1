package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/guardpost/authcore/permission"
)

// GrantRequest is the input to [Engine.CreateGrant].
type GrantRequest struct {
	TechnicianID  string   `validate:"required"`
	CustomerOrgID string   `validate:"required"`
	Level         string   `validate:"required"`
	Permissions   []string `validate:"required,min=1,dive,required"`
	GrantedBy     string   `validate:"required"`

	Restrictions Restrictions
	ExpiresAt    *time.Time

	// ApprovedBy and Justification are mandatory at emergency level.
	ApprovedBy    string
	Justification string
}

// GrantUpdate carries the mutable fields of an active grant. Nil fields are
// left unchanged.
type GrantUpdate struct {
	Level        *string
	Permissions  []string
	Restrictions *Restrictions
	ExpiresAt    *time.Time
}

// CreateGrant authorizes a technician against a customer organization. At
// most one active grant exists per (technician, customer) pair; a second
// creation fails with [ErrDuplicateActiveGrant] rather than widening the
// existing one.
func (e *Engine) CreateGrant(ctx context.Context, req GrantRequest) (*AccessGrant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if verr := e.validateInput(req); verr != nil {
		return nil, verr
	}

	level, ok := ParseAccessLevel(req.Level)
	if !ok {
		return nil, &ValidationError{Fields: []FieldError{{Field: "level", Reason: "unknown access level"}}}
	}
	perms, err := e.permissions.SetOf(req.Permissions...)
	if err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "permissions", Reason: err.Error()}}}
	}
	if err := validateRestrictions(req.Restrictions); err != nil {
		return nil, err
	}

	if level == LevelEmergency {
		if req.Justification == "" {
			return nil, ErrEmergencyJustification
		}
		if req.ApprovedBy == "" || req.ApprovedBy == req.TechnicianID {
			return nil, ErrEmergencyApproverSelf
		}
	}

	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.checkGrantor(sctx, req.GrantedBy); err != nil {
		return nil, err
	}
	tech, err := e.store.GetUserByID(sctx, req.TechnicianID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	techOrg, err := e.store.GetOrganization(sctx, tech.OrgID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if techOrg.Type != OrgProvider || tech.Role != RoleTechnician {
		return nil, &ValidationError{Fields: []FieldError{{Field: "technician_id", Reason: "not a provider technician"}}}
	}
	customer, err := e.store.GetOrganization(sctx, req.CustomerOrgID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if customer.Type != OrgCustomer {
		return nil, &ValidationError{Fields: []FieldError{{Field: "customer_org_id", Reason: "not a customer organization"}}}
	}
	if customer.Status != OrgActive {
		return nil, ErrOrgNotActive
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && e.config.Grants.DefaultTTL > 0 {
		exp := now.Add(e.config.Grants.DefaultTTL)
		expiresAt = &exp
	}
	// Emergency access is short by construction.
	if level == LevelEmergency {
		cap := now.Add(e.config.Grants.EmergencyTTL)
		if expiresAt == nil || expiresAt.After(cap) {
			expiresAt = &cap
		}
	}

	grant := &AccessGrant{
		ID:            uuid.NewString(),
		TechnicianID:  req.TechnicianID,
		CustomerOrgID: req.CustomerOrgID,
		Level:         level,
		Permissions:   perms,
		Restrictions:  req.Restrictions,
		ExpiresAt:     expiresAt,
		GrantedBy:     req.GrantedBy,
		ApprovedBy:    req.ApprovedBy,
		Justification: req.Justification,
		Status:        GrantActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateGrant(sctx, grant); err != nil {
		return nil, wrapStoreErr(err)
	}

	e.metricInc(MetricGrantCreated)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      req.GrantedBy,
		OrgID:        req.CustomerOrgID,
		Action:       auditGrantCreated,
		ResourceType: "grant",
		ResourceID:   grant.ID,
		Details: map[string]string{
			"technician_id": req.TechnicianID,
			"level":         level.String(),
		},
	})
	return grant, nil
}

func validateRestrictions(r Restrictions) error {
	if err := r.IP.Validate(); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "restrictions.ip", Reason: err.Error()}}}
	}
	if err := r.Time.Validate(); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "restrictions.time", Reason: err.Error()}}}
	}
	return nil
}

// checkGrantor enforces who may create, modify, or hand off grants.
func (e *Engine) checkGrantor(ctx context.Context, grantorID string) error {
	grantor, err := e.store.GetUserByID(ctx, grantorID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if grantor.Status != UserActive || grantor.Role != RoleProviderAdmin {
		return ErrGrantorPrivilege
	}
	return nil
}

// UpdateGrant narrows or widens an active grant in place. Every change is
// audited with the fields that moved.
func (e *Engine) UpdateGrant(ctx context.Context, grantID, updatedBy string, upd GrantUpdate) (*AccessGrant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.checkGrantor(sctx, updatedBy); err != nil {
		return nil, err
	}
	grant, err := e.store.GetGrant(sctx, grantID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if grant.Status != GrantActive {
		return nil, ErrGrantStatusConflict
	}

	changed := map[string]string{}
	if upd.Level != nil {
		level, ok := ParseAccessLevel(*upd.Level)
		if !ok {
			return nil, &ValidationError{Fields: []FieldError{{Field: "level", Reason: "unknown access level"}}}
		}
		grant.Level = level
		changed["level"] = level.String()
	}
	if upd.Permissions != nil {
		perms, err := e.permissions.SetOf(upd.Permissions...)
		if err != nil {
			return nil, &ValidationError{Fields: []FieldError{{Field: "permissions", Reason: err.Error()}}}
		}
		grant.Permissions = perms
		changed["permissions"] = "replaced"
	}
	if upd.Restrictions != nil {
		if err := validateRestrictions(*upd.Restrictions); err != nil {
			return nil, err
		}
		grant.Restrictions = *upd.Restrictions
		changed["restrictions"] = "replaced"
	}
	if upd.ExpiresAt != nil {
		grant.ExpiresAt = upd.ExpiresAt
		changed["expires_at"] = upd.ExpiresAt.UTC().Format(time.RFC3339)
	}
	grant.UpdatedAt = e.now()

	if err := e.store.UpdateGrant(sctx, grant); err != nil {
		return nil, wrapStoreErr(err)
	}
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      updatedBy,
		OrgID:        grant.CustomerOrgID,
		Action:       auditGrantUpdated,
		ResourceType: "grant",
		ResourceID:   grant.ID,
		Details:      changed,
	})
	return grant, nil
}

// RevokeGrant terminates a grant from active or suspended state. Revocation
// is terminal.
func (e *Engine) RevokeGrant(ctx context.Context, grantID, revokedBy, reason string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.checkGrantor(sctx, revokedBy); err != nil {
		return err
	}
	grant, err := e.store.GetGrant(sctx, grantID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if grant.Status != GrantActive && grant.Status != GrantSuspended {
		return ErrGrantStatusConflict
	}
	if err := e.store.TransitionGrantStatus(sctx, grantID, grant.Status, GrantRevoked, reason); err != nil {
		return wrapStoreErr(err)
	}

	e.metricInc(MetricGrantRevoked)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      revokedBy,
		OrgID:        grant.CustomerOrgID,
		Action:       auditGrantRevoked,
		ResourceType: "grant",
		ResourceID:   grantID,
		Details:      map[string]string{"reason": reason},
	})
	return nil
}

// SuspendGrant pauses an active grant without ending it.
func (e *Engine) SuspendGrant(ctx context.Context, grantID, actorID, reason string) error {
	return e.transitionGrant(ctx, grantID, actorID, GrantActive, GrantSuspended, auditGrantSuspended, reason)
}

// ReinstateGrant resumes a suspended grant.
func (e *Engine) ReinstateGrant(ctx context.Context, grantID, actorID string) error {
	return e.transitionGrant(ctx, grantID, actorID, GrantSuspended, GrantActive, auditGrantReinstated, "")
}

func (e *Engine) transitionGrant(ctx context.Context, grantID, actorID string, from, to GrantStatus, action, reason string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.checkGrantor(sctx, actorID); err != nil {
		return err
	}
	grant, err := e.store.GetGrant(sctx, grantID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := e.store.TransitionGrantStatus(sctx, grantID, from, to, reason); err != nil {
		return wrapStoreErr(err)
	}
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorID,
		OrgID:        grant.CustomerOrgID,
		Action:       action,
		ResourceType: "grant",
		ResourceID:   grantID,
		Details:      map[string]string{"reason": reason},
	})
	return nil
}

// TransferGrant hands an active grant to another technician atomically: a
// concurrent check observes either the old grant active or the new one,
// never both and never neither.
func (e *Engine) TransferGrant(ctx context.Context, grantID, newTechnicianID, transferredBy string) (*AccessGrant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.checkGrantor(sctx, transferredBy); err != nil {
		return nil, err
	}
	old, err := e.store.GetGrant(sctx, grantID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if old.Status != GrantActive {
		return nil, ErrGrantStatusConflict
	}
	tech, err := e.store.GetUserByID(sctx, newTechnicianID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if tech.Role != RoleTechnician || tech.Status != UserActive {
		return nil, &ValidationError{Fields: []FieldError{{Field: "technician_id", Reason: "not an active technician"}}}
	}

	now := e.now()
	next := &AccessGrant{
		ID:              uuid.NewString(),
		TechnicianID:    newTechnicianID,
		CustomerOrgID:   old.CustomerOrgID,
		Level:           old.Level,
		Permissions:     old.Permissions,
		Restrictions:    old.Restrictions,
		ExpiresAt:       old.ExpiresAt,
		GrantedBy:       transferredBy,
		ApprovedBy:      old.ApprovedBy,
		Justification:   old.Justification,
		Status:          GrantActive,
		TransferredFrom: old.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.TransferGrant(sctx, old.ID, next); err != nil {
		return nil, wrapStoreErr(err)
	}

	e.metricInc(MetricGrantTransferred)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      transferredBy,
		OrgID:        old.CustomerOrgID,
		Action:       auditGrantTransferred,
		ResourceType: "grant",
		ResourceID:   next.ID,
		Details: map[string]string{
			"from_grant":      old.ID,
			"from_technician": old.TechnicianID,
			"to_technician":   newTechnicianID,
		},
	})
	return next, nil
}

// CheckAccess decides whether a technician may perform one operation against
// a customer right now. Denials are reported in the returned context, not as
// errors; the error return is reserved for dependency failures, which deny
// by construction.
//
// Expiry is enforced lazily here: a grant past its ExpiresAt denies and is
// transitioned even if the sweeper has not run yet.
func (e *Engine) CheckAccess(ctx context.Context, technicianID, customerOrgID, permissionName string) (*AuthorizationContext, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	now := e.now()
	authz := &AuthorizationContext{
		TechnicianID:  technicianID,
		CustomerOrgID: customerOrgID,
		Permission:    permissionName,
		CheckedAt:     now,
	}

	sctx, cancel := e.storeCtx(ctx)
	grant, err := e.store.ActiveGrant(sctx, technicianID, customerOrgID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return e.deny(ctx, authz, "no_active_grant"), nil
		}
		return nil, wrapStoreErr(err)
	}
	if grant.Status != GrantActive {
		// ActiveGrant's contract excludes this; a non-active grant here is a
		// store defect, not a deniable check.
		log.Print("authcore: active grant lookup returned non-active grant")
		return nil, fmt.Errorf("%w: grant %s status %s from active lookup", ErrInvariantViolation, grant.ID, grant.Status)
	}
	authz.GrantID = grant.ID
	authz.Level = grant.Level

	if grant.ExpiresAt != nil && now.After(*grant.ExpiresAt) {
		sctx, cancel := e.storeCtx(ctx)
		terr := e.store.TransitionGrantStatus(sctx, grant.ID, GrantActive, GrantExpired, "expired")
		cancel()
		if terr == nil {
			e.metricInc(MetricGrantExpired)
			e.emitAudit(ctx, AuditLogEntry{
				OrgID:        grant.CustomerOrgID,
				Action:       auditGrantExpired,
				ResourceType: "grant",
				ResourceID:   grant.ID,
			})
		} else if !errors.Is(terr, ErrGrantStatusConflict) {
			return nil, wrapStoreErr(terr)
		}
		return e.deny(ctx, authz, "grant_expired"), nil
	}

	// Restrictions gate the whole grant, so they are checked before the
	// requested permission: a caller outside the allowed network or window
	// learns nothing about which permissions the grant carries.
	if grant.Restrictions.IP != nil && !grant.Restrictions.IP.Allows(clientIPFromContext(ctx)) {
		return e.deny(ctx, authz, "ip_restricted"), nil
	}
	if grant.Restrictions.Time != nil && !grant.Restrictions.Time.Allows(now) {
		return e.deny(ctx, authz, "outside_time_window"), nil
	}
	bit, ok := e.permissions.Bit(permissionName)
	if !ok {
		return e.deny(ctx, authz, "unknown_permission"), nil
	}
	if !grant.Permissions.Has(bit) {
		return e.deny(ctx, authz, "permission_not_granted"), nil
	}

	authz.Allowed = true
	e.metricInc(MetricAccessCheckAllowed)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      technicianID,
		OrgID:        customerOrgID,
		Action:       auditAccessAllowed,
		ResourceType: "grant",
		ResourceID:   grant.ID,
		Details:      map[string]string{"permission": permissionName},
	})
	return authz, nil
}

func (e *Engine) deny(ctx context.Context, authz *AuthorizationContext, reason string) *AuthorizationContext {
	authz.Allowed = false
	authz.DenyReason = reason
	e.metricInc(MetricAccessCheckDenied)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      authz.TechnicianID,
		OrgID:        authz.CustomerOrgID,
		Action:       auditAccessDenied,
		ResourceType: "grant",
		ResourceID:   authz.GrantID,
		Details: map[string]string{
			"permission": authz.Permission,
			"reason":     reason,
		},
	})
	return authz
}

// GrantsForTechnician lists every grant of a technician, all statuses.
func (e *Engine) GrantsForTechnician(ctx context.Context, technicianID string) ([]*AccessGrant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	grants, err := e.store.ListGrantsForTechnician(sctx, technicianID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return grants, nil
}

// GrantsForCustomer lists every grant against a customer organization.
func (e *Engine) GrantsForCustomer(ctx context.Context, customerOrgID string) ([]*AccessGrant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	grants, err := e.store.ListGrantsForCustomer(sctx, customerOrgID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return grants, nil
}

// SweepExpiredGrants transitions every active grant past its expiry. Safe to
// run concurrently with checks and with itself; already-transitioned grants
// are skipped by the store.
func (e *Engine) SweepExpiredGrants(ctx context.Context) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.ExpireGrantsBefore(sctx, e.now())
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricGrantExpired)
	}
	return n, nil
}

// fullPermissionSet returns a set with every registered capability.
func (e *Engine) fullPermissionSet() permission.Set {
	var s permission.Set
	for bit := 0; bit < e.permissions.Count(); bit++ {
		s.Set(bit)
	}
	return s
}
