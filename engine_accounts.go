package authcore

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// OrganizationRequest is the input to [Engine.CreateOrganization].
type OrganizationRequest struct {
	Name string `validate:"required,min=2,max=128"`
	Type string `validate:"required,oneof=customer provider"`
}

// UserRequest is the input to [Engine.CreateUser].
type UserRequest struct {
	OrgID    string `validate:"required"`
	Email    string `validate:"required,email"`
	Name     string `validate:"required,min=1,max=128"`
	Role     string `validate:"required"`
	Password string `validate:"required,min=12"`
}

// CreateOrganization registers a tenant. At most one provider organization
// exists; the store enforces that with [ErrProviderExists].
func (e *Engine) CreateOrganization(ctx context.Context, req OrganizationRequest) (*Organization, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if verr := e.validateInput(req); verr != nil {
		return nil, verr
	}

	now := e.now()
	org := &Organization{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      OrgType(req.Type),
		Status:    OrgActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sctx, cancel := e.storeCtx(ctx)
	err := e.store.CreateOrganization(sctx, org)
	cancel()
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		OrgID:        org.ID,
		Action:       auditOrgCreated,
		ResourceType: "organization",
		ResourceID:   org.ID,
		Details:      map[string]string{"type": req.Type, "name": req.Name},
	})
	return org, nil
}

// SetOrganizationStatus suspends, reactivates, or soft-deletes a tenant.
// Suspension blocks every login under the organization immediately; existing
// access tokens ride out their short TTL.
func (e *Engine) SetOrganizationStatus(ctx context.Context, orgID string, status OrgStatus) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	err := e.store.UpdateOrganizationStatus(sctx, orgID, status)
	cancel()
	if err != nil {
		return wrapStoreErr(err)
	}
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		OrgID:        orgID,
		Action:       "org.status_changed",
		ResourceType: "organization",
		ResourceID:   orgID,
		Compliance:   true,
		Details:      map[string]string{"status": string(status)},
	})
	return nil
}

// CreateUser adds an account under an organization. The role must belong to
// the role set of the organization's type; a customer org cannot hold
// provider roles and vice versa.
func (e *Engine) CreateUser(ctx context.Context, req UserRequest) (*User, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if verr := e.validateInput(req); verr != nil {
		return nil, verr
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	org, err := e.store.GetOrganization(sctx, req.OrgID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if org.Status != OrgActive {
		return nil, ErrOrgNotActive
	}
	role := Role(req.Role)
	if !role.ValidFor(org.Type) {
		return nil, ErrRoleInvalidForOrg
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := e.now()
	user := &User{
		ID:           uuid.NewString(),
		OrgID:        req.OrgID,
		Email:        strings.ToLower(req.Email),
		Name:         req.Name,
		Role:         role,
		Status:       UserActive,
		PasswordHash: hash,
		MFA:          MFAState{Status: MFADisabled},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateUser(sctx, user); err != nil {
		return nil, wrapStoreErr(err)
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		OrgID:        req.OrgID,
		Action:       auditUserCreated,
		ResourceType: "user",
		ResourceID:   user.ID,
		Details:      map[string]string{"role": req.Role},
	})
	return user, nil
}

// ChangePassword rotates a user's password after proving the current one.
// All other sessions are revoked so a stolen password stops working the
// moment the legitimate owner rotates it.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next, keepSessionID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if len(next) < 12 {
		return &ValidationError{Fields: []FieldError{{Field: "password", Reason: "must be at least 12 characters"}}}
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	user, err := e.store.GetUserByID(sctx, userID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ok, err := e.hasher.Verify(current, user.PasswordHash); err != nil || !ok {
		return ErrInvalidCredentials
	}
	if same, err := e.hasher.Verify(next, user.PasswordHash); err == nil && same {
		return ErrPasswordReuse
	}

	hash, err := e.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := e.store.UpdatePasswordHash(sctx, userID, hash); err != nil {
		return wrapStoreErr(err)
	}

	revoked, err := e.store.RevokeUserSessions(sctx, userID, keepSessionID, "password_changed")
	if err != nil {
		return wrapStoreErr(err)
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      userID,
		OrgID:        user.OrgID,
		Action:       auditPasswordChanged,
		ResourceType: "user",
		ResourceID:   userID,
		Compliance:   true,
		Details:      map[string]string{"sessions_revoked": strconv.Itoa(revoked)},
	})
	e.notify(ctx, Notification{
		Kind:    NotifySecurityAlert,
		UserID:  userID,
		Email:   user.Email,
		Subject: "Password changed",
	})
	return nil
}

// SetUserStatus suspends, reactivates, or soft-deletes an account. Moving
// away from active also revokes every session.
func (e *Engine) SetUserStatus(ctx context.Context, userID string, status UserStatus) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	user, err := e.store.GetUserByID(sctx, userID)
	if err != nil {
		return wrapStoreErr(err)
	}
	user.Status = status
	user.UpdatedAt = e.now()
	if err := e.store.UpdateUser(sctx, user); err != nil {
		return wrapStoreErr(err)
	}
	if status != UserActive {
		if _, err := e.store.RevokeUserSessions(sctx, userID, "", "account_"+string(status)); err != nil {
			return wrapStoreErr(err)
		}
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      actorFromContext(ctx),
		OrgID:        user.OrgID,
		Action:       "user.status_changed",
		ResourceType: "user",
		ResourceID:   userID,
		Compliance:   true,
		Details:      map[string]string{"status": string(status)},
	})
	return nil
}
