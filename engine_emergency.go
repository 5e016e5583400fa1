package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EmergencyRequest is the input to [Engine.RequestEmergencyAccess].
type EmergencyRequest struct {
	TechnicianID  string `validate:"required"`
	CustomerOrgID string `validate:"required"`
	Level         string `validate:"required"`
	Justification string `validate:"required,min=10"`
}

// RequestEmergencyAccess opens a pending request for elevated or emergency
// access. The request itself grants nothing; it auto-expires after the
// configured window if nobody decides it.
func (e *Engine) RequestEmergencyAccess(ctx context.Context, req EmergencyRequest) (*EmergencyAccessRequest, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if verr := e.validateInput(req); verr != nil {
		return nil, verr
	}
	level, ok := ParseAccessLevel(req.Level)
	if !ok || level < LevelElevated {
		return nil, &ValidationError{Fields: []FieldError{{Field: "level", Reason: "must be elevated or emergency"}}}
	}

	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	tech, err := e.store.GetUserByID(sctx, req.TechnicianID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if tech.Role != RoleTechnician || tech.Status != UserActive {
		return nil, &ValidationError{Fields: []FieldError{{Field: "technician_id", Reason: "not an active technician"}}}
	}
	customer, err := e.store.GetOrganization(sctx, req.CustomerOrgID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if customer.Type != OrgCustomer || customer.Status != OrgActive {
		return nil, ErrOrgNotActive
	}

	request := &EmergencyAccessRequest{
		ID:            uuid.NewString(),
		TechnicianID:  req.TechnicianID,
		CustomerOrgID: req.CustomerOrgID,
		Level:         level,
		Justification: req.Justification,
		Status:        EmergencyPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(e.config.Grants.EmergencyRequestWindow),
	}
	if err := e.store.CreateEmergencyRequest(sctx, request); err != nil {
		return nil, wrapStoreErr(err)
	}

	e.metricInc(MetricEmergencyRequested)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      req.TechnicianID,
		OrgID:        req.CustomerOrgID,
		Action:       auditEmergencyRequested,
		ResourceType: "emergency_request",
		ResourceID:   request.ID,
		Details: map[string]string{
			"level":         level.String(),
			"justification": req.Justification,
		},
	})
	return request, nil
}

// ApproveEmergencyRequest materializes the grant and marks the request
// approved. The approver must be an active provider admin distinct from the
// requester. A concurrent decision loses on the status transition; the grant
// created by the loser is revoked so exactly one decision stands.
func (e *Engine) ApproveEmergencyRequest(ctx context.Context, requestID, approverID string) (*AccessGrant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	request, err := e.store.GetEmergencyRequest(sctx, requestID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if request.Status != EmergencyPending {
		return nil, ErrEmergencyStatusConflict
	}
	if now.After(request.ExpiresAt) {
		terr := e.store.TransitionEmergencyRequest(sctx, requestID, EmergencyPending, EmergencyExpired, "", "")
		if terr != nil && !errors.Is(terr, ErrEmergencyStatusConflict) {
			return nil, wrapStoreErr(terr)
		}
		e.metricInc(MetricEmergencyExpired)
		return nil, ErrEmergencyStatusConflict
	}
	if approverID == request.TechnicianID {
		return nil, ErrEmergencyApproverSelf
	}
	if err := e.checkGrantor(sctx, approverID); err != nil {
		return nil, err
	}

	expiry := now.Add(e.config.Grants.EmergencyTTL)
	grant := &AccessGrant{
		ID:            uuid.NewString(),
		TechnicianID:  request.TechnicianID,
		CustomerOrgID: request.CustomerOrgID,
		Level:         request.Level,
		Permissions:   e.fullPermissionSet(),
		ExpiresAt:     &expiry,
		GrantedBy:     approverID,
		ApprovedBy:    approverID,
		Justification: request.Justification,
		Status:        GrantActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateGrant(sctx, grant); err != nil {
		return nil, wrapStoreErr(err)
	}

	if err := e.store.TransitionEmergencyRequest(sctx, requestID, EmergencyPending, EmergencyApproved, approverID, grant.ID); err != nil {
		// Lost the decision race; withdraw the grant we just created.
		_ = e.store.TransitionGrantStatus(sctx, grant.ID, GrantActive, GrantRevoked, "approval_conflict")
		return nil, wrapStoreErr(err)
	}

	e.metricInc(MetricEmergencyApproved)
	e.metricInc(MetricGrantCreated)
	if tech, terr := e.store.GetUserByID(sctx, request.TechnicianID); terr == nil {
		e.notify(ctx, Notification{
			Kind:    NotifySecurityAlert,
			UserID:  tech.ID,
			Email:   tech.Email,
			Subject: "Emergency access approved",
			Metadata: map[string]string{
				"grant_id":   grant.ID,
				"expires_at": expiry.UTC().Format(time.RFC3339),
			},
		})
	}
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      approverID,
		OrgID:        request.CustomerOrgID,
		Action:       auditEmergencyApproved,
		ResourceType: "emergency_request",
		ResourceID:   requestID,
		Details: map[string]string{
			"grant_id":      grant.ID,
			"technician_id": request.TechnicianID,
			"level":         request.Level.String(),
			"expires_at":    expiry.UTC().Format(time.RFC3339),
		},
	})
	return grant, nil
}

// RejectEmergencyRequest closes a pending request without granting anything.
func (e *Engine) RejectEmergencyRequest(ctx context.Context, requestID, deciderID, reason string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	request, err := e.store.GetEmergencyRequest(sctx, requestID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := e.checkGrantor(sctx, deciderID); err != nil {
		return err
	}
	if err := e.store.TransitionEmergencyRequest(sctx, requestID, EmergencyPending, EmergencyRejected, deciderID, ""); err != nil {
		return wrapStoreErr(err)
	}

	e.metricInc(MetricEmergencyRejected)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      deciderID,
		OrgID:        request.CustomerOrgID,
		Action:       auditEmergencyRejected,
		ResourceType: "emergency_request",
		ResourceID:   requestID,
		Details:      map[string]string{"reason": reason},
	})
	return nil
}

// CancelEmergencyRequest withdraws a pending request. Only the requester may
// cancel; a decided or expired request refuses the transition.
func (e *Engine) CancelEmergencyRequest(ctx context.Context, requestID, technicianID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	request, err := e.store.GetEmergencyRequest(sctx, requestID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if request.TechnicianID != technicianID {
		return ErrEmergencyStatusConflict
	}
	if err := e.store.TransitionEmergencyRequest(sctx, requestID, EmergencyPending, EmergencyCancelled, technicianID, ""); err != nil {
		return wrapStoreErr(err)
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      technicianID,
		OrgID:        request.CustomerOrgID,
		Action:       auditEmergencyCancelled,
		ResourceType: "emergency_request",
		ResourceID:   requestID,
	})
	return nil
}

// GetEmergencyRequest fetches one request for review surfaces.
func (e *Engine) GetEmergencyRequest(ctx context.Context, requestID string) (*EmergencyAccessRequest, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	request, err := e.store.GetEmergencyRequest(sctx, requestID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return request, nil
}

// ExpireEmergencyRequests sweeps pending requests past their window.
func (e *Engine) ExpireEmergencyRequests(ctx context.Context) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.ExpireEmergencyRequestsBefore(sctx, e.now())
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricEmergencyExpired)
	}
	return n, nil
}
