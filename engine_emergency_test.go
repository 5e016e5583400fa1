package authcore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	authcore "github.com/guardpost/authcore"
)

func requestEmergency(t *testing.T, env *testEnv, dir *directory) *authcore.EmergencyAccessRequest {
	t.Helper()
	request, err := env.engine.RequestEmergencyAccess(context.Background(), authcore.EmergencyRequest{
		TechnicianID:  dir.Technician.ID,
		CustomerOrgID: dir.CustomerOrg.ID,
		Level:         "emergency",
		Justification: "active ransomware spread across the Acme fleet",
	})
	if err != nil {
		t.Fatalf("RequestEmergencyAccess failed: %v", err)
	}
	return request
}

func TestRequestEmergencyAccessValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	var verr *authcore.ValidationError
	_, err := env.engine.RequestEmergencyAccess(ctx, authcore.EmergencyRequest{
		TechnicianID:  dir.Technician.ID,
		CustomerOrgID: dir.CustomerOrg.ID,
		Level:         "standard",
		Justification: "routine maintenance window",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("standard level: expected ValidationError, got %v", err)
	}

	_, err = env.engine.RequestEmergencyAccess(ctx, authcore.EmergencyRequest{
		TechnicianID:  dir.Technician.ID,
		CustomerOrgID: dir.CustomerOrg.ID,
		Level:         "emergency",
		Justification: "short",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("thin justification: expected ValidationError, got %v", err)
	}

	// Only technicians may request.
	_, err = env.engine.RequestEmergencyAccess(ctx, authcore.EmergencyRequest{
		TechnicianID:  dir.Admin.ID,
		CustomerOrgID: dir.CustomerOrg.ID,
		Level:         "emergency",
		Justification: "active ransomware spread across the Acme fleet",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("admin requester: expected ValidationError, got %v", err)
	}
}

func TestApproveEmergencyRequest(t *testing.T) {
	cfg := testConfig()
	notifier := &recordingNotifier{}
	env := newTestEnv(t, cfg, func(b *authcore.Builder) { b.WithNotifier(notifier) })
	dir := seedDirectory(t, env)
	ctx := context.Background()

	request := requestEmergency(t, env, dir)
	if request.Status != authcore.EmergencyPending {
		t.Fatalf("expected pending request, got %s", request.Status)
	}

	grant, err := env.engine.ApproveEmergencyRequest(ctx, request.ID, dir.Admin.ID)
	if err != nil {
		t.Fatalf("ApproveEmergencyRequest failed: %v", err)
	}
	if grant.Level != authcore.LevelEmergency || grant.ApprovedBy != dir.Admin.ID {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.ExpiresAt == nil || time.Until(*grant.ExpiresAt) > cfg.Grants.EmergencyTTL {
		t.Fatalf("expected expiry within the emergency cap, got %v", grant.ExpiresAt)
	}

	// Approval hands out the full capability set.
	for _, perm := range testPermissions {
		authz, err := env.engine.CheckAccess(ctx, dir.Technician.ID, dir.CustomerOrg.ID, perm)
		if err != nil {
			t.Fatalf("CheckAccess failed: %v", err)
		}
		if !authz.Allowed {
			t.Fatalf("expected %s to be allowed, got %q", perm, authz.DenyReason)
		}
	}

	decided, err := env.engine.GetEmergencyRequest(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetEmergencyRequest failed: %v", err)
	}
	if decided.Status != authcore.EmergencyApproved || decided.GrantID != grant.ID || decided.DecidedBy != dir.Admin.ID {
		t.Fatalf("unexpected decided request: %+v", decided)
	}

	// The requesting technician hears about the decision.
	notified := false
	for _, subject := range notifier.subjects() {
		if subject == "Emergency access approved" {
			notified = true
		}
	}
	if !notified {
		t.Fatalf("expected an approval notification, got subjects %v", notifier.subjects())
	}

	// The decision is final.
	if _, err := env.engine.ApproveEmergencyRequest(ctx, request.ID, dir.Admin.ID); !errors.Is(err, authcore.ErrEmergencyStatusConflict) {
		t.Fatalf("re-approve: expected ErrEmergencyStatusConflict, got %v", err)
	}
}

func TestApproverMustDifferFromRequester(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)

	request := requestEmergency(t, env, dir)
	if _, err := env.engine.ApproveEmergencyRequest(context.Background(), request.ID, dir.Technician.ID); !errors.Is(err, authcore.ErrEmergencyApproverSelf) {
		t.Fatalf("expected ErrEmergencyApproverSelf, got %v", err)
	}
}

func TestApproverMustBeProviderAdmin(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)

	second := seedUser(t, env, dir.ProviderOrg.ID, "tech2@guardpost.test", "technician")
	request := requestEmergency(t, env, dir)
	if _, err := env.engine.ApproveEmergencyRequest(context.Background(), request.ID, second.ID); !errors.Is(err, authcore.ErrGrantorPrivilege) {
		t.Fatalf("expected ErrGrantorPrivilege, got %v", err)
	}
}

func TestRejectEmergencyRequest(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	request := requestEmergency(t, env, dir)
	if err := env.engine.RejectEmergencyRequest(ctx, request.ID, dir.Admin.ID, "no incident on record"); err != nil {
		t.Fatalf("RejectEmergencyRequest failed: %v", err)
	}

	decided, err := env.engine.GetEmergencyRequest(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetEmergencyRequest failed: %v", err)
	}
	if decided.Status != authcore.EmergencyRejected {
		t.Fatalf("expected rejected status, got %s", decided.Status)
	}

	authz, err := env.engine.CheckAccess(ctx, dir.Technician.ID, dir.CustomerOrg.ID, "endpoint.read")
	requireDenied(t, authz, err, "no_active_grant")

	if _, err := env.engine.ApproveEmergencyRequest(ctx, request.ID, dir.Admin.ID); !errors.Is(err, authcore.ErrEmergencyStatusConflict) {
		t.Fatalf("approve after reject: expected ErrEmergencyStatusConflict, got %v", err)
	}
}

func TestCancelEmergencyRequest(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	request := requestEmergency(t, env, dir)

	// Only the requester may withdraw.
	if err := env.engine.CancelEmergencyRequest(ctx, request.ID, dir.Admin.ID); !errors.Is(err, authcore.ErrEmergencyStatusConflict) {
		t.Fatalf("foreign cancel: expected ErrEmergencyStatusConflict, got %v", err)
	}
	if err := env.engine.CancelEmergencyRequest(ctx, request.ID, dir.Technician.ID); err != nil {
		t.Fatalf("CancelEmergencyRequest failed: %v", err)
	}

	decided, err := env.engine.GetEmergencyRequest(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetEmergencyRequest failed: %v", err)
	}
	if decided.Status != authcore.EmergencyCancelled {
		t.Fatalf("expected cancelled status, got %s", decided.Status)
	}
	if _, err := env.engine.ApproveEmergencyRequest(ctx, request.ID, dir.Admin.ID); !errors.Is(err, authcore.ErrEmergencyStatusConflict) {
		t.Fatalf("approve after cancel: expected ErrEmergencyStatusConflict, got %v", err)
	}
}

func TestApprovalAfterWindowExpires(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	stale := &authcore.EmergencyAccessRequest{
		ID:            "req-stale",
		TechnicianID:  dir.Technician.ID,
		CustomerOrgID: dir.CustomerOrg.ID,
		Level:         authcore.LevelEmergency,
		Justification: "incident that nobody reviewed in time",
		Status:        authcore.EmergencyPending,
		RequestedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:     time.Now().Add(-24 * time.Hour),
	}
	if err := env.store.CreateEmergencyRequest(ctx, stale); err != nil {
		t.Fatalf("CreateEmergencyRequest failed: %v", err)
	}

	if _, err := env.engine.ApproveEmergencyRequest(ctx, stale.ID, dir.Admin.ID); !errors.Is(err, authcore.ErrEmergencyStatusConflict) {
		t.Fatalf("expected ErrEmergencyStatusConflict, got %v", err)
	}
	after, err := env.engine.GetEmergencyRequest(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetEmergencyRequest failed: %v", err)
	}
	if after.Status != authcore.EmergencyExpired {
		t.Fatalf("expected lazy expiry, got %s", after.Status)
	}
}

func TestExpireEmergencyRequestsSweep(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	stale := &authcore.EmergencyAccessRequest{
		ID:            "req-old",
		TechnicianID:  dir.Technician.ID,
		CustomerOrgID: dir.CustomerOrg.ID,
		Level:         authcore.LevelElevated,
		Justification: "incident that nobody reviewed in time",
		Status:        authcore.EmergencyPending,
		RequestedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:     time.Now().Add(-24 * time.Hour),
	}
	if err := env.store.CreateEmergencyRequest(ctx, stale); err != nil {
		t.Fatalf("CreateEmergencyRequest failed: %v", err)
	}
	fresh := requestEmergency(t, env, dir)

	n, err := env.engine.ExpireEmergencyRequests(ctx)
	if err != nil {
		t.Fatalf("ExpireEmergencyRequests failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired request, got %d", n)
	}
	kept, err := env.engine.GetEmergencyRequest(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetEmergencyRequest failed: %v", err)
	}
	if kept.Status != authcore.EmergencyPending {
		t.Fatalf("expected fresh request untouched, got %s", kept.Status)
	}
}
