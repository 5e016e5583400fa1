package authcore_test

import (
	"context"
	"errors"
	"testing"

	authcore "github.com/guardpost/authcore"
)

func TestSingleProviderOrganization(t *testing.T) {
	env := newTestEnv(t, testConfig())
	seedDirectory(t, env)
	ctx := context.Background()

	_, err := env.engine.CreateOrganization(ctx, authcore.OrganizationRequest{
		Name: "Rival MSP", Type: "provider",
	})
	if !errors.Is(err, authcore.ErrProviderExists) {
		t.Fatalf("expected ErrProviderExists, got %v", err)
	}

	// Any number of customers is fine.
	if _, err := env.engine.CreateOrganization(ctx, authcore.OrganizationRequest{
		Name: "Globex Corp", Type: "customer",
	}); err != nil {
		t.Fatalf("second customer org failed: %v", err)
	}
}

func TestCreateOrganizationValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	var verr *authcore.ValidationError
	_, err := env.engine.CreateOrganization(context.Background(), authcore.OrganizationRequest{
		Name: "X", Type: "reseller",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateUserRoleMustMatchOrgType(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	_, err := env.engine.CreateUser(ctx, authcore.UserRequest{
		OrgID:    dir.CustomerOrg.ID,
		Email:    "intruder@acme.test",
		Name:     "Wrong Role",
		Role:     "technician",
		Password: testPassword,
	})
	if !errors.Is(err, authcore.ErrRoleInvalidForOrg) {
		t.Fatalf("technician under customer org: expected ErrRoleInvalidForOrg, got %v", err)
	}

	_, err = env.engine.CreateUser(ctx, authcore.UserRequest{
		OrgID:    dir.ProviderOrg.ID,
		Email:    "intruder@guardpost.test",
		Name:     "Wrong Role",
		Role:     "customer_admin",
		Password: testPassword,
	})
	if !errors.Is(err, authcore.ErrRoleInvalidForOrg) {
		t.Fatalf("customer_admin under provider org: expected ErrRoleInvalidForOrg, got %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)

	// Same address, different case.
	_, err := env.engine.CreateUser(context.Background(), authcore.UserRequest{
		OrgID:    dir.CustomerOrg.ID,
		Email:    "OPS@ACME.TEST",
		Name:     "Duplicate",
		Role:     "customer_admin",
		Password: testPassword,
	})
	if !errors.Is(err, authcore.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestCreateUserUnderSuspendedOrg(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	if err := env.engine.SetOrganizationStatus(ctx, dir.CustomerOrg.ID, authcore.OrgSuspended); err != nil {
		t.Fatalf("SetOrganizationStatus failed: %v", err)
	}
	_, err := env.engine.CreateUser(ctx, authcore.UserRequest{
		OrgID:    dir.CustomerOrg.ID,
		Email:    "late@acme.test",
		Name:     "Too Late",
		Role:     "customer_admin",
		Password: testPassword,
	})
	if !errors.Is(err, authcore.ErrOrgNotActive) {
		t.Fatalf("expected ErrOrgNotActive, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	keep := login(t, env, dir.Customer.Email)
	other := login(t, env, dir.Customer.Email)

	if err := env.engine.ChangePassword(ctx, dir.Customer.ID, "wrong-password-foo", "entirely-new-passphrase", keep.Session.ID); !errors.Is(err, authcore.ErrInvalidCredentials) {
		t.Fatalf("wrong current password: expected ErrInvalidCredentials, got %v", err)
	}
	if err := env.engine.ChangePassword(ctx, dir.Customer.ID, testPassword, testPassword, keep.Session.ID); !errors.Is(err, authcore.ErrPasswordReuse) {
		t.Fatalf("reused password: expected ErrPasswordReuse, got %v", err)
	}
	if err := env.engine.ChangePassword(ctx, dir.Customer.ID, testPassword, "short", keep.Session.ID); err == nil {
		t.Fatal("expected rejection of a too-short password")
	}

	if err := env.engine.ChangePassword(ctx, dir.Customer.ID, testPassword, "entirely-new-passphrase", keep.Session.ID); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// The initiating session survives; every other one dies.
	if _, err := env.engine.ValidateSession(ctx, keep.AccessToken); err != nil {
		t.Fatalf("kept session rejected: %v", err)
	}
	if _, err := env.engine.ValidateSession(ctx, other.AccessToken); !errors.Is(err, authcore.ErrUnauthorized) {
		t.Fatalf("expected other session revoked, got %v", err)
	}

	if _, err := env.engine.Login(ctx, dir.Customer.Email, testPassword); !errors.Is(err, authcore.ErrInvalidCredentials) {
		t.Fatalf("old password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.engine.Login(ctx, dir.Customer.Email, "entirely-new-passphrase"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestSetUserStatusRevokesSessions(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dir := seedDirectory(t, env)
	ctx := context.Background()

	result := login(t, env, dir.Customer.Email)

	if err := env.engine.SetUserStatus(ctx, dir.Customer.ID, authcore.UserSuspended); err != nil {
		t.Fatalf("SetUserStatus failed: %v", err)
	}
	if _, err := env.engine.ValidateSession(ctx, result.AccessToken); !errors.Is(err, authcore.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// Reactivation restores login but not the dead sessions.
	if err := env.engine.SetUserStatus(ctx, dir.Customer.ID, authcore.UserActive); err != nil {
		t.Fatalf("SetUserStatus failed: %v", err)
	}
	if _, err := env.engine.Login(ctx, dir.Customer.Email, testPassword); err != nil {
		t.Fatalf("Login after reactivation failed: %v", err)
	}
	if _, err := env.engine.ValidateSession(ctx, result.AccessToken); !errors.Is(err, authcore.ErrUnauthorized) {
		t.Fatalf("expected old session to stay revoked, got %v", err)
	}
}
