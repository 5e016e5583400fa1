package authcore_test

import (
	"context"
	"encoding/base32"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	authcore "github.com/guardpost/authcore"
	"github.com/guardpost/authcore/password"
	"github.com/guardpost/authcore/store/memory"
	"github.com/guardpost/authcore/totp"
)

const testPassword = "correct-horse-battery"

var testPermissions = []string{"endpoint.read", "endpoint.isolate", "alerts.manage"}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb
}

func testConfig() authcore.Config {
	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("test-signing-secret")
	// MFA enforcement is opted into per test.
	cfg.MFA.RequiredRoles = nil
	return cfg
}

func testPasswordParams() password.Params {
	return password.Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
}

type testEnv struct {
	engine *authcore.Engine
	store  *memory.Store
	rdb    *redis.Client
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T, cfg authcore.Config, opts ...func(*authcore.Builder)) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	store := memory.New()

	builder := authcore.New().
		WithConfig(cfg).
		WithStore(store).
		WithRedis(rdb).
		WithPermissions(testPermissions).
		WithPasswordParams(testPasswordParams())
	for _, opt := range opts {
		opt(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		mr.Close()
	})

	return &testEnv{engine: engine, store: store, rdb: rdb, mr: mr}
}

// directory is the fixture tenancy every flow test starts from: the provider
// organization with an admin and a technician, plus one active customer.
type directory struct {
	ProviderOrg *authcore.Organization
	CustomerOrg *authcore.Organization
	Admin       *authcore.User
	Technician  *authcore.User
	Customer    *authcore.User
}

func seedDirectory(t *testing.T, env *testEnv) *directory {
	t.Helper()
	ctx := context.Background()

	provider, err := env.engine.CreateOrganization(ctx, authcore.OrganizationRequest{
		Name: "GuardPost Security", Type: "provider",
	})
	if err != nil {
		t.Fatalf("create provider org: %v", err)
	}
	customerOrg, err := env.engine.CreateOrganization(ctx, authcore.OrganizationRequest{
		Name: "Acme Industrial", Type: "customer",
	})
	if err != nil {
		t.Fatalf("create customer org: %v", err)
	}

	admin := seedUser(t, env, provider.ID, "admin@guardpost.test", "provider_admin")
	tech := seedUser(t, env, provider.ID, "tech@guardpost.test", "technician")
	customer := seedUser(t, env, customerOrg.ID, "ops@acme.test", "customer_admin")

	return &directory{
		ProviderOrg: provider,
		CustomerOrg: customerOrg,
		Admin:       admin,
		Technician:  tech,
		Customer:    customer,
	}
}

func seedUser(t *testing.T, env *testEnv, orgID, email, role string) *authcore.User {
	t.Helper()
	user, err := env.engine.CreateUser(context.Background(), authcore.UserRequest{
		OrgID:    orgID,
		Email:    email,
		Name:     "Test User",
		Role:     role,
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return user
}

// codeForOffset computes the TOTP code `offset` periods away from now, using
// the same parameters the engine was configured with.
func codeForOffset(t *testing.T, secretBase32 string, cfg authcore.MFAConfig, offset int) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode totp secret: %v", err)
	}
	gen := totp.New(totp.Options{
		Issuer:    cfg.Issuer,
		Digits:    cfg.Digits,
		Period:    cfg.Period,
		Skew:      cfg.Skew,
		Algorithm: cfg.Algorithm,
	})
	at := time.Now().Add(time.Duration(offset*cfg.Period) * time.Second)
	code, err := gen.CurrentCode(secret, at)
	if err != nil {
		t.Fatalf("compute totp code: %v", err)
	}
	return code
}

// enrollMFA walks a user through setup and activation, returning the secret
// and the one-time backup codes.
func enrollMFA(t *testing.T, env *testEnv, userID string, cfg authcore.MFAConfig) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := env.engine.BeginMFASetup(ctx, userID)
	if err != nil {
		t.Fatalf("BeginMFASetup failed: %v", err)
	}
	if setup.SecretBase32 == "" || setup.ProvisionURI == "" {
		t.Fatal("expected provisioning material")
	}
	if len(setup.BackupCodes) != cfg.BackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", cfg.BackupCodeCount, len(setup.BackupCodes))
	}

	if err := env.engine.ConfirmMFASetup(ctx, userID, codeForOffset(t, setup.SecretBase32, cfg, 0)); err != nil {
		t.Fatalf("ConfirmMFASetup failed: %v", err)
	}
	return setup.SecretBase32, setup.BackupCodes
}

func counterValue(t *testing.T, env *testEnv, id authcore.MetricID) uint64 {
	t.Helper()
	snap := env.engine.MetricsSnapshot()
	return snap.Counters[id]
}
