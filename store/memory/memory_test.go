package memory

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	authcore "github.com/guardpost/authcore"
)

func seedOrg(t *testing.T, s *Store, id string, orgType authcore.OrgType) *authcore.Organization {
	t.Helper()
	org := &authcore.Organization{
		ID:     id,
		Name:   "Org " + id,
		Type:   orgType,
		Status: authcore.OrgActive,
	}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	return org
}

func seedStoreUser(t *testing.T, s *Store, id, orgID, email string, role authcore.Role) *authcore.User {
	t.Helper()
	user := &authcore.User{
		ID:     id,
		OrgID:  orgID,
		Email:  email,
		Name:   "User " + id,
		Role:   role,
		Status: authcore.UserActive,
	}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return user
}

func seedStoreSession(t *testing.T, s *Store, id string, hash [32]byte, expiresAt time.Time) {
	t.Helper()
	err := s.CreateSession(context.Background(), &authcore.Session{
		ID:          id,
		UserID:      "user-1",
		OrgID:       "org-1",
		Role:        authcore.RoleTechnician,
		RefreshHash: hash,
		Status:      authcore.SessionActive,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func seedStoreGrant(t *testing.T, s *Store, id, techID string, status authcore.GrantStatus, expiresAt *time.Time) *authcore.AccessGrant {
	t.Helper()
	grant := &authcore.AccessGrant{
		ID:            id,
		TechnicianID:  techID,
		CustomerOrgID: "org-cust",
		Level:         authcore.LevelStandard,
		Status:        status,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.CreateGrant(context.Background(), grant); err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	return grant
}

func TestSingleProviderInvariant(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedOrg(t, s, "org-provider", authcore.OrgProvider)
	err := s.CreateOrganization(ctx, &authcore.Organization{
		ID: "org-provider-2", Name: "Second", Type: authcore.OrgProvider, Status: authcore.OrgActive,
	})
	if !errors.Is(err, authcore.ErrProviderExists) {
		t.Fatalf("expected ErrProviderExists, got %v", err)
	}

	// A deleted provider frees the slot.
	if err := s.UpdateOrganizationStatus(ctx, "org-provider", authcore.OrgDeleted); err != nil {
		t.Fatalf("UpdateOrganizationStatus failed: %v", err)
	}
	err = s.CreateOrganization(ctx, &authcore.Organization{
		ID: "org-provider-2", Name: "Second", Type: authcore.OrgProvider, Status: authcore.OrgActive,
	})
	if err != nil {
		t.Fatalf("expected replacement provider to be accepted, got %v", err)
	}
}

func TestEmailUniquenessCaseInsensitive(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedOrg(t, s, "org-1", authcore.OrgCustomer)
	seedStoreUser(t, s, "user-1", "org-1", "ops@acme.test", authcore.RoleCustomerAdmin)

	err := s.CreateUser(ctx, &authcore.User{
		ID: "user-2", OrgID: "org-1", Email: "OPS@Acme.Test", Role: authcore.RoleCustomerAdmin, Status: authcore.UserActive,
	})
	if !errors.Is(err, authcore.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	got, err := s.GetUserByEmail(ctx, "OPS@ACME.TEST")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if got.ID != "user-1" {
		t.Fatalf("expected user-1, got %s", got.ID)
	}
}

func TestStoreReturnsClones(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedOrg(t, s, "org-1", authcore.OrgCustomer)
	seedStoreUser(t, s, "user-1", "org-1", "a@b.test", authcore.RoleCustomerAdmin)

	first, err := s.GetUserByID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	first.Email = "tampered@b.test"
	first.MFA.Secret = []byte("tampered")

	second, err := s.GetUserByID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if second.Email != "a@b.test" || second.MFA.Secret != nil {
		t.Fatalf("caller mutation leaked into the store: %+v", second)
	}
}

func TestRotateSessionRefreshCAS(t *testing.T) {
	s := New()
	ctx := context.Background()

	oldHash := sha256.Sum256([]byte("old-secret"))
	newHash := sha256.Sum256([]byte("new-secret"))
	seedStoreSession(t, s, "sess-1", oldHash, time.Now().Add(time.Hour))

	sess, err := s.RotateSessionRefresh(ctx, "sess-1", oldHash, newHash, time.Now())
	if err != nil {
		t.Fatalf("RotateSessionRefresh failed: %v", err)
	}
	if sess.RefreshHash != newHash {
		t.Fatal("expected rotated hash")
	}

	// The superseded hash no longer matches.
	if _, err := s.RotateSessionRefresh(ctx, "sess-1", oldHash, newHash, time.Now()); !errors.Is(err, authcore.ErrRefreshHashMismatch) {
		t.Fatalf("expected ErrRefreshHashMismatch, got %v", err)
	}
	if _, err := s.RotateSessionRefresh(ctx, "sess-missing", oldHash, newHash, time.Now()); !errors.Is(err, authcore.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotateExpiredSessionTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	hash := sha256.Sum256([]byte("secret"))
	seedStoreSession(t, s, "sess-stale", hash, time.Now().Add(-time.Hour))

	_, err := s.RotateSessionRefresh(ctx, "sess-stale", hash, hash, time.Now())
	if !errors.Is(err, authcore.ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
	sess, err := s.GetSession(ctx, "sess-stale")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != authcore.SessionExpired {
		t.Fatalf("expected expired status, got %s", sess.Status)
	}
}

func TestTransitionGrantStatusConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedStoreGrant(t, s, "grant-1", "tech-1", authcore.GrantActive, nil)

	if err := s.TransitionGrantStatus(ctx, "grant-1", authcore.GrantActive, authcore.GrantSuspended, "review"); err != nil {
		t.Fatalf("TransitionGrantStatus failed: %v", err)
	}
	err := s.TransitionGrantStatus(ctx, "grant-1", authcore.GrantActive, authcore.GrantRevoked, "stale view")
	if !errors.Is(err, authcore.ErrGrantStatusConflict) {
		t.Fatalf("expected ErrGrantStatusConflict, got %v", err)
	}
	if err := s.TransitionGrantStatus(ctx, "grant-missing", authcore.GrantActive, authcore.GrantRevoked, ""); !errors.Is(err, authcore.ErrGrantNotFound) {
		t.Fatalf("expected ErrGrantNotFound, got %v", err)
	}
}

func TestDuplicateActiveGrantInvariant(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedStoreGrant(t, s, "grant-1", "tech-1", authcore.GrantActive, nil)

	err := s.CreateGrant(ctx, &authcore.AccessGrant{
		ID: "grant-2", TechnicianID: "tech-1", CustomerOrgID: "org-cust", Status: authcore.GrantActive,
	})
	if !errors.Is(err, authcore.ErrDuplicateActiveGrant) {
		t.Fatalf("expected ErrDuplicateActiveGrant, got %v", err)
	}

	// Inactive grants for the pair do not block a new active one.
	if err := s.TransitionGrantStatus(ctx, "grant-1", authcore.GrantActive, authcore.GrantRevoked, "done"); err != nil {
		t.Fatalf("TransitionGrantStatus failed: %v", err)
	}
	if err := s.CreateGrant(ctx, &authcore.AccessGrant{
		ID: "grant-2", TechnicianID: "tech-1", CustomerOrgID: "org-cust", Status: authcore.GrantActive,
	}); err != nil {
		t.Fatalf("CreateGrant after revocation failed: %v", err)
	}
}

func TestTransferGrantAtomicity(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedStoreGrant(t, s, "grant-1", "tech-1", authcore.GrantActive, nil)
	seedStoreGrant(t, s, "grant-2", "tech-2", authcore.GrantActive, nil)

	// Target already holds an active grant for the customer: nothing moves.
	err := s.TransferGrant(ctx, "grant-1", &authcore.AccessGrant{
		ID: "grant-3", TechnicianID: "tech-2", CustomerOrgID: "org-cust", Status: authcore.GrantActive,
	})
	if !errors.Is(err, authcore.ErrDuplicateActiveGrant) {
		t.Fatalf("expected ErrDuplicateActiveGrant, got %v", err)
	}
	old, err := s.GetGrant(ctx, "grant-1")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if old.Status != authcore.GrantActive {
		t.Fatalf("failed transfer must not touch the source grant, got %s", old.Status)
	}
	if _, err := s.GetGrant(ctx, "grant-3"); !errors.Is(err, authcore.ErrGrantNotFound) {
		t.Fatalf("failed transfer must not insert the new grant, got %v", err)
	}

	// Clean handoff to a free technician.
	if err := s.TransferGrant(ctx, "grant-1", &authcore.AccessGrant{
		ID: "grant-3", TechnicianID: "tech-3", CustomerOrgID: "org-cust", Status: authcore.GrantActive, TransferredFrom: "grant-1",
	}); err != nil {
		t.Fatalf("TransferGrant failed: %v", err)
	}
	old, _ = s.GetGrant(ctx, "grant-1")
	if old.Status != authcore.GrantTransferred {
		t.Fatalf("expected transferred status, got %s", old.Status)
	}
	moved, err := s.ActiveGrant(ctx, "tech-3", "org-cust")
	if err != nil || moved.ID != "grant-3" {
		t.Fatalf("expected active grant for tech-3, got %+v err=%v", moved, err)
	}
}

func TestConsumeBackupCodeOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedOrg(t, s, "org-1", authcore.OrgCustomer)
	seedStoreUser(t, s, "user-1", "org-1", "a@b.test", authcore.RoleCustomerAdmin)

	hash := sha256.Sum256([]byte("CODE-1"))
	other := sha256.Sum256([]byte("CODE-2"))
	err := s.ReplaceBackupCodes(ctx, "user-1", []authcore.BackupCodeRecord{{Hash: hash}, {Hash: other}})
	if err != nil {
		t.Fatalf("ReplaceBackupCodes failed: %v", err)
	}

	consumed, err := s.ConsumeBackupCode(ctx, "user-1", hash)
	if err != nil || !consumed {
		t.Fatalf("expected first consumption, got consumed=%v err=%v", consumed, err)
	}
	consumed, err = s.ConsumeBackupCode(ctx, "user-1", hash)
	if err != nil || consumed {
		t.Fatalf("expected second consumption to fail, got consumed=%v err=%v", consumed, err)
	}
	// The other code is untouched.
	consumed, err = s.ConsumeBackupCode(ctx, "user-1", other)
	if err != nil || !consumed {
		t.Fatalf("expected other code intact, got consumed=%v err=%v", consumed, err)
	}
}

func TestTransitionEmergencyRequestCAS(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.CreateEmergencyRequest(ctx, &authcore.EmergencyAccessRequest{
		ID: "req-1", TechnicianID: "tech-1", CustomerOrgID: "org-cust",
		Level: authcore.LevelEmergency, Status: authcore.EmergencyPending,
		RequestedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateEmergencyRequest failed: %v", err)
	}

	if err := s.TransitionEmergencyRequest(ctx, "req-1", authcore.EmergencyPending, authcore.EmergencyApproved, "admin-1", "grant-1"); err != nil {
		t.Fatalf("TransitionEmergencyRequest failed: %v", err)
	}
	got, err := s.GetEmergencyRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetEmergencyRequest failed: %v", err)
	}
	if got.Status != authcore.EmergencyApproved || got.DecidedBy != "admin-1" || got.GrantID != "grant-1" {
		t.Fatalf("unexpected request state: %+v", got)
	}
	if got.DecidedAt == nil {
		t.Fatal("expected decision timestamp")
	}

	err = s.TransitionEmergencyRequest(ctx, "req-1", authcore.EmergencyPending, authcore.EmergencyRejected, "admin-2", "")
	if !errors.Is(err, authcore.ErrEmergencyStatusConflict) {
		t.Fatalf("expected ErrEmergencyStatusConflict, got %v", err)
	}
}

func TestAuditQueryFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	entries := []*authcore.AuditLogEntry{
		{ID: "e1", ActorID: "u1", OrgID: "o1", Action: "login.success", Timestamp: base.Add(-3 * time.Hour)},
		{ID: "e2", ActorID: "u2", OrgID: "o1", Action: "grant.created", Compliance: true, Timestamp: base.Add(-2 * time.Hour)},
		{ID: "e3", ActorID: "u1", OrgID: "o2", Action: "grant.revoked", Compliance: true, Timestamp: base.Add(-time.Hour)},
	}
	for _, e := range entries {
		if err := s.AppendAuditEntry(ctx, e); err != nil {
			t.Fatalf("AppendAuditEntry failed: %v", err)
		}
	}

	byOrg, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{OrgID: "o1"})
	if err != nil || len(byOrg) != 2 {
		t.Fatalf("org filter: got %d err=%v", len(byOrg), err)
	}
	byActor, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{ActorID: "u1"})
	if err != nil || len(byActor) != 2 {
		t.Fatalf("actor filter: got %d err=%v", len(byActor), err)
	}
	compliance, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{ComplianceOnly: true})
	if err != nil || len(compliance) != 2 {
		t.Fatalf("compliance filter: got %d err=%v", len(compliance), err)
	}
	since, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{Since: base.Add(-90 * time.Minute)})
	if err != nil || len(since) != 1 || since[0].ID != "e3" {
		t.Fatalf("since filter: got %+v err=%v", since, err)
	}
	until, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{Until: base.Add(-150 * time.Minute)})
	if err != nil || len(until) != 1 || until[0].ID != "e1" {
		t.Fatalf("until filter: got %+v err=%v", until, err)
	}
	limited, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit: got %d err=%v", len(limited), err)
	}
}

func TestPruneAuditBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	for _, e := range []*authcore.AuditLogEntry{
		{ID: "old-1", Action: "login.success", Timestamp: base.Add(-72 * time.Hour)},
		{ID: "old-2", Action: "login.success", Timestamp: base.Add(-48 * time.Hour)},
		{ID: "new-1", Action: "login.success", Timestamp: base},
	} {
		if err := s.AppendAuditEntry(ctx, e); err != nil {
			t.Fatalf("AppendAuditEntry failed: %v", err)
		}
	}

	n, err := s.PruneAuditBefore(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAuditBefore failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	remaining, err := s.QueryAuditEntries(ctx, authcore.AuditQuery{})
	if err != nil || len(remaining) != 1 || remaining[0].ID != "new-1" {
		t.Fatalf("unexpected survivors: %+v err=%v", remaining, err)
	}
}

func TestLoginAttemptQueries(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	attempts := []*authcore.LoginAttempt{
		{ID: "a1", Email: "a@b.test", IP: "192.0.2.1", Success: false, Timestamp: base.Add(-3 * time.Hour)},
		{ID: "a2", Email: "a@b.test", IP: "192.0.2.1", Success: true, Timestamp: base.Add(-2 * time.Hour)},
		{ID: "a3", Email: "a@b.test", IP: "192.0.2.9", Success: true, Timestamp: base.Add(-time.Hour)},
	}
	for _, a := range attempts {
		if err := s.RecordLoginAttempt(ctx, a); err != nil {
			t.Fatalf("RecordLoginAttempt failed: %v", err)
		}
	}

	last, err := s.LastSuccessfulLogin(ctx, "a@b.test")
	if err != nil {
		t.Fatalf("LastSuccessfulLogin failed: %v", err)
	}
	if last == nil || last.ID != "a3" {
		t.Fatalf("expected most recent success, got %+v", last)
	}

	none, err := s.LastSuccessfulLogin(ctx, "nobody@b.test")
	if err != nil || none != nil {
		t.Fatalf("expected no attempt, got %+v err=%v", none, err)
	}

	seen, err := s.HasSuccessfulLoginFromIP(ctx, "a@b.test", "192.0.2.1")
	if err != nil || !seen {
		t.Fatalf("expected known IP, got seen=%v err=%v", seen, err)
	}
	seen, err = s.HasSuccessfulLoginFromIP(ctx, "a@b.test", "198.51.100.1")
	if err != nil || seen {
		t.Fatalf("expected unknown IP, got seen=%v err=%v", seen, err)
	}
}

func TestExpireSweepsSkipInactive(t *testing.T) {
	s := New()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	seedStoreGrant(t, s, "grant-active", "tech-1", authcore.GrantActive, &past)
	seedStoreGrant(t, s, "grant-revoked", "tech-2", authcore.GrantRevoked, &past)

	n, err := s.ExpireGrantsBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpireGrantsBefore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired grant, got %d", n)
	}
	revoked, _ := s.GetGrant(ctx, "grant-revoked")
	if revoked.Status != authcore.GrantRevoked {
		t.Fatalf("sweep must not touch revoked grants, got %s", revoked.Status)
	}
}

func TestIncrementLoginFailuresCountsEveryCaller(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedOrg(t, s, "org-1", authcore.OrgCustomer)
	seedStoreUser(t, s, "user-1", "org-1", "ops@acme.test", authcore.RoleCustomerAdmin)

	lockUntil := time.Now().Add(time.Hour)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := s.IncrementLoginFailures(ctx, "user-1", 10, lockUntil); err != nil {
				t.Errorf("IncrementLoginFailures failed: %v", err)
			}
		}()
	}
	wg.Wait()

	user, err := s.GetUserByID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if user.FailedLoginAttempts != n {
		t.Fatalf("expected %d recorded failures, got %d", n, user.FailedLoginAttempts)
	}
	if user.LockedUntil == nil || !user.LockedUntil.Equal(lockUntil) {
		t.Fatalf("expected lock at %v, got %v", lockUntil, user.LockedUntil)
	}

	if _, _, err := s.IncrementLoginFailures(ctx, "user-ghost", 10, lockUntil); !errors.Is(err, authcore.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestIncrementLoginFailuresLocksAtThreshold(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedOrg(t, s, "org-1", authcore.OrgCustomer)
	seedStoreUser(t, s, "user-1", "org-1", "ops@acme.test", authcore.RoleCustomerAdmin)

	lockUntil := time.Now().Add(time.Hour)
	for i := 1; i <= 3; i++ {
		attempts, locked, err := s.IncrementLoginFailures(ctx, "user-1", 3, lockUntil)
		if err != nil {
			t.Fatalf("IncrementLoginFailures failed: %v", err)
		}
		if attempts != i {
			t.Fatalf("expected %d attempts, got %d", i, attempts)
		}
		if locked != (i >= 3) {
			t.Fatalf("attempt %d: unexpected locked=%v", i, locked)
		}
	}
}

func TestCreateSessionCappedEvictsLeastRecentlyActive(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"sess-old", "sess-mid", "sess-new"} {
		err := s.CreateSession(ctx, &authcore.Session{
			ID:             id,
			UserID:         "user-1",
			OrgID:          "org-1",
			Role:           authcore.RoleTechnician,
			Status:         authcore.SessionActive,
			CreatedAt:      now,
			ExpiresAt:      now.Add(time.Hour),
			LastActivityAt: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	evicted, err := s.CreateSessionCapped(ctx, &authcore.Session{
		ID:             "sess-next",
		UserID:         "user-1",
		OrgID:          "org-1",
		Role:           authcore.RoleTechnician,
		Status:         authcore.SessionActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		LastActivityAt: now,
	}, 2, "evicted")
	if err != nil {
		t.Fatalf("CreateSessionCapped failed: %v", err)
	}
	if len(evicted) != 2 {
		t.Fatalf("expected 2 evictions, got %d", len(evicted))
	}
	if evicted[0].ID != "sess-old" || evicted[1].ID != "sess-mid" {
		t.Fatalf("expected the stalest sessions to go first, got %s then %s", evicted[0].ID, evicted[1].ID)
	}
	for _, victim := range evicted {
		got, err := s.GetSession(ctx, victim.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.Status != authcore.SessionRevoked || got.RevokeReason != "evicted" {
			t.Fatalf("expected %s revoked as evicted, got status=%s reason=%s", victim.ID, got.Status, got.RevokeReason)
		}
	}

	active, err := s.ActiveSessionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ActiveSessionsForUser failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
}

func TestCreateSessionCappedHoldsCeilingUnderContention(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateSessionCapped(ctx, &authcore.Session{
				ID:             fmt.Sprintf("sess-%d", i),
				UserID:         "user-1",
				OrgID:          "org-1",
				Role:           authcore.RoleTechnician,
				Status:         authcore.SessionActive,
				CreatedAt:      now,
				ExpiresAt:      now.Add(time.Hour),
				LastActivityAt: now,
			}, 3, "evicted")
			if err != nil {
				t.Errorf("CreateSessionCapped failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	active, err := s.ActiveSessionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ActiveSessionsForUser failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected the ceiling to hold at 3 active sessions, got %d", len(active))
	}
}
