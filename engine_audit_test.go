package authcore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	authcore "github.com/guardpost/authcore"
	"github.com/guardpost/authcore/store/memory"
)

// newAuditedEnv wires the engine's own store in as the audit sink, so the
// trail is queryable through the engine.
func newAuditedEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	env := newTestEnv(t, testConfig(), func(b *authcore.Builder) {
		b.WithStore(store).WithAuditSink(authcore.NewStoreSink(store))
	})
	env.store = store
	return env
}

// waitForAudit polls the trail until an entry with the action appears. The
// dispatcher is asynchronous, so flow tests cannot observe entries
// synchronously.
func waitForAudit(t *testing.T, env *testEnv, q authcore.AuditQuery) []*authcore.AuditLogEntry {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := env.engine.QueryAudit(context.Background(), q)
		if err != nil {
			t.Fatalf("QueryAudit failed: %v", err)
		}
		if len(entries) > 0 {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("no audit entries matched %+v", q)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuditTrailPersistsAndFilters(t *testing.T) {
	env := newAuditedEnv(t)
	dir := seedDirectory(t, env)
	ctx := context.Background()

	grant := createGrant(t, env, dir)
	_, _ = env.engine.Login(ctx, dir.Customer.Email, "wrong-password-foo")
	login(t, env, dir.Customer.Email)

	created := waitForAudit(t, env, authcore.AuditQuery{Action: "grant.created"})
	if len(created) != 1 || created[0].ResourceID != grant.ID || created[0].ActorID != dir.Admin.ID {
		t.Fatalf("unexpected grant.created entries: %+v", created)
	}
	if !created[0].Compliance {
		t.Fatal("grant lifecycle entries are compliance-relevant")
	}

	success := waitForAudit(t, env, authcore.AuditQuery{Action: "login.success"})
	if success[0].ActorID != dir.Customer.ID {
		t.Fatalf("unexpected login.success actor: %s", success[0].ActorID)
	}

	// Low-risk password mismatches stay out of the compliance view.
	compliance, err := env.engine.QueryAudit(ctx, authcore.AuditQuery{ComplianceOnly: true})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	for _, entry := range compliance {
		if !entry.Compliance {
			t.Fatalf("compliance filter leaked entry: %+v", entry)
		}
		if entry.Action == "login.failure" {
			t.Fatalf("low-risk login failure flagged for compliance: %+v", entry)
		}
	}

	byActor, err := env.engine.QueryAudit(ctx, authcore.AuditQuery{ActorID: dir.Admin.ID})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(byActor) == 0 {
		t.Fatal("expected entries for the admin actor")
	}
	for _, entry := range byActor {
		if entry.ActorID != dir.Admin.ID {
			t.Fatalf("actor filter leaked entry: %+v", entry)
		}
	}

	limited, err := env.engine.QueryAudit(ctx, authcore.AuditQuery{Limit: 1})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 entry with limit, got %d", len(limited))
	}
}

func TestPruneAuditIsItselfAudited(t *testing.T) {
	env := newAuditedEnv(t)
	dir := seedDirectory(t, env)
	ctx := context.Background()

	// Age some entries past the cutoff.
	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		err := env.store.AppendAuditEntry(ctx, &authcore.AuditLogEntry{
			ID:        fmt.Sprintf("old-entry-%d", i),
			ActorID:   dir.Admin.ID,
			Action:    "login.success",
			Timestamp: old,
		})
		if err != nil {
			t.Fatalf("AppendAuditEntry failed: %v", err)
		}
	}
	login(t, env, dir.Customer.Email)

	n, err := env.engine.PruneAudit(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAudit failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pruned entries, got %d", n)
	}

	pruned := waitForAudit(t, env, authcore.AuditQuery{Action: "audit.pruned"})
	if pruned[0].Details["count"] != "3" {
		t.Fatalf("expected pruned count in details, got %+v", pruned[0].Details)
	}

	remaining, err := env.engine.QueryAudit(ctx, authcore.AuditQuery{Action: "login.success"})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, entry := range remaining {
		if entry.Timestamp.Before(cutoff) {
			t.Fatalf("entry survived the prune: %+v", entry)
		}
	}
}
