package main

import (
	"testing"
	"time"
)

func TestPruneEntryShape(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-17520 * time.Hour)

	entry := pruneEntry(now, cutoff, 42)
	if entry.ID == "" {
		t.Fatal("expected a generated entry ID")
	}
	if entry.Action != "audit.pruned" {
		t.Fatalf("expected audit.pruned action, got %q", entry.Action)
	}
	if !entry.Compliance {
		t.Fatal("expected prune entries to be compliance-relevant")
	}
	if entry.Details["count"] != "42" {
		t.Fatalf("expected count detail 42, got %q", entry.Details["count"])
	}
	if entry.Details["cutoff"] != cutoff.UTC().Format(time.RFC3339) {
		t.Fatalf("unexpected cutoff detail %q", entry.Details["cutoff"])
	}

	// ULIDs sort by time; two entries a tick apart must order correctly.
	later := pruneEntry(now.Add(time.Second), cutoff, 1)
	if !(entry.ID < later.ID) {
		t.Fatalf("expected IDs to sort by time, got %q then %q", entry.ID, later.ID)
	}
}
