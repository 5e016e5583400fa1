package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// blockingSink holds every write until released, to back-pressure the
// dispatcher deterministically.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	entries []AuditLogEntry
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{})}
}

func (s *blockingSink) Write(_ context.Context, entry AuditLogEntry) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type failingSink struct{}

func (failingSink) Write(context.Context, AuditLogEntry) error {
	return errors.New("sink unavailable")
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := newBlockingSink()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditLogEntry{Action: auditLoginSuccess})
	}
	close(sink.release)
	d.Close()

	if got := sink.count(); got != 5 {
		t.Fatalf("expected 5 entries after drain, got %d", got)
	}
	if d.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", d.Dropped())
	}

	// Emitting after close is a no-op, not a panic.
	d.Emit(context.Background(), AuditLogEntry{Action: auditLoginSuccess})
	d.Close()
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newBlockingSink()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// One entry may be in flight in the worker and one in the buffer;
	// everything beyond that must shed.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditLogEntry{Action: auditLoginSuccess})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped entries with a full buffer")
	}

	close(sink.release)
	d.Close()

	delivered := uint64(sink.count())
	if delivered+d.Dropped() != 10 {
		t.Fatalf("delivered %d + dropped %d != 10", delivered, d.Dropped())
	}
}

func TestDispatcherCountsFailedWrites(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, failingSink{})

	for i := 0; i < 3; i++ {
		d.Emit(context.Background(), AuditLogEntry{Action: auditLoginFailure})
	}
	d.Close()

	if d.Failed() != 3 {
		t.Fatalf("expected 3 failed writes, got %d", d.Failed())
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	// All methods tolerate the nil receiver.
	d.Emit(context.Background(), AuditLogEntry{})
	d.Close()
	if d.Dropped() != 0 || d.Failed() != 0 {
		t.Fatal("expected zero counters on nil dispatcher")
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	err := sink.Write(context.Background(), AuditLogEntry{
		ID:     "entry-1",
		Action: auditGrantCreated,
		Details: map[string]string{
			"technician_id": "tech-1",
		},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var decoded AuditLogEntry
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded.ID != "entry-1" || decoded.Action != auditGrantCreated {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}

func TestChannelSinkHonorsContext(t *testing.T) {
	sink := NewChannelSink(1)

	if err := sink.Write(context.Background(), AuditLogEntry{ID: "a"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Full buffer blocks until the context gives up.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Write(ctx, AuditLogEntry{ID: "b"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	entry := <-sink.Entries()
	if entry.ID != "a" {
		t.Fatalf("expected first entry, got %s", entry.ID)
	}
}
