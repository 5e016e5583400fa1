package authcore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditSink receives finalized audit entries. Write must be safe for
// concurrent use; a non-nil error is counted by the dispatcher and surfaced
// through [Engine.AuditWriteFailures], never swallowed.
type AuditSink interface {
	Write(ctx context.Context, entry AuditLogEntry) error
}

// NoOpSink discards every entry.
type NoOpSink struct{}

func (NoOpSink) Write(context.Context, AuditLogEntry) error { return nil }

// ChannelSink forwards entries to a consumer goroutine. Useful for shipping
// entries to an external pipeline without coupling the engine to it.
type ChannelSink struct {
	entries chan AuditLogEntry
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{entries: make(chan AuditLogEntry, buffer)}
}

func (s *ChannelSink) Write(ctx context.Context, entry AuditLogEntry) error {
	select {
	case s.entries <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSink) Entries() <-chan AuditLogEntry {
	return s.entries
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Write(_ context.Context, entry AuditLogEntry) error {
	if s == nil || s.writer == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	_, err = s.writer.Write([]byte("\n"))
	return err
}

// StoreSink persists entries through the backing [Store], making them
// queryable by the compliance surface.
type StoreSink struct {
	store Store
}

func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, entry AuditLogEntry) error {
	return s.store.AppendAuditEntry(ctx, &entry)
}

// newAuditID mints a lexically sortable entry ID. ULIDs keep the audit table
// naturally ordered by time without a separate sort key.
func newAuditID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
