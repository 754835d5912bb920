// Package journal records stream lifecycle events for external consumers.
// The redis implementation appends entries to a Redis stream; the memory
// implementation backs tests.
package journal

import (
	"context"
	"sync"
	"time"
)

// Entry is one lifecycle record. Zero-valued fields are omitted from the
// encoded payload.
type Entry struct {
	Kind       string    `json:"kind"`
	ClientID   string    `json:"clientId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Journal publishes lifecycle entries. Publish must be cheap enough to call
// from the control loop; implementations that talk to a network hand the
// entry to a background worker.
type Journal interface {
	Publish(ctx context.Context, entry Entry) error
	Close() error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Publish(context.Context, Entry) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory retains entries in order for inspection in tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Close() error { return nil }

// Entries returns a copy of everything published so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
