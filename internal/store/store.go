// Package store defines the append-only persistence contract for sequenced
// audit events and provides the in-memory reference backend. Concrete
// database adapters live in subpackages; each documents the engine-native
// mechanism it uses to reject updates and deletes.
package store

import (
	"context"
	"sync"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
)

// Store persists sequenced, hashed events. Rows are created and read, never
// updated or deleted; adapters back this up with engine-level enforcement
// (triggers, rules, grants, or ACLs) so that even direct database access
// cannot silently alter history.
type Store interface {
	// Append persists one sequenced, hashed event.
	Append(ctx context.Context, e *event.Event) error

	// QueryRange returns events with from <= sequence <= to in ascending
	// sequence order. A limit <= 0 means no cap.
	QueryRange(ctx context.Context, from, to uint64, limit int) ([]*event.Event, error)

	// Head returns the highest persisted sequence and its hash. An empty
	// store reports ErrNotFound.
	Head(ctx context.Context) (Position, error)

	// Close releases backend resources.
	Close() error
}

// Position is a point in the chain: a sequence and the hash stored at it.
// The sequencer resumes from the head position after a restart.
type Position struct {
	Sequence uint64
	Hash     hashchain.Hash
}

// Memory is the reference backend: an in-process slice guarded by a RWMutex,
// append-only by construction. It backs tests and single-process development
// setups; it offers no engine-level enforcement because there is no engine.
type Memory struct {
	mu     sync.RWMutex
	events []*event.Event
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Append persists one event. Sequences must be strictly increasing; gaps are
// legal (a failed persist leaves one) but duplicates and regressions are not.
func (m *Memory) Append(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStoreError("Append", "memory", ErrStoreClosed)
	}
	if n := len(m.events); n > 0 && e.Sequence <= m.events[n-1].Sequence {
		return NewStoreError("Append", "memory", ErrInvalidEvent)
	}

	m.events = append(m.events, e.Clone())
	return nil
}

// QueryRange returns stored events in the inclusive sequence range. Results
// are clones; mutating them does not touch persisted state.
func (m *Memory) QueryRange(_ context.Context, from, to uint64, limit int) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStoreError("QueryRange", "memory", ErrStoreClosed)
	}

	var out []*event.Event
	for _, e := range m.events {
		if e.Sequence < from || e.Sequence > to {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Head returns the last appended position.
func (m *Memory) Head(_ context.Context) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Position{}, NewStoreError("Head", "memory", ErrStoreClosed)
	}
	if len(m.events) == 0 {
		return Position{}, NewStoreError("Head", "memory", ErrNotFound)
	}

	last := m.events[len(m.events)-1]
	return Position{Sequence: last.Sequence, Hash: last.Hash}, nil
}

// Close marks the store closed; subsequent operations fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the number of persisted events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
