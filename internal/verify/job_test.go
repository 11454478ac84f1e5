package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"auditchain/internal/event"
	"auditchain/internal/store"
)

func seededStore(t *testing.T, events []*event.Event) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	for _, e := range events {
		if err := m.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%d) error = %v", e.Sequence, err)
		}
	}
	return m
}

// corruptingStore flips a field on one event as it leaves the store,
// simulating at-rest tampering that the memory backend's clone semantics
// would otherwise hide.
type corruptingStore struct {
	store.Store
	target uint64
}

func (c *corruptingStore) QueryRange(ctx context.Context, from, to uint64, limit int) ([]*event.Event, error) {
	events, err := c.Store.QueryRange(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Sequence == c.target {
			e.Subject = "mallory"
		}
	}
	return events, nil
}

func TestJob_RunOnce(t *testing.T) {
	st := seededStore(t, genesisChain(t, 10))
	j := NewJob(st, JobConfig{PageSize: 3}, nil)

	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	m := j.Metrics()
	if m.Runs != 1 || m.Violations != 0 {
		t.Errorf("Metrics() = %+v, want 1 run, 0 violations", m)
	}
}

func TestJob_RunOnce_EmptyStore(t *testing.T) {
	j := NewJob(store.NewMemory(), JobConfig{}, nil)
	if err := j.RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce() on empty store error = %v", err)
	}
}

func TestJob_RunOnce_Violation(t *testing.T) {
	var captured error
	st := &corruptingStore{
		Store:  seededStore(t, genesisChain(t, 10)),
		target: 5,
	}
	j := NewJob(st, JobConfig{
		PageSize:    4,
		OnViolation: func(err error) { captured = err },
	}, nil)

	err := j.RunOnce(context.Background())
	var te *TamperError
	if !errors.As(err, &te) {
		t.Fatalf("RunOnce() error = %v, want TamperError", err)
	}
	if te.AtSequence != 5 {
		t.Errorf("AtSequence = %d, want 5", te.AtSequence)
	}
	if captured == nil || !errors.Is(captured, ErrTamperDetected) {
		t.Errorf("OnViolation captured = %v", captured)
	}
	if m := j.Metrics(); m.Violations != 1 {
		t.Errorf("Violations = %d, want 1", m.Violations)
	}
}

func TestJob_RunOnce_Gap(t *testing.T) {
	events := genesisChain(t, 6)
	gapped := append(events[:3:3], events[4:]...)
	j := NewJob(seededStore(t, gapped), JobConfig{PageSize: 2}, nil)

	err := j.RunOnce(context.Background())
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("RunOnce() error = %v, want ErrChainBroken", err)
	}
}

func TestJob_StartStop(t *testing.T) {
	st := seededStore(t, genesisChain(t, 3))
	j := NewJob(st, JobConfig{Interval: 20 * time.Millisecond, PageSize: 10}, nil)

	j.Start()
	deadline := time.Now().Add(2 * time.Second)
	for j.Metrics().Runs == 0 {
		if time.Now().After(deadline) {
			t.Fatal("periodic job never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	j.Stop()

	// Disabled interval: Start is a no-op and Stop is safe.
	idle := NewJob(st, JobConfig{}, nil)
	idle.Start()
	idle.Stop()
}
