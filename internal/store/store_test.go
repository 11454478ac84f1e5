package store

import (
	"context"
	"testing"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
)

// chainOf builds n sealed events linked from genesis.
func chainOf(t *testing.T, n int) []*event.Event {
	t.Helper()

	events := make([]*event.Event, 0, n)
	prev := hashchain.Genesis()
	for i := 0; i < n; i++ {
		e := event.New(event.KindHTTPRequest, event.SeverityInformational)
		e.Service = "api"
		e.Metadata = map[string]any{"n": i}
		e.Sequence = uint64(i)
		e.PrevHash = prev

		h, err := e.ComputeHash()
		if err != nil {
			t.Fatalf("ComputeHash() error = %v", err)
		}
		e.Hash = h
		prev = h
		events = append(events, e)
	}
	return events
}

func TestMemory_AppendAndQueryRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, e := range chainOf(t, 5) {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d) error = %v", e.Sequence, err)
		}
	}

	got, err := m.QueryRange(ctx, 0, 4, 0)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("QueryRange() returned %d events, want 5", len(got))
	}
	for i, e := range got {
		if e.Sequence != uint64(i) {
			t.Errorf("got[%d].Sequence = %d, want %d", i, e.Sequence, i)
		}
	}

	sub, err := m.QueryRange(ctx, 1, 3, 0)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(sub) != 3 || sub[0].Sequence != 1 || sub[2].Sequence != 3 {
		t.Errorf("QueryRange(1, 3) returned wrong window: %d events", len(sub))
	}

	limited, err := m.QueryRange(ctx, 0, 4, 2)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("QueryRange() with limit 2 returned %d events", len(limited))
	}
}

func TestMemory_Head(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Head(ctx); !IsNotFound(err) {
		t.Errorf("Head() on empty store error = %v, want ErrNotFound", err)
	}

	events := chainOf(t, 3)
	for _, e := range events {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	head, err := m.Head(ctx)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.Sequence != 2 || head.Hash != events[2].Hash {
		t.Errorf("Head() = {%d %s}, want {2 %s}", head.Sequence, head.Hash, events[2].Hash)
	}
}

func TestMemory_RejectsNonIncreasingSequence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	events := chainOf(t, 2)
	if err := m.Append(ctx, events[1]); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Duplicate sequence
	if err := m.Append(ctx, events[1]); err == nil {
		t.Error("Append() duplicate sequence should fail")
	}
	// Regressing sequence
	if err := m.Append(ctx, events[0]); err == nil {
		t.Error("Append() regressing sequence should fail")
	}
}

func TestMemory_GapIsLegal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	events := chainOf(t, 5)
	// Simulate a persist failure at sequence 2: the store sees 0, 1, 3, 4.
	for _, i := range []int{0, 1, 3, 4} {
		if err := m.Append(ctx, events[i]); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	got, err := m.QueryRange(ctx, 0, 10, 0)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("QueryRange() returned %d events, want 4", len(got))
	}
}

func TestMemory_QueryReturnsClones(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, e := range chainOf(t, 1) {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	first, err := m.QueryRange(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	first[0].Subject = "mallory"
	first[0].Metadata["n"] = 999

	second, err := m.QueryRange(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if second[0].Subject == "mallory" {
		t.Error("Mutating a query result altered persisted state")
	}
	if second[0].Metadata["n"] == 999 {
		t.Error("Mutating result metadata altered persisted state")
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := chainOf(t, 1)
	if err := m.Append(ctx, events[0]); err == nil {
		t.Error("Append() after Close should fail")
	}
	if _, err := m.QueryRange(ctx, 0, 10, 0); err == nil {
		t.Error("QueryRange() after Close should fail")
	}
	if _, err := m.Head(ctx); err == nil {
		t.Error("Head() after Close should fail")
	}
}
