package store

import (
	"errors"
	"strings"
	"testing"
)

func TestStoreError_Wrapping(t *testing.T) {
	err := WrapConnectionError("Append", "postgres", errors.New("dial tcp: refused"))

	if !errors.Is(err, ErrConnectionFailed) {
		t.Error("errors.Is(ErrConnectionFailed) = false")
	}

	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatal("errors.As(*StoreError) = false")
	}
	if se.Op != "Append" || se.Backend != "postgres" {
		t.Errorf("StoreError context = %s/%s", se.Op, se.Backend)
	}

	msg := err.Error()
	if !strings.Contains(msg, "store.Append(postgres)") {
		t.Errorf("Error() = %q, missing operation context", msg)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection", WrapConnectionError("Append", "redis", errors.New("x")), true},
		{"timeout", NewStoreError("Append", "clickhouse", ErrTimeout), true},
		{"query", WrapQueryError("QueryRange", "sqlite", errors.New("x")), false},
		{"invalid", NewStoreError("Append", "memory", ErrInvalidEvent), false},
		{"not found", NewStoreError("Head", "memory", ErrNotFound), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewStoreError("Head", "memory", ErrNotFound)) {
		t.Error("IsNotFound() = false for wrapped ErrNotFound")
	}
	if IsNotFound(ErrQueryFailed) {
		t.Error("IsNotFound() = true for ErrQueryFailed")
	}
}
