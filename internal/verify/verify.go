// Package verify recomputes and checks the hash chain over a retrieved event
// range, reporting the first point of inconsistency. Verification is pure and
// idempotent; it never runs on the write path.
package verify

import (
	"errors"
	"fmt"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
)

// Verification error categories.
var (
	// ErrTamperDetected indicates a hash or linkage mismatch: some field of
	// a stored event no longer matches its recorded digest.
	ErrTamperDetected = errors.New("verify: tamper detected")

	// ErrChainBroken indicates a sequence discontinuity. Ambiguous between
	// a storage outage gap and a deleted event; reported as such.
	ErrChainBroken = errors.New("verify: chain broken")
)

// TamperError reports the first sequence whose stored fields fail hash
// recomputation or whose prev_hash does not link to its predecessor.
type TamperError struct {
	AtSequence uint64
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("verify: tamper detected at sequence %d", e.AtSequence)
}

// Unwrap supports errors.Is(err, ErrTamperDetected).
func (e *TamperError) Unwrap() error {
	return ErrTamperDetected
}

// ChainBrokenError reports the first missing sequence in a range.
type ChainBrokenError struct {
	ExpectedSequence uint64
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("verify: chain broken, expected sequence %d", e.ExpectedSequence)
}

// Unwrap supports errors.Is(err, ErrChainBroken).
func (e *ChainBrokenError) Unwrap() error {
	return ErrChainBroken
}

// Options anchor a verification run.
type Options struct {
	// ExpectedStart is the hash the first event's prev_hash must equal, for
	// verifying a sub-range that does not begin at the chain origin. Nil
	// means the range must begin at genesis.
	ExpectedStart *hashchain.Hash

	// ExpectedFirstSequence, when non-nil, additionally pins the sequence
	// number the range must begin with.
	ExpectedFirstSequence *uint64
}

// VerifyChain checks an ascending event range. For each event it confirms
// the sequence increases by exactly 1, the prev_hash links to the previous
// event's stored hash (or the anchor for the first event), and the stored
// hash matches recomputation over the event's own fields. The first
// violation is returned: a linkage or digest mismatch as *TamperError, a
// sequence discontinuity as *ChainBrokenError. An empty range verifies
// trivially.
func VerifyChain(events []*event.Event, opts Options) error {
	if len(events) == 0 {
		return nil
	}

	expectedPrev := hashchain.Genesis()
	if opts.ExpectedStart != nil {
		expectedPrev = *opts.ExpectedStart
	}

	if opts.ExpectedFirstSequence != nil && events[0].Sequence != *opts.ExpectedFirstSequence {
		return &ChainBrokenError{ExpectedSequence: *opts.ExpectedFirstSequence}
	}

	for i, e := range events {
		if i > 0 {
			want := events[i-1].Sequence + 1
			if e.Sequence != want {
				return &ChainBrokenError{ExpectedSequence: want}
			}
			expectedPrev = events[i-1].Hash
		}

		// A forged prev_hash can still carry the original digest, so the
		// link is checked independently of recomputation.
		if e.PrevHash != expectedPrev {
			return &TamperError{AtSequence: e.Sequence}
		}

		in := e.HashInput()
		in.PrevHash = expectedPrev
		recomputed, err := hashchain.Compute(in)
		if err != nil {
			return fmt.Errorf("verify: recompute sequence %d: %w", e.Sequence, err)
		}
		if recomputed != e.Hash {
			return &TamperError{AtSequence: e.Sequence}
		}
	}

	return nil
}
