// Package sequencer implements the single writer of chain state. Many
// concurrent producers hand drafts to a bounded mailbox; one goroutine
// assigns sequence numbers and hash linkage, persists to the append-only
// store with bounded retries, and dispatches copies to exporters. Chain
// state is owned exclusively by that goroutine; there is no shared mutable
// state for producers to race on.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
	"auditchain/internal/store"
)

// Submission errors surfaced to producers. Everything downstream of the
// mailbox (persistence, export) is handled internally and never reaches
// the request path.
var (
	// ErrMailboxFull indicates backpressure: the event was not accepted.
	ErrMailboxFull = errors.New("sequencer: mailbox full")

	// ErrSequencerClosed indicates shutdown has begun; submissions are
	// terminally rejected.
	ErrSequencerClosed = errors.New("sequencer: closed")
)

// ResumePolicy selects the chain state a restarted sequencer begins with.
type ResumePolicy string

const (
	// ResumeFromStore splices onto the last persisted hash, producing one
	// continuous chain across restarts. This is the default.
	ResumeFromStore ResumePolicy = "resume"

	// FreshSegment continues sequence numbering from the store head but
	// links the first new event from genesis, making the restart boundary
	// explicit. Full-range verification then requires per-segment anchors.
	FreshSegment ResumePolicy = "fresh"
)

// Dispatcher receives sealed events for best-effort export. Dispatch must
// not block; the export fan-out satisfies this with per-exporter queues.
type Dispatcher interface {
	Dispatch(e *event.Event)
}

// Config holds sequencer tuning.
type Config struct {
	// MailboxSize bounds pending submissions.
	MailboxSize int `json:"mailbox_size" yaml:"mailbox_size"`

	// SubmitWait is how long Submit blocks when the mailbox is full before
	// rejecting. Zero drops immediately.
	SubmitWait time.Duration `json:"submit_wait" yaml:"submit_wait"`

	// Resume selects the restart policy.
	Resume ResumePolicy `json:"resume" yaml:"resume"`

	// StoreRetries is the number of additional persistence attempts after
	// the first failure.
	StoreRetries int `json:"store_retries" yaml:"store_retries"`

	// StoreRetryBackoff is the initial retry delay; it doubles per attempt.
	StoreRetryBackoff time.Duration `json:"store_retry_backoff" yaml:"store_retry_backoff"`

	// StoreRetryMaxBackoff caps the doubling.
	StoreRetryMaxBackoff time.Duration `json:"store_retry_max_backoff" yaml:"store_retry_max_backoff"`
}

// DefaultConfig returns the default sequencer configuration.
func DefaultConfig() Config {
	return Config{
		MailboxSize:          1024,
		SubmitWait:           0,
		Resume:               ResumeFromStore,
		StoreRetries:         5,
		StoreRetryBackoff:    100 * time.Millisecond,
		StoreRetryMaxBackoff: 5 * time.Second,
	}
}

// Sequencer owns the chain state {next sequence, last hash}.
type Sequencer struct {
	store      store.Store
	dispatcher Dispatcher
	config     Config
	logger     *slog.Logger

	mailbox chan *event.Event
	done    chan struct{}

	// mu orders mailbox sends before channel close: Submit sends while
	// holding the read lock, Close sets closed and closes the mailbox under
	// the write lock.
	mu     sync.RWMutex
	closed bool

	// Owned by the run goroutine only.
	nextSeq  uint64
	lastHash hashchain.Hash

	metrics sequencerMetrics
}

type sequencerMetrics struct {
	accepted        atomic.Uint64
	rejectedFull    atomic.Uint64
	rejectedClosed  atomic.Uint64
	sealed          atomic.Uint64
	persisted       atomic.Uint64
	persistFailures atomic.Uint64
	persistRetries  atomic.Uint64
	hashFailures    atomic.Uint64
	dispatched      atomic.Uint64
}

// New creates a sequencer and starts its run loop. The store head is read
// once to establish the starting position per the resume policy; a store
// that is unreachable at startup fails construction rather than silently
// forking the chain. A nil dispatcher disables export.
func New(ctx context.Context, st store.Store, d Dispatcher, cfg Config, logger *slog.Logger) (*Sequencer, error) {
	def := DefaultConfig()
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.Resume == "" {
		cfg.Resume = def.Resume
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.StoreRetryBackoff <= 0 {
		cfg.StoreRetryBackoff = def.StoreRetryBackoff
	}
	if cfg.StoreRetryMaxBackoff < cfg.StoreRetryBackoff {
		cfg.StoreRetryMaxBackoff = cfg.StoreRetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sequencer{
		store:      st,
		dispatcher: d,
		config:     cfg,
		logger:     logger.With(slog.String("component", "sequencer")),
		mailbox:    make(chan *event.Event, cfg.MailboxSize),
		done:       make(chan struct{}),
	}

	head, err := st.Head(ctx)
	switch {
	case store.IsNotFound(err):
		s.nextSeq = 0
		s.lastHash = hashchain.Genesis()
	case err != nil:
		return nil, fmt.Errorf("sequencer: read store head: %w", err)
	default:
		s.nextSeq = head.Sequence + 1
		if cfg.Resume == FreshSegment {
			s.lastHash = hashchain.Genesis()
		} else {
			s.lastHash = head.Hash
		}
	}

	s.logger.Info("sequencer started",
		"next_sequence", s.nextSeq,
		"resume_policy", string(cfg.Resume),
		"mailbox_size", cfg.MailboxSize,
	)

	go s.run()
	return s, nil
}

// Submit hands a draft to the sequencer. It never blocks on I/O: the event
// is either accepted into the mailbox, rejected with ErrMailboxFull under
// backpressure, or rejected with ErrSequencerClosed after shutdown begins.
// Accepted events are processed exactly once, in mailbox order.
func (s *Sequencer) Submit(e *event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.metrics.rejectedClosed.Add(1)
		return ErrSequencerClosed
	}

	select {
	case s.mailbox <- e:
		s.metrics.accepted.Add(1)
		return nil
	default:
	}

	if s.config.SubmitWait > 0 {
		timer := time.NewTimer(s.config.SubmitWait)
		defer timer.Stop()

		select {
		case s.mailbox <- e:
			s.metrics.accepted.Add(1)
			return nil
		case <-timer.C:
		}
	}

	s.metrics.rejectedFull.Add(1)
	return ErrMailboxFull
}

// Close stops intake, drains the mailbox, and attempts persistence of every
// accepted event before returning. Exporter shutdown is the caller's
// responsibility and must follow Close so that drained events still reach
// the fan-out. Close is idempotent.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.mailbox)
	s.mu.Unlock()

	<-s.done

	s.logger.Info("sequencer stopped",
		"sealed", s.metrics.sealed.Load(),
		"persisted", s.metrics.persisted.Load(),
		"persist_failures", s.metrics.persistFailures.Load(),
	)
	return nil
}

// run is the single-owner loop. It exits when the mailbox is closed and
// fully drained.
func (s *Sequencer) run() {
	defer close(s.done)
	for e := range s.mailbox {
		s.process(e)
	}
}

// process seals one event and hands it to the store and the dispatcher.
func (s *Sequencer) process(e *event.Event) {
	e.Sequence = s.nextSeq
	e.PrevHash = s.lastHash

	h, err := e.ComputeHash()
	if err != nil {
		// Unserializable metadata that escaped draft validation. The event
		// cannot join the chain; state does not advance.
		s.metrics.hashFailures.Add(1)
		s.logger.Error("event hash computation failed",
			"event_id", e.EventID,
			"kind", string(e.Kind),
			"error", err,
		)
		return
	}
	e.Hash = h

	s.nextSeq++
	s.lastHash = h
	s.metrics.sealed.Add(1)

	s.persist(e)

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(e)
		s.metrics.dispatched.Add(1)
	}
}

// persist writes the sealed event, retrying transient failures with bounded
// exponential backoff. Exhausted retries are logged and counted; the loop
// moves on, leaving a gap the verifier reports as broken continuity.
func (s *Sequencer) persist(e *event.Event) {
	var lastErr error
	backoff := s.config.StoreRetryBackoff

	for attempt := 0; attempt <= s.config.StoreRetries; attempt++ {
		if attempt > 0 {
			s.metrics.persistRetries.Add(1)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > s.config.StoreRetryMaxBackoff {
				backoff = s.config.StoreRetryMaxBackoff
			}
		}

		err := s.store.Append(context.Background(), e)
		if err == nil {
			s.metrics.persisted.Add(1)
			return
		}
		lastErr = err

		if !store.IsRetryable(err) {
			break
		}
		s.logger.Warn("event persistence retry",
			"sequence", e.Sequence,
			"attempt", attempt+1,
			"error", err,
		)
	}

	s.metrics.persistFailures.Add(1)
	s.logger.Error("event persistence failed, chain gap recorded",
		"sequence", e.Sequence,
		"event_id", e.EventID,
		"attempts", s.config.StoreRetries+1,
		"error", lastErr,
	)
}

// Metrics is a snapshot of sequencer counters.
type Metrics struct {
	Accepted        uint64
	RejectedFull    uint64
	RejectedClosed  uint64
	Sealed          uint64
	Persisted       uint64
	PersistFailures uint64
	PersistRetries  uint64
	HashFailures    uint64
	Dispatched      uint64
	MailboxDepth    int
}

// Metrics returns current counters.
func (s *Sequencer) Metrics() Metrics {
	return Metrics{
		Accepted:        s.metrics.accepted.Load(),
		RejectedFull:    s.metrics.rejectedFull.Load(),
		RejectedClosed:  s.metrics.rejectedClosed.Load(),
		Sealed:          s.metrics.sealed.Load(),
		Persisted:       s.metrics.persisted.Load(),
		PersistFailures: s.metrics.persistFailures.Load(),
		PersistRetries:  s.metrics.persistRetries.Load(),
		HashFailures:    s.metrics.hashFailures.Load(),
		Dispatched:      s.metrics.dispatched.Load(),
		MailboxDepth:    len(s.mailbox),
	}
}
