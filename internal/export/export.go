// Package export delivers sealed audit events to external systems on a
// best-effort basis. Export is an observability concern: a slow or failed
// exporter never blocks sequencing or persistence, and never affects chain
// integrity. Each exporter gets its own copy of each event through a bounded
// queue served by a single worker, so an exporter observes events in chain
// order and is never invoked concurrently with itself.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"auditchain/internal/event"
)

// ErrExporterClosed is returned by exporters after Close.
var ErrExporterClosed = errors.New("export: exporter closed")

// ExportError wraps a delivery failure with the exporter and event involved.
type ExportError struct {
	Exporter string
	EventID  string
	Err      error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export.%s: event %s: %v", e.Exporter, e.EventID, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// Exporter delivers one event to an external system. Export is called from
// a single goroutine per exporter and may block up to the fan-out's export
// timeout.
type Exporter interface {
	// Name identifies the exporter in logs and metrics.
	Name() string

	// Export delivers the event. Failures are logged and counted by the
	// fan-out; they are never retried across events.
	Export(ctx context.Context, e *event.Event) error

	// Close releases resources after the fan-out has drained.
	Close() error
}

// FanoutConfig tunes the fan-out.
type FanoutConfig struct {
	// QueueSize bounds each exporter's pending events.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// ExportTimeout bounds a single Export call.
	ExportTimeout time.Duration `json:"export_timeout" yaml:"export_timeout"`
}

// DefaultFanoutConfig returns fan-out defaults.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		QueueSize:     256,
		ExportTimeout: 10 * time.Second,
	}
}

type route struct {
	exporter Exporter
	queue    chan *event.Event
	exported atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// Fanout distributes events to a fixed set of exporters.
type Fanout struct {
	config FanoutConfig
	logger *slog.Logger
	routes []*route

	// mu orders queue sends before channel close: Dispatch sends while
	// holding the read lock, Close sets closed and closes the queues under
	// the write lock.
	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

// NewFanout starts one worker per exporter. The exporter set is fixed for
// the fan-out's lifetime.
func NewFanout(cfg FanoutConfig, logger *slog.Logger, exporters ...Exporter) *Fanout {
	def := DefaultFanoutConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = def.ExportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fanout{
		config: cfg,
		logger: logger.With(slog.String("component", "export")),
	}
	for _, exp := range exporters {
		r := &route{
			exporter: exp,
			queue:    make(chan *event.Event, cfg.QueueSize),
		}
		f.routes = append(f.routes, r)
		f.wg.Add(1)
		go f.worker(r)
	}
	return f
}

// Dispatch enqueues a copy of the event for every exporter. A full queue
// drops the copy for that exporter only; the drop is counted. Dispatch
// never blocks.
func (f *Fanout) Dispatch(e *event.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}

	for _, r := range f.routes {
		select {
		case r.queue <- e.Clone():
		default:
			r.dropped.Add(1)
		}
	}
}

func (f *Fanout) worker(r *route) {
	defer f.wg.Done()

	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.config.ExportTimeout)
		err := r.exporter.Export(ctx, e)
		cancel()

		if err != nil {
			r.failed.Add(1)
			f.logger.Warn("export failed",
				"exporter", r.exporter.Name(),
				"sequence", e.Sequence,
				"event_id", e.EventID,
				"error", err,
			)
			continue
		}
		r.exported.Add(1)
	}
}

// Close drains every queue, waits for in-flight exports, and closes the
// exporters. Events dispatched before Close are delivered; Dispatch calls
// racing Close are either delivered or dropped whole. Close is idempotent.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, r := range f.routes {
		close(r.queue)
	}
	f.mu.Unlock()

	f.wg.Wait()

	var lastErr error
	for _, r := range f.routes {
		if err := r.exporter.Close(); err != nil {
			lastErr = err
			f.logger.Warn("exporter close failed",
				"exporter", r.exporter.Name(),
				"error", err,
			)
		}
	}

	f.logger.Info("export fan-out closed", "exporters", len(f.routes))
	return lastErr
}

// ExporterMetrics is a per-exporter counter snapshot.
type ExporterMetrics struct {
	Exported   uint64
	Failed     uint64
	Dropped    uint64
	QueueDepth int
}

// Metrics returns a snapshot keyed by exporter name.
func (f *Fanout) Metrics() map[string]ExporterMetrics {
	out := make(map[string]ExporterMetrics, len(f.routes))
	for _, r := range f.routes {
		out[r.exporter.Name()] = ExporterMetrics{
			Exported:   r.exported.Load(),
			Failed:     r.failed.Load(),
			Dropped:    r.dropped.Load(),
			QueueDepth: len(r.queue),
		}
	}
	return out
}
