// Package recorder is the producer-facing surface of the audit subsystem.
// Request middleware and application code emit events through it; the
// recorder validates the draft, stamps identity and time, and hands it to
// the sequencer. Submission never performs I/O on the caller's path.
package recorder

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"auditchain/internal/event"
)

// Submitter accepts validated draft events for sequencing. The sequencer
// implements it.
type Submitter interface {
	Submit(e *event.Event) error
}

// Draft describes one auditable occurrence. Sequence and hashes are
// assigned later by the sequencer. Metadata ownership passes to the
// recorder on Submit.
type Draft struct {
	Kind     event.Kind
	Severity event.Severity
	Service  string
	HTTP     *event.HTTPInfo
	Subject  string
	Metadata map[string]any
}

// Options configures a Recorder.
type Options struct {
	// Service stamps events whose drafts do not name one themselves.
	Service string

	// Validator checks drafts before submission. Nil means defaults.
	Validator *event.Validator

	// Logger receives structured diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// Recorder validates drafts and forwards them for sequencing.
type Recorder struct {
	submitter Submitter
	validator *event.Validator
	service   string
	logger    *slog.Logger

	accepted atomic.Uint64
	invalid  atomic.Uint64
	rejected atomic.Uint64
}

// New creates a Recorder in front of the given submitter.
func New(submitter Submitter, opts Options) *Recorder {
	v := opts.Validator
	if v == nil {
		v = event.NewValidator()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		submitter: submitter,
		validator: v,
		service:   opts.Service,
		logger:    logger.With(slog.String("component", "recorder")),
	}
}

// Submit validates the draft and hands it to the sequencer. The returned
// error is either a validation failure or mailbox backpressure; the
// audited request must treat both as non-fatal.
func (r *Recorder) Submit(d Draft) error {
	e := event.New(d.Kind, d.Severity)
	e.Service = d.Service
	if e.Service == "" {
		e.Service = r.service
	}
	e.Subject = d.Subject
	e.Metadata = d.Metadata
	if d.HTTP != nil {
		h := *d.HTTP
		e.HTTP = &h
	}

	if err := r.validator.Validate(e); err != nil {
		r.invalid.Add(1)
		r.logger.Warn("rejected invalid draft",
			slog.String("kind", string(d.Kind)),
			slog.String("error", err.Error()))
		return fmt.Errorf("recorder: %w", err)
	}

	if err := r.submitter.Submit(e); err != nil {
		r.rejected.Add(1)
		return err
	}

	r.accepted.Add(1)
	return nil
}

// LoginSuccess records a successful authentication.
func (r *Recorder) LoginSuccess(subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.KindAuthLoginSuccess,
		Severity: event.SeverityInformational,
		Subject:  subject,
		Metadata: metadata,
	})
}

// LoginFailed records a failed authentication attempt.
func (r *Recorder) LoginFailed(subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.KindAuthLoginFailed,
		Severity: event.SeverityWarning,
		Subject:  subject,
		Metadata: metadata,
	})
}

// TokenRevoked records a credential revocation.
func (r *Recorder) TokenRevoked(subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.KindAuthTokenRevoked,
		Severity: event.SeverityNotice,
		Subject:  subject,
		Metadata: metadata,
	})
}

// Request records a handled HTTP request.
func (r *Recorder) Request(method, path string, status int, subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.KindHTTPRequest,
		Severity: event.SeverityInformational,
		HTTP:     &event.HTTPInfo{Method: method, Path: path, Status: status},
		Subject:  subject,
		Metadata: metadata,
	})
}

// RequestDenied records an authorization denial.
func (r *Recorder) RequestDenied(method, path string, status int, subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.KindHTTPRequestDenied,
		Severity: event.SeverityWarning,
		HTTP:     &event.HTTPInfo{Method: method, Path: path, Status: status},
		Subject:  subject,
		Metadata: metadata,
	})
}

// AdminAction records a privileged administrative operation.
func (r *Recorder) AdminAction(subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.KindAdminAction,
		Severity: event.SeverityNotice,
		Subject:  subject,
		Metadata: metadata,
	})
}

// Custom records an application-defined event. The name becomes a
// custom.<name> kind and must match the kind tag format.
func (r *Recorder) Custom(name string, severity event.Severity, subject string, metadata map[string]any) error {
	return r.Submit(Draft{
		Kind:     event.CustomKind(name),
		Severity: severity,
		Subject:  subject,
		Metadata: metadata,
	})
}

// Metrics is a point-in-time snapshot of recorder counters.
type Metrics struct {
	Accepted uint64
	Invalid  uint64
	Rejected uint64
}

// Metrics returns current counters.
func (r *Recorder) Metrics() Metrics {
	return Metrics{
		Accepted: r.accepted.Load(),
		Invalid:  r.invalid.Load(),
		Rejected: r.rejected.Load(),
	}
}
