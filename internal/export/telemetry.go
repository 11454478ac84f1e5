package export

import (
	"context"
	"log/slog"

	"auditchain/internal/event"
	"auditchain/internal/logging"
)

// Telemetry mirrors every sealed event into the process's structured log
// stream, one record per event. It is the cheapest way to get the chain
// into an existing log pipeline and it never fails.
type Telemetry struct {
	logger *slog.Logger
}

// NewTelemetry creates the exporter. Records are emitted at a level derived
// from the event severity.
func NewTelemetry(logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telemetry{
		logger: logger.With(slog.String("component", "audit-telemetry")),
	}
}

// Name implements Exporter.
func (t *Telemetry) Name() string { return "telemetry" }

// Export implements Exporter.
func (t *Telemetry) Export(ctx context.Context, e *event.Event) error {
	attrs := []slog.Attr{
		slog.Uint64("sequence", e.Sequence),
		slog.String("event_id", e.EventID),
		slog.String("kind", string(e.Kind)),
		slog.String("severity", e.Severity.String()),
		slog.String("hash", e.Hash.Hex()),
	}
	if e.Service != "" {
		attrs = append(attrs, slog.String("service", e.Service))
	}
	if e.Subject != "" {
		attrs = append(attrs, slog.String("subject", e.Subject))
	}
	if e.HTTP != nil {
		attrs = append(attrs,
			slog.String("http_method", e.HTTP.Method),
			slog.String("http_path", e.HTTP.Path),
		)
		if e.HTTP.Status != 0 {
			attrs = append(attrs, slog.Int("http_status", e.HTTP.Status))
		}
	}
	if len(e.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", logging.RedactMetadata(e.Metadata)))
	}

	t.logger.LogAttrs(ctx, logLevel(e.Severity), "audit event", attrs...)
	return nil
}

// Close implements Exporter.
func (t *Telemetry) Close() error { return nil }

// logLevel maps syslog severity onto slog levels.
func logLevel(sev event.Severity) slog.Level {
	switch {
	case sev <= event.SeverityError:
		return slog.LevelError
	case sev == event.SeverityWarning:
		return slog.LevelWarn
	case sev == event.SeverityDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
