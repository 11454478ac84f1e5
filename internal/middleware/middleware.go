// Package middleware provides HTTP middleware that records requests on the
// audit chain. It sits in the host service's handler stack and emits one
// event per request through the recorder; audit trouble never blocks or
// fails the wrapped handler.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"auditchain/internal/recorder"
)

// AuditConfig tunes request auditing.
type AuditConfig struct {
	// SkipPaths lists exact paths that are not audited, typically health
	// and metrics endpoints.
	SkipPaths []string `json:"skip_paths" yaml:"skip_paths"`

	// TrustProxy enables X-Forwarded-For / X-Real-IP when resolving the
	// client address. Enable only behind a trusted reverse proxy.
	TrustProxy bool `json:"trust_proxy" yaml:"trust_proxy"`

	// SubjectFunc extracts the acting principal from the request, usually
	// from a value an auth middleware placed on the context. Empty subject
	// when nil.
	SubjectFunc func(*http.Request) string `json:"-" yaml:"-"`

	// Logger receives emission failures. Defaults to slog.Default.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Audit returns middleware that records every completed request. Requests
// that finish with 401, 403, or 429 are recorded as denied.
func Audit(rec *recorder.Recorder, cfg AuditConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "audit-middleware"))

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			var subject string
			if cfg.SubjectFunc != nil {
				subject = cfg.SubjectFunc(r)
			}

			metadata := map[string]any{
				"client_ip": clientIP(r, cfg.TrustProxy),
			}
			if ua := r.UserAgent(); ua != "" {
				metadata["user_agent"] = ua
			}

			var err error
			if denied(sw.status) {
				err = rec.RequestDenied(r.Method, r.URL.Path, sw.status, subject, metadata)
			} else {
				err = rec.Request(r.Method, r.URL.Path, sw.status, subject, metadata)
			}
			if err != nil {
				logger.Warn("request not audited",
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.status,
					"error", err,
				)
			}
		})
	}
}

// denied reports whether a status represents a refused request.
func denied(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// statusWriter captures the response status for the audit record.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// clientIP resolves the client address. With trustProxy set it prefers the
// rightmost X-Forwarded-For entry, set by the proxy closest to us and not
// spoofable by the client, then X-Real-IP.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
