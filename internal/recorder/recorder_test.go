package recorder

import (
	"errors"
	"strings"
	"testing"

	"auditchain/internal/event"
	"auditchain/internal/hashchain"
)

type fakeSubmitter struct {
	events []*event.Event
	err    error
}

func (f *fakeSubmitter) Submit(e *event.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func TestEmitters(t *testing.T) {
	tests := []struct {
		name         string
		emit         func(r *Recorder) error
		wantKind     event.Kind
		wantSeverity event.Severity
		wantSubject  string
		wantHTTP     *event.HTTPInfo
	}{
		{
			name:         "login success",
			emit:         func(r *Recorder) error { return r.LoginSuccess("alice", nil) },
			wantKind:     event.KindAuthLoginSuccess,
			wantSeverity: event.SeverityInformational,
			wantSubject:  "alice",
		},
		{
			name:         "login failed",
			emit:         func(r *Recorder) error { return r.LoginFailed("mallory", nil) },
			wantKind:     event.KindAuthLoginFailed,
			wantSeverity: event.SeverityWarning,
			wantSubject:  "mallory",
		},
		{
			name:         "token revoked",
			emit:         func(r *Recorder) error { return r.TokenRevoked("alice", nil) },
			wantKind:     event.KindAuthTokenRevoked,
			wantSeverity: event.SeverityNotice,
			wantSubject:  "alice",
		},
		{
			name:         "request",
			emit:         func(r *Recorder) error { return r.Request("GET", "/v1/widgets", 200, "alice", nil) },
			wantKind:     event.KindHTTPRequest,
			wantSeverity: event.SeverityInformational,
			wantSubject:  "alice",
			wantHTTP:     &event.HTTPInfo{Method: "GET", Path: "/v1/widgets", Status: 200},
		},
		{
			name:         "request denied",
			emit:         func(r *Recorder) error { return r.RequestDenied("DELETE", "/v1/admin", 403, "mallory", nil) },
			wantKind:     event.KindHTTPRequestDenied,
			wantSeverity: event.SeverityWarning,
			wantSubject:  "mallory",
			wantHTTP:     &event.HTTPInfo{Method: "DELETE", Path: "/v1/admin", Status: 403},
		},
		{
			name:         "admin action",
			emit:         func(r *Recorder) error { return r.AdminAction("root", nil) },
			wantKind:     event.KindAdminAction,
			wantSeverity: event.SeverityNotice,
			wantSubject:  "root",
		},
		{
			name:         "custom",
			emit:         func(r *Recorder) error { return r.Custom("payment_flagged", event.SeverityError, "alice", nil) },
			wantKind:     event.CustomKind("payment_flagged"),
			wantSeverity: event.SeverityError,
			wantSubject:  "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			r := New(sub, Options{Service: "auth-service"})

			if err := tt.emit(r); err != nil {
				t.Fatalf("emit error = %v", err)
			}
			if len(sub.events) != 1 {
				t.Fatalf("submitted %d events, want 1", len(sub.events))
			}

			e := sub.events[0]
			if e.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", e.Kind, tt.wantKind)
			}
			if e.Severity != tt.wantSeverity {
				t.Errorf("Severity = %d, want %d", e.Severity, tt.wantSeverity)
			}
			if e.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", e.Subject, tt.wantSubject)
			}
			if e.Service != "auth-service" {
				t.Errorf("Service = %q, want auth-service", e.Service)
			}
			if tt.wantHTTP == nil && e.HTTP != nil {
				t.Errorf("HTTP = %+v, want nil", e.HTTP)
			}
			if tt.wantHTTP != nil && (e.HTTP == nil || *e.HTTP != *tt.wantHTTP) {
				t.Errorf("HTTP = %+v, want %+v", e.HTTP, tt.wantHTTP)
			}
		})
	}
}

func TestSubmit_StampsIdentity(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, Options{Service: "api-gateway"})

	if err := r.Submit(Draft{Kind: event.KindHTTPRequest, Severity: event.SeverityInformational}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	e := sub.events[0]
	if e.EventID == "" {
		t.Error("EventID not assigned")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp not assigned")
	}
	if e.Timestamp.Nanosecond()%int(1e6) != 0 {
		t.Errorf("Timestamp not millisecond-truncated: %v", e.Timestamp)
	}

	var zero hashchain.Hash
	if e.Sequence != 0 || e.Hash != zero || e.PrevHash != zero {
		t.Error("draft carries chain state before sequencing")
	}
}

func TestSubmit_ServiceOverride(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, Options{Service: "api-gateway"})

	err := r.Submit(Draft{
		Kind:     event.KindAuthLoginSuccess,
		Severity: event.SeverityInformational,
		Service:  "auth-service",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := sub.events[0].Service; got != "auth-service" {
		t.Errorf("Service = %q, want auth-service", got)
	}
}

func TestSubmit_InvalidDraft(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, Options{Service: "api-gateway"})

	err := r.Custom("Not A Valid Tag", event.SeverityError, "alice", nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "recorder:") {
		t.Errorf("error not wrapped: %v", err)
	}
	if len(sub.events) != 0 {
		t.Error("invalid draft reached the submitter")
	}

	m := r.Metrics()
	if m.Invalid != 1 || m.Accepted != 0 {
		t.Errorf("Metrics = %+v, want Invalid 1", m)
	}
}

func TestSubmit_BackpressureSurfaced(t *testing.T) {
	wantErr := errors.New("mailbox full")
	r := New(&fakeSubmitter{err: wantErr}, Options{Service: "api-gateway"})

	err := r.LoginSuccess("alice", nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Submit() error = %v, want %v", err, wantErr)
	}

	m := r.Metrics()
	if m.Rejected != 1 {
		t.Errorf("Metrics.Rejected = %d, want 1", m.Rejected)
	}
}

func TestSubmit_HTTPCopied(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, Options{Service: "api-gateway"})

	h := &event.HTTPInfo{Method: "POST", Path: "/v1/login", Status: 200}
	if err := r.Submit(Draft{
		Kind:     event.KindHTTPRequest,
		Severity: event.SeverityInformational,
		HTTP:     h,
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	h.Status = 500
	if sub.events[0].HTTP.Status != 200 {
		t.Error("submitted event shares the caller's HTTPInfo")
	}
}

func TestMetricsCounts(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, Options{Service: "api-gateway"})

	for i := 0; i < 3; i++ {
		if err := r.LoginSuccess("alice", nil); err != nil {
			t.Fatalf("LoginSuccess() error = %v", err)
		}
	}

	if m := r.Metrics(); m.Accepted != 3 || m.Invalid != 0 || m.Rejected != 0 {
		t.Errorf("Metrics = %+v, want Accepted 3", m)
	}
}
