// Package event defines the audit event record, the unit of the hash chain.
// Producers construct drafts carrying identity, kind, severity, and optional
// descriptive fields; the sequencer fills sequence, prev_hash, and hash, after
// which the event is immutable.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"auditchain/internal/hashchain"
)

// Event is one audit record. Sequence, PrevHash, and Hash are zero on a
// draft and assigned exactly once by the sequencer.
type Event struct {
	// Identity, assigned by the producer at creation
	EventID   string    `json:"event_id" validate:"required,uuid4"`
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Classification
	Kind     Kind     `json:"kind" validate:"required,kind_format"`
	Severity Severity `json:"severity" validate:"lte=7"`

	// Optional descriptive fields, absent for non-HTTP events
	Service string    `json:"service,omitempty" validate:"max=256"`
	HTTP    *HTTPInfo `json:"http,omitempty"`
	Subject string    `json:"subject,omitempty" validate:"max=256"`

	// Opaque structured payload, producer-supplied, never secrets
	Metadata map[string]any `json:"metadata,omitempty"`

	// Chain linkage, assigned by the sequencer
	Sequence uint64         `json:"sequence"`
	PrevHash hashchain.Hash `json:"prev_hash"`
	Hash     hashchain.Hash `json:"hash"`
}

// HTTPInfo carries the request context for HTTP-originated events.
type HTTPInfo struct {
	Method string `json:"method,omitempty" validate:"max=16"`
	Path   string `json:"path,omitempty" validate:"max=2048"`
	Status int    `json:"status,omitempty" validate:"omitempty,min=100,max=599"`
}

// New creates a draft event with a fresh event ID and a producer timestamp
// truncated to millisecond precision.
func New(kind Kind, severity Severity) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Kind:      kind,
		Severity:  severity,
	}
}

// Clone returns a copy whose HTTP struct and top-level metadata map are
// independent of the original. Backends return clones so callers cannot
// reach persisted state through query results.
func (e *Event) Clone() *Event {
	c := *e
	if e.HTTP != nil {
		h := *e.HTTP
		c.HTTP = &h
	}
	if e.Metadata != nil {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		c.Metadata = m
	}
	return &c
}

// HashInput flattens the event into the hash engine's input form.
func (e *Event) HashInput() hashchain.Input {
	in := hashchain.Input{
		Sequence:  e.Sequence,
		PrevHash:  e.PrevHash,
		EventID:   e.EventID,
		Timestamp: e.Timestamp,
		Kind:      string(e.Kind),
		Severity:  uint8(e.Severity),
		Service:   e.Service,
		Subject:   e.Subject,
		Metadata:  e.Metadata,
	}
	if e.HTTP != nil {
		in.HTTPMethod = e.HTTP.Method
		in.HTTPPath = e.HTTP.Path
		in.HTTPStatus = e.HTTP.Status
	}
	return in
}

// ComputeHash returns the chain digest for the event's current fields,
// including Sequence and PrevHash. The stored Hash field is not read.
func (e *Event) ComputeHash() (hashchain.Hash, error) {
	return hashchain.Compute(e.HashInput())
}

// MetadataJSON returns the canonical serialized metadata, or nil when the
// event carries none. Stores persist exactly these bytes.
func (e *Event) MetadataJSON() ([]byte, error) {
	if len(e.Metadata) == 0 {
		return nil, nil
	}
	return hashchain.MarshalCanonical(e.Metadata)
}

// DecodeMetadata parses stored metadata bytes. Numbers decode as json.Number
// so that values past float64 precision reproduce the hashed canonical form
// exactly; store adapters must use this instead of plain json.Unmarshal.
func DecodeMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("event: decode metadata: %w", err)
	}
	return m, nil
}

// Kind classifies an audit event. Known kinds cover the authentication and
// HTTP surfaces; applications register their own via CustomKind.
type Kind string

const (
	KindAuthLoginSuccess  Kind = "auth.login.success"
	KindAuthLoginFailed   Kind = "auth.login.failed"
	KindAuthTokenRevoked  Kind = "auth.token.revoked"
	KindHTTPRequest       Kind = "http.request"
	KindHTTPRequestDenied Kind = "http.request.denied"
	KindAdminAction       Kind = "admin.action"
)

// customPrefix namespaces application-defined kinds.
const customPrefix = "custom."

// CustomKind returns the open-variant kind for an application-defined name.
func CustomKind(name string) Kind {
	return Kind(customPrefix + name)
}

// IsCustom reports whether the kind is application-defined.
func (k Kind) IsCustom() bool {
	return strings.HasPrefix(string(k), customPrefix)
}

// IsValid reports whether the kind is a known constant or a well-formed
// custom tag.
func (k Kind) IsValid() bool {
	switch k {
	case KindAuthLoginSuccess, KindAuthLoginFailed, KindAuthTokenRevoked,
		KindHTTPRequest, KindHTTPRequestDenied, KindAdminAction:
		return true
	}
	return k.IsCustom() && kindPattern.MatchString(string(k))
}

// Severity is the syslog severity ordinal, 0 (emergency, most severe)
// through 7 (debug).
type Severity uint8

const (
	SeverityEmergency     Severity = 0
	SeverityAlert         Severity = 1
	SeverityCritical      Severity = 2
	SeverityError         Severity = 3
	SeverityWarning       Severity = 4
	SeverityNotice        Severity = 5
	SeverityInformational Severity = 6
	SeverityDebug         Severity = 7
)

var severityNames = [8]string{
	"emergency", "alert", "critical", "error",
	"warning", "notice", "informational", "debug",
}

// String returns the lowercase severity name, or the decimal value for
// out-of-range ordinals.
func (s Severity) String() string {
	if s <= SeverityDebug {
		return severityNames[s]
	}
	return fmt.Sprintf("%d", uint8(s))
}

// IsValid reports whether the severity is within the syslog range.
func (s Severity) IsValid() bool {
	return s <= SeverityDebug
}

// ParseSeverity maps a severity name to its ordinal.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == strings.ToLower(name) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("event: unknown severity %q", name)
}
