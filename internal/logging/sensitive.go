// Package logging provides logging utilities for auditchain: logger
// construction from configuration and masking of secret-bearing values so
// event metadata can be mirrored into logs without leaking credentials.
package logging

import (
	"strings"
)

// SensitiveFields contains metadata key names whose values must be masked
// in log output. Matching is case-insensitive and also fires on keys that
// merely contain one of these names.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"jwt":           true,
	"session_id":    true,
	"cookie":        true,
	"x-api-key":     true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// AddSensitiveKeys extends the masked key set, typically from the
// logging.redact_keys configuration. Call during startup; the set is not
// safe for concurrent mutation.
func AddSensitiveKeys(keys ...string) {
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			SensitiveFields[k] = true
		}
	}
}

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// RedactMetadata returns a copy of metadata that is safe to log: values
// under sensitive keys become MaskedValue, recursing through nested maps
// and slices. The input is never modified.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}

	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if IsSensitiveField(k) {
			out[k] = MaskedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return RedactMetadata(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
