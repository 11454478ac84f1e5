package event

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"auditchain/internal/hashchain"
)

// kindPattern defines the valid format for kind tags. Tags are lowercase,
// start with a letter, and use dots as separators.
// Examples: "auth.login.success", "custom.payment_flagged"
var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator checks draft events before they are handed to the sequencer.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("kind_format", func(fl validator.FieldLevel) bool {
		return kindPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate checks a draft event. It rejects malformed kinds, out-of-range
// severities, timestamp anomalies, and metadata that cannot be canonically
// serialized.
func (v *Validator) Validate(e *Event) error {
	if err := v.validate.Struct(e); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !e.Kind.IsValid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}

	now := time.Now().UTC()

	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", e.Timestamp, v.maxAge)
	}
	if e.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", e.Timestamp, v.maxFuture)
	}

	if len(e.Metadata) > 0 {
		if _, err := hashchain.MarshalCanonical(e.Metadata); err != nil {
			return fmt.Errorf("metadata not serializable: %w", err)
		}
	}

	return nil
}

// ValidKindTag checks whether a tag string matches the kind format.
func ValidKindTag(tag string) bool {
	return kindPattern.MatchString(tag)
}
