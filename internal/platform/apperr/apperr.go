// Package apperr defines the error taxonomy shared by the audit core and its
// HTTP surface.
//
// Stores and services return these sentinels (optionally wrapped) so callers can
// branch with errors.Is / errors.As:
//   - ErrValidation: malformed or policy-violating input, carries field detail
//   - ErrNotFound: unknown id on a lookup or transition
//   - ErrInvalidTransition: entity in the wrong state, carries the current status
//   - ErrStoreUnavailable: the backing store cannot be reached
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field-level problems found while validating input.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Add records a problem with the named field.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when no field problems were recorded.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Has reports whether the named field was rejected.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is a shorthand for a single-field ValidationError.
func Invalid(field, format string, args ...any) error {
	ve := &ValidationError{}
	ve.Add(field, format, args...)
	return ve
}

// TransitionError is returned when a state change is requested from a state
// that does not allow it.
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Target  string
	// Reason is set when the states allow the move but its inputs do not.
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot move from %q to %q", e.Entity, e.ID, e.Current, e.Target)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFound wraps ErrNotFound with the entity and id that were looked up.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Unavailable marks an infrastructure failure as ErrStoreUnavailable while
// keeping the underlying cause in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &unavailableError{op: op, cause: err}
}

type unavailableError struct {
	op    string
	cause error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.op, e.cause)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.cause} }
