package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrValidation        = errors.New("validation failed")
	ErrTimeout           = errors.New("timeout")
	ErrEmptyInput        = errors.New("empty input")
	ErrUnknownVehicle    = errors.New("unknown vehicle")
)

// Field-level validation sentinels. Each wraps ErrValidation.
var (
	ErrMissingField     = fmt.Errorf("%w: missing field", ErrValidation)
	ErrInvalidNodeType  = fmt.Errorf("%w: invalid node type", ErrValidation)
	ErrInvalidEdgeType  = fmt.Errorf("%w: invalid edge type", ErrValidation)
	ErrInvalidStatus    = fmt.Errorf("%w: invalid status", ErrValidation)
	ErrOutOfRange       = fmt.Errorf("%w: value out of range", ErrValidation)
	ErrInvalidDTC       = fmt.Errorf("%w: invalid DTC code", ErrValidation)
	ErrInvalidContext   = fmt.Errorf("%w: invalid context tag", ErrValidation)
	ErrVariantMismatch  = fmt.Errorf("%w: attribute variant does not match type", ErrValidation)
	ErrInvalidEndpoints = fmt.Errorf("%w: edge endpoints do not match edge type", ErrValidation)
	ErrImmutableField   = fmt.Errorf("%w: field is immutable", ErrValidation)
	ErrDanglingRef      = fmt.Errorf("%w: reference to missing or rejected entity", ErrValidation)
	ErrInvalidVIN       = fmt.Errorf("%w: invalid VIN", ErrValidation)
	ErrUnsupportedMake  = fmt.Errorf("%w: unsupported make", ErrValidation)
	ErrYearOutOfRange   = fmt.Errorf("%w: year out of range", ErrValidation)
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// NotFoundError reports an unknown node or edge id.
type NotFoundError struct {
	Kind EntityKind
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound creates a NotFoundError.
func NewNotFound(kind EntityKind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransitionError reports a moderation state machine violation.
type TransitionError struct {
	Ref    EntityRef
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot transition %s -> %s", e.Ref, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a stale expected version on write.
type ConflictError struct {
	Ref      EntityRef
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: expected version %d, current is %d", e.Ref, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }
