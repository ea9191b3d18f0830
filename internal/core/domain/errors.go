package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey        = errors.New("invalid key")
	ErrNotFound          = errors.New("not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Reason codes returned to callers at the intake boundary.
const (
	ReasonValidationFailed = "validation_failed"
	ReasonInvalidDates     = "invalid_dates"
	ReasonRateLimited      = "rate_limited"
	ReasonStoreUnavailable = "store_unavailable"
)

// StructuralValidationError is returned when a submission does not conform to
// its rule tree.
type StructuralValidationError struct {
	Errors []FieldError
}

func (e *StructuralValidationError) Error() string {
	return "validation failed: " + joinFieldErrors(e.Errors)
}

// CrossFieldValidationError is returned when a business rule spanning several
// fields is violated.
type CrossFieldValidationError struct {
	Errors []FieldError
}

func (e *CrossFieldValidationError) Error() string {
	return "cross-field validation failed: " + joinFieldErrors(e.Errors)
}

// DateParseError is returned when a calendar date cannot be resolved.
type DateParseError struct {
	Errors []FieldError
}

func (e *DateParseError) Error() string {
	return "invalid dates: " + joinFieldErrors(e.Errors)
}

// RateLimitExceeded carries the identity and the calendar day on which its
// counter resets.
type RateLimitExceeded struct {
	Identity string
	ResetsOn string
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s until %s", e.Identity, e.ResetsOn)
}

// FieldErrors extracts field-level detail from any validation error in the
// taxonomy.
func FieldErrors(err error) []FieldError {
	var structural *StructuralValidationError
	if errors.As(err, &structural) {
		return structural.Errors
	}
	var cross *CrossFieldValidationError
	if errors.As(err, &cross) {
		return cross.Errors
	}
	var dateErr *DateParseError
	if errors.As(err, &dateErr) {
		return dateErr.Errors
	}
	return nil
}

// ReasonCode maps an error to its machine-readable rejection reason. It
// returns "" for errors outside the taxonomy.
func ReasonCode(err error) string {
	var (
		structural *StructuralValidationError
		cross      *CrossFieldValidationError
		dateErr    *DateParseError
		limited    *RateLimitExceeded
	)
	switch {
	case errors.As(err, &structural):
		return ReasonValidationFailed
	case errors.As(err, &cross), errors.As(err, &dateErr):
		return ReasonInvalidDates
	case errors.As(err, &limited):
		return ReasonRateLimited
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ""
	}
}
