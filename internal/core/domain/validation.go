package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldError describes one violated rule. Value holds the offending value when
// Present is true.
type FieldError struct {
	Path    string
	Message string
	Value   Value
	Present bool
}

func (e FieldError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationResult collects every violation found in one pass. Value is the
// sanitized envelope; it is only meaningful when the result is valid.
type ValidationResult struct {
	Errors []FieldError
	Value  Value
}

func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func joinFieldErrors(errs []FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

// FieldPath builds dot/bracket addressed paths.
type FieldPath string

func (p FieldPath) Field(name string) FieldPath {
	if p == "" {
		return FieldPath(name)
	}
	return FieldPath(string(p) + "." + name)
}

func (p FieldPath) Index(i int) FieldPath {
	return FieldPath(string(p) + "[" + strconv.Itoa(i) + "]")
}

func (p FieldPath) String() string { return string(p) }

func Missing(path FieldPath, format string, args ...any) FieldError {
	return FieldError{Path: path.String(), Message: fmt.Sprintf(format, args...)}
}

func Offending(path FieldPath, v Value, format string, args ...any) FieldError {
	return FieldError{Path: path.String(), Message: fmt.Sprintf(format, args...), Value: v, Present: true}
}
