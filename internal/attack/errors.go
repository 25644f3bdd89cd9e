package attack

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors.
type Kind string

const (
	// KindInvalidGenome marks a gene outside its declared type or bounds. It is a
	// programming or configuration error and aborts the run.
	KindInvalidGenome Kind = "invalid_genome"
	// KindClassifierUnavailable marks a failed scoring call.
	KindClassifierUnavailable Kind = "classifier_unavailable"
	// KindConstraintSpec marks a malformed constraint definition.
	KindConstraintSpec Kind = "constraint_spec"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrInvalidGenome         = &Error{Kind: KindInvalidGenome, Message: "invalid genome"}
	ErrClassifierUnavailable = &Error{Kind: KindClassifierUnavailable, Message: "classifier unavailable"}
	ErrConstraintSpec        = &Error{Kind: KindConstraintSpec, Message: "malformed constraint specification"}
)

// Error represents an engine error with context
// that can be wrapped with additional information.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
	// Partial holds the result of the last completed generation when a run was
	// aborted mid-way. It is nil for errors raised before the first generation.
	Partial *Result
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind != "" && e.Kind == t.Kind
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithPartial attaches the last completed generation's result.
func (e *Error) WithPartial(r *Result) *Error {
	e.Partial = r
	return e
}

// NewError creates a new error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// NewErrorf creates a new error of the given kind with a formatted message.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with a kind and additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// AsError reports whether err is or wraps an *Error and returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// PartialResult extracts the partial result attached to err, if any.
func PartialResult(err error) *Result {
	if e, ok := AsError(err); ok {
		return e.Partial
	}
	return nil
}
