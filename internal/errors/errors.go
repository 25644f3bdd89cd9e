// Package errors maps engine failures onto HTTP and JSON-RPC responses and
// carries the stack of where they were raised.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Code is a stable machine-readable error code returned to API clients.
type Code string

const (
	CodeBadRequest            Code = "bad_request"
	CodeNotFound              Code = "not_found"
	CodeConflict              Code = "conflict"
	CodeInvalidGenome         Code = "invalid_genome"
	CodeConstraintSpec        Code = "constraint_spec"
	CodeClassifierUnavailable Code = "classifier_unavailable"
	CodeCancelled             Code = "cancelled"
	CodeTimeout               Code = "timeout"
	CodeInternal              Code = "internal"
)

// Error is an API-facing error with context and stack trace.
type Error struct {
	// Err is the underlying error.
	Err error
	// Message is safe to show to clients.
	Message string
	// Operation being performed when the error occurred.
	Operation string
	// Component where the error occurred.
	Component string
	// Code classifies the error for clients.
	Code Code
	// Status is the HTTP status to respond with.
	Status int
	// Stack is captured at construction.
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Operation != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString("operation=")
		b.WriteString(e.Operation)
	}
	if e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString("component=")
		b.WriteString(e.Component)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage sets the client-facing message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation sets the operation.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent sets the component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithStatus sets the HTTP status and code.
func (e *Error) WithStatus(status int, code Code) *Error {
	e.Status = status
	e.Code = code
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates an internal error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Stack:   getStackTrace(),
	}
}

// Errorf creates an internal error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return New(fmt.Sprintf(format, args...))
}

// BadRequest creates a 400 error.
func BadRequest(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Code:    CodeBadRequest,
		Status:  http.StatusBadRequest,
		Stack:   getStackTrace(),
	}
}

// NotFound creates a 404 error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Code:    CodeNotFound,
		Status:  http.StatusNotFound,
		Stack:   getStackTrace(),
	}
}

// Wrap wraps err, classifying it from its chain. An existing *Error is
// copied, never mutated.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		cp := *e
		if msg != "" {
			cp.Message = msg
		}
		return &cp
	}
	status, code := classify(err)
	return &Error{
		Err:     err,
		Message: msg,
		Code:    code,
		Status:  status,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	status, _ := classify(err)
	return status
}

func classify(err error) (int, Code) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case stderrors.Is(err, context.Canceled):
		return http.StatusConflict, CodeCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case stderrors.Is(err, attack.ErrConstraintSpec):
		return http.StatusUnprocessableEntity, CodeConstraintSpec
	case stderrors.Is(err, attack.ErrInvalidGenome):
		return http.StatusUnprocessableEntity, CodeInvalidGenome
	case stderrors.Is(err, attack.ErrClassifierUnavailable):
		return http.StatusBadGateway, CodeClassifierUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
