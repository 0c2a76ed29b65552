package optimization

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced while minimising wraps exactly one of
// these, so callers can use errors.Is to classify a failure.
var (
	// ErrInvalidDirection means the search direction is not a descent
	// direction at the current point.
	ErrInvalidDirection = errors.New("invalid descent direction")
	// ErrLineSearchFailure means no acceptable step length was found.
	ErrLineSearchFailure = errors.New("line search failure")
	// ErrIndefiniteHessian means a Newton-class solve met a matrix that is
	// not positive definite.
	ErrIndefiniteHessian = errors.New("indefinite Hessian")
	// ErrSingularSystem means a linear solve could not be completed.
	ErrSingularSystem = errors.New("singular linear system")
	// ErrInvalidSettings means the run could not be set up.
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrUserFunction means a supplied callback returned an error or
	// panicked.
	ErrUserFunction = errors.New("user function error")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
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

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError reports whether err, or any error it wraps, is an
// *Error and returns the outermost one.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// UserError wraps an error returned by a supplied callback.
func UserError(op string, err error) *Error {
	return &Error{
		Message:   err.Error(),
		Op:        op,
		Component: "callback",
		Err:       ErrUserFunction,
	}
}
