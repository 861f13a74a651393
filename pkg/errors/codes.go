package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Endura.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Command policy
	ErrCodeInvalidCommand ErrorCode = 2001
	ErrCodeUnknownAction  ErrorCode = 2002
	ErrCodeAlreadyRunning ErrorCode = 2003
	ErrCodeRunActive      ErrorCode = 2004

	// Driver transport
	ErrCodeDriverIO       ErrorCode = 3001
	ErrCodeDriverProtocol ErrorCode = 3002

	// Run faults
	ErrCodeHomingTimeout ErrorCode = 4001
	ErrCodeRunCrashed    ErrorCode = 4002
)

// EnduraError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type EnduraError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *EnduraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *EnduraError) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an EnduraError carrying the same code,
// so sentinel values can be compared with errors.Is.
func (e *EnduraError) Is(target error) bool {
	t, ok := target.(*EnduraError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new EnduraError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &EnduraError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the first EnduraError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var e *EnduraError
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// Personal.AI order the ending
