package share

import "fmt"

// ErrorCode classifies share failures
type ErrorCode string

const (
	CodeValidation     ErrorCode = "Validation"
	CodeConflict       ErrorCode = "Conflict"
	CodeExhausted      ErrorCode = "Exhausted"
	CodeNotFound       ErrorCode = "NotFound"
	CodeExpired        ErrorCode = "Expired"
	CodeForbidden      ErrorCode = "Forbidden"
	CodePartialFailure ErrorCode = "PartialFailure"
)

// Common share errors. Match with errors.Is; any *Error with the same code matches.
var (
	ErrValidation     = NewError(CodeValidation, "invalid share request")
	ErrConflict       = NewError(CodeConflict, "share code already in use")
	ErrExhausted      = NewError(CodeExhausted, "could not allocate a free share code")
	ErrNotFound       = NewError(CodeNotFound, "share not found")
	ErrExpired        = NewError(CodeExpired, "share has expired")
	ErrForbidden      = NewError(CodeForbidden, "access to share denied")
	ErrPartialFailure = NewError(CodePartialFailure, "share removal partially failed")
)

// Error is a share failure carrying a code from the taxonomy above
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a share error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new share error
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new share error with underlying cause
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func validationError(format string, args ...interface{}) *Error {
	return NewError(CodeValidation, fmt.Sprintf(format, args...))
}
