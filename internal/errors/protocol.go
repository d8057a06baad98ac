package errors

import (
	stderrors "errors"
	"fmt"
)

// ProtocolError classifies failures encountered during mandate-chain and
// envelope validation. It pairs a stable machine-readable code with a
// human-readable message and the underlying technical error.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// New creates a ProtocolError with an explicit message.
func New(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// Newf creates a ProtocolError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a ProtocolError around an underlying error.
func Wrap(code ErrorCode, message string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code from err, or internal_error when err is
// not a ProtocolError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *ProtocolError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternalError
}
