package intents

import (
	"errors"
	"fmt"
)

// ErrorCode categorises extraction failures
type ErrorCode string

const (
	CodeNoLogs            ErrorCode = "NO_LOGS"
	CodeInvalidLogFormat  ErrorCode = "INVALID_LOG_FORMAT"
	CodeMissingIntentData ErrorCode = "MISSING_INTENT_DATA"
	CodeDecodeError       ErrorCode = "DECODE_ERROR"
	CodeInvalidEventData  ErrorCode = "INVALID_EVENT_DATA"
)

// ExtractionError is returned by every extraction function
type ExtractionError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Sentinels for errors.Is
var (
	ErrNoLogs            = &ExtractionError{Code: CodeNoLogs}
	ErrInvalidLogFormat  = &ExtractionError{Code: CodeInvalidLogFormat}
	ErrMissingIntentData = &ExtractionError{Code: CodeMissingIntentData}
	ErrDecode            = &ExtractionError{Code: CodeDecodeError}
	ErrInvalidEventData  = &ExtractionError{Code: CodeInvalidEventData}
)

func newError(code ErrorCode, err error, format string, args ...interface{}) *ExtractionError {
	return &ExtractionError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *ExtractionError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is matches any ExtractionError with the same code
func (e *ExtractionError) Is(target error) bool {
	var t *ExtractionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the extraction error code carried by err, or "" when err is not an extraction error
func CodeOf(err error) ErrorCode {
	var e *ExtractionError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the failure points at an incomplete receipt that may be re-fetched.
// Every other extraction failure is deterministic for the transaction.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeNoLogs
}
