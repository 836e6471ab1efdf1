package healthmonitor

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorises monitored request failures
type ErrorCode string

const (
	CodeHealthCheckFailed  ErrorCode = "HEALTH_CHECK_FAILED"
	CodeCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
)

// MonitorError is returned by MakeMonitoredRequest when the request fails or is refused
type MonitorError struct {
	Code ErrorCode
	Err  error
	// RetryAfter is set for CIRCUIT_BREAKER_OPEN to the remaining cool-down
	RetryAfter time.Duration
}

// Sentinels for errors.Is
var (
	ErrHealthCheckFailed  = &MonitorError{Code: CodeHealthCheckFailed}
	ErrCircuitBreakerOpen = &MonitorError{Code: CodeCircuitBreakerOpen}
	ErrRequestTimeout     = &MonitorError{Code: CodeRequestTimeout}
	ErrNetwork            = &MonitorError{Code: CodeNetworkError}
)

func (e *MonitorError) Error() string {
	switch {
	case e.Code == CodeCircuitBreakerOpen:
		return fmt.Sprintf("%s: backend unavailable, retry in %s", e.Code, e.RetryAfter.Round(time.Second))
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

// Is matches any MonitorError with the same code
func (e *MonitorError) Is(target error) bool {
	var t *MonitorError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the monitor error code carried by err, or "" when err is not a monitor error
func CodeOf(err error) ErrorCode {
	var e *MonitorError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// clientError marks a failure the backend answered deliberately, e.g. a 4xx.
// It proves the backend is reachable and is not held against its health.
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

// ClientError wraps err so MakeMonitoredRequest returns it without recording a failure
func ClientError(err error) error {
	if err == nil {
		return nil
	}
	return &clientError{err: err}
}
