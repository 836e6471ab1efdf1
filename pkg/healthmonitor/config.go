package healthmonitor

import (
	"fmt"
	"time"
)

// Config tunes failure thresholds, backoff and the circuit breaker
type Config struct {
	MaxConsecutiveFailures int
	CircuitBreakerEnabled  bool
	CircuitBreakerTimeout  time.Duration
	BaseRetryDelay         time.Duration
	RetryMultiplier        float64
	MaxRetryDelay          time.Duration
	HealthCheckInterval    time.Duration
	RequestTimeout         time.Duration
	// MinSuccessRate below which the backend is unavailable, once MinSamples requests were made
	MinSuccessRate float64
	MinSamples     int
	// DegradedSuccessRate below which a reachable backend is reported degraded
	DegradedSuccessRate   float64
	SlowResponseThreshold time.Duration
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 5,
		CircuitBreakerEnabled:  true,
		CircuitBreakerTimeout:  60 * time.Second,
		BaseRetryDelay:         time.Second,
		RetryMultiplier:        2,
		MaxRetryDelay:          30 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		RequestTimeout:         10 * time.Second,
		MinSuccessRate:         0.5,
		MinSamples:             10,
		DegradedSuccessRate:    0.9,
		SlowResponseThreshold:  5 * time.Second,
	}
}

// Validate checks the configuration for values the monitor cannot work with
func (c Config) Validate() error {
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be greater than 0")
	}
	if c.BaseRetryDelay <= 0 || c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base (%s) <= max (%s)", c.BaseRetryDelay, c.MaxRetryDelay)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %v", c.RetryMultiplier)
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 || c.DegradedSuccessRate < 0 || c.DegradedSuccessRate > 1 {
		return fmt.Errorf("success rates must be between 0 and 1")
	}
	if c.CircuitBreakerTimeout <= 0 || c.RequestTimeout <= 0 || c.HealthCheckInterval <= 0 {
		return fmt.Errorf("timeouts and intervals must be greater than 0")
	}
	return nil
}
