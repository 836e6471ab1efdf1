// Package healthmonitor tracks the reliability of the backend signing service
// and gates requests to it behind a circuit breaker.
package healthmonitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/circuitbreaker"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/metrics"
)

// Status of the backend as seen by the monitor
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
	StatusRecovering  Status = "recovering"
)

var allStatuses = []Status{StatusUnknown, StatusHealthy, StatusDegraded, StatusUnavailable, StatusRecovering}

// sampleWindow bounds the response times and outcomes the status is derived from
const sampleWindow = 100

// Metrics is a read-only snapshot of the monitor state
type Metrics struct {
	Status                 Status        `json:"status"`
	AverageResponseTime    time.Duration `json:"average_response_time"`
	SuccessRate            float64       `json:"success_rate"`
	TotalRequests          int           `json:"total_requests"`
	SuccessfulRequests     int           `json:"successful_requests"`
	ConsecutiveFailures    int           `json:"consecutive_failures"`
	LastSuccess            time.Time     `json:"last_success,omitempty"`
	LastFailure            time.Time     `json:"last_failure,omitempty"`
	LastError              string        `json:"last_error,omitempty"`
	CircuitBreakerOpen     bool          `json:"circuit_breaker_open"`
	CircuitBreakerOpenedAt time.Time     `json:"circuit_breaker_opened_at,omitempty"`
	CircuitBreakerTrips    int           `json:"circuit_breaker_trips"`
	CurrentRetryDelay      time.Duration `json:"current_retry_delay"`
}

// Monitor records the outcome of every backend request and derives a status from them
type Monitor struct {
	cfg        Config
	breaker    *circuitbreaker.CircuitBreaker
	healthURL  string
	httpClient *http.Client
	logger     logger.Logger
	now        func() time.Time

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	totalRequests       int
	successfulRequests  int
	responseTimes       []time.Duration
	nextSample          int
	outcomes            []bool
	nextOutcome         int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastError           string
	retryDelay          time.Duration
}

// NewMonitor creates a monitor. healthURL may be empty, in which case CheckHealth is a no-op.
func NewMonitor(cfg Config, healthURL string, logger logger.Logger) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		breaker:    circuitbreaker.NewCircuitBreaker(cfg.CircuitBreakerEnabled, cfg.CircuitBreakerTimeout),
		healthURL:  healthURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
		now:        time.Now,
		status:     StatusUnknown,
		retryDelay: cfg.BaseRetryDelay,
	}
	m.publishLocked()
	return m
}

// WithClock replaces the time source of the monitor and its breaker, for tests
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.breaker.WithClock(now)
	return m
}

// Breaker exposes the underlying circuit breaker
func (m *Monitor) Breaker() *circuitbreaker.CircuitBreaker {
	return m.breaker
}

// refreshLocked moves an unavailable backend to recovering once the cool-down has elapsed
func (m *Monitor) refreshLocked() {
	if m.status == StatusUnavailable && m.breaker.State() == circuitbreaker.StateHalfOpen {
		m.setStatusLocked(StatusRecovering)
	}
}

func (m *Monitor) setStatusLocked(next Status) {
	if next == m.status {
		return
	}
	prev := m.status
	m.status = next
	if next == StatusUnavailable || prev == StatusUnavailable {
		m.logger.Notice("Backend status changed: %s -> %s (consecutive failures: %d)", prev, next, m.consecutiveFailures)
	} else {
		m.logger.Debug("Backend status changed: %s -> %s", prev, next)
	}
}

// successRateLocked is the success rate over the last sampleWindow outcomes
func (m *Monitor) successRateLocked() float64 {
	if len(m.outcomes) == 0 {
		return 1
	}
	ok := 0
	for _, success := range m.outcomes {
		if success {
			ok++
		}
	}
	return float64(ok) / float64(len(m.outcomes))
}

func (m *Monitor) averageResponseTimeLocked() time.Duration {
	if len(m.responseTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, rt := range m.responseTimes {
		sum += rt
	}
	return sum / time.Duration(len(m.responseTimes))
}

// evaluateLocked derives the status from the counters
func (m *Monitor) evaluateLocked() Status {
	rate := m.successRateLocked()
	if m.consecutiveFailures >= m.cfg.MaxConsecutiveFailures {
		return StatusUnavailable
	}
	if m.consecutiveFailures > 0 && len(m.outcomes) >= m.cfg.MinSamples && rate < m.cfg.MinSuccessRate {
		return StatusUnavailable
	}
	if m.consecutiveFailures > 0 || rate < m.cfg.DegradedSuccessRate || m.averageResponseTimeLocked() > m.cfg.SlowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) retryDelayFor(failures int) time.Duration {
	if failures <= 0 {
		return m.cfg.BaseRetryDelay
	}
	delay := float64(m.cfg.BaseRetryDelay) * math.Pow(m.cfg.RetryMultiplier, float64(failures-1))
	if delay > float64(m.cfg.MaxRetryDelay) {
		return m.cfg.MaxRetryDelay
	}
	return time.Duration(delay)
}

// RecordSuccess records a successful request that took responseTime
func (m *Monitor) RecordSuccess(responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked()

	m.consecutiveFailures = 0
	m.totalRequests++
	m.successfulRequests++
	m.lastSuccess = m.now()
	m.retryDelay = m.cfg.BaseRetryDelay
	m.addSampleLocked(responseTime)

	prev := m.status
	switch m.breaker.State() {
	case circuitbreaker.StateHalfOpen:
		m.breaker.Close()
	case circuitbreaker.StateOpen:
		m.breaker.Reset()
	}
	if prev == StatusRecovering {
		// outcomes from before the outage no longer describe the backend
		m.outcomes = m.outcomes[:0]
		m.nextOutcome = 0
		m.addOutcomeLocked(true)
		m.setStatusLocked(StatusHealthy)
	} else {
		m.addOutcomeLocked(true)
		m.setStatusLocked(m.evaluateLocked())
	}

	metrics.BackendRequests.WithLabelValues("success").Inc()
	metrics.BackendResponseTime.Observe(responseTime.Seconds())
	m.publishLocked()
}

// RecordFailure records a failed request
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked()

	m.consecutiveFailures++
	m.totalRequests++
	m.lastFailure = m.now()
	if err != nil {
		m.lastError = err.Error()
	}
	m.retryDelay = m.retryDelayFor(m.consecutiveFailures)
	m.addOutcomeLocked(false)

	prev := m.status
	next := m.evaluateLocked()
	if prev == StatusRecovering {
		// the trial request failed, back off for another cool-down
		next = StatusUnavailable
	}
	if next == StatusUnavailable && prev != StatusUnavailable {
		m.breaker.Trip()
		metrics.CircuitBreakerTrips.Inc()
		m.logger.Error("Backend circuit breaker opened for %s after %d consecutive failures (last error: %s)",
			m.cfg.CircuitBreakerTimeout, m.consecutiveFailures, m.lastError)
	}
	m.setStatusLocked(next)

	outcome := string(CodeOf(err))
	if outcome == "" {
		outcome = "failure"
	}
	metrics.BackendRequests.WithLabelValues(outcome).Inc()
	m.publishLocked()
}

func (m *Monitor) addSampleLocked(rt time.Duration) {
	if len(m.responseTimes) < sampleWindow {
		m.responseTimes = append(m.responseTimes, rt)
		return
	}
	m.responseTimes[m.nextSample] = rt
	m.nextSample = (m.nextSample + 1) % sampleWindow
}

func (m *Monitor) addOutcomeLocked(success bool) {
	if len(m.outcomes) < sampleWindow {
		m.outcomes = append(m.outcomes, success)
		return
	}
	m.outcomes[m.nextOutcome] = success
	m.nextOutcome = (m.nextOutcome + 1) % sampleWindow
}

func (m *Monitor) publishLocked() {
	for _, s := range allStatuses {
		v := 0.0
		if s == m.status {
			v = 1
		}
		metrics.BackendHealthStatus.WithLabelValues(string(s)).Set(v)
	}
	metrics.BackendConsecutiveFailures.Set(float64(m.consecutiveFailures))
	metrics.BackendSuccessRate.Set(m.successRateLocked())
	open := 0.0
	if m.breaker.IsOpen() {
		open = 1
	}
	metrics.CircuitBreakerOpen.Set(open)
}

// Status returns the current status
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
	return m.status
}

// IsBackendAvailable is false while the backend is unavailable and the breaker is open
func (m *Monitor) IsBackendAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
	return !(m.status == StatusUnavailable && m.breaker.IsOpen())
}

// GetCurrentRetryDelay returns the backoff to wait before the next retry
func (m *Monitor) GetCurrentRetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryDelay
}

// GetMetrics returns a snapshot of the monitor state
func (m *Monitor) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	snapshot := Metrics{
		Status:              m.status,
		AverageResponseTime: m.averageResponseTimeLocked(),
		SuccessRate:         m.successRateLocked(),
		TotalRequests:       m.totalRequests,
		SuccessfulRequests:  m.successfulRequests,
		ConsecutiveFailures: m.consecutiveFailures,
		LastSuccess:         m.lastSuccess,
		LastFailure:         m.lastFailure,
		LastError:           m.lastError,
		CircuitBreakerOpen:  m.breaker.IsOpen(),
		CircuitBreakerTrips: m.breaker.Trips(),
		CurrentRetryDelay:   m.retryDelay,
	}
	if snapshot.CircuitBreakerOpen {
		snapshot.CircuitBreakerOpenedAt = m.breaker.GetTripTime()
	}
	return snapshot
}

// Reset clears all counters and closes the breaker
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.breaker.Reset()
	m.status = StatusUnknown
	m.consecutiveFailures = 0
	m.totalRequests = 0
	m.successfulRequests = 0
	m.responseTimes = nil
	m.nextSample = 0
	m.outcomes = nil
	m.nextOutcome = 0
	m.lastSuccess = time.Time{}
	m.lastFailure = time.Time{}
	m.lastError = ""
	m.retryDelay = m.cfg.BaseRetryDelay
	m.publishLocked()
	m.logger.Notice("Backend health monitor reset")
}

// MakeMonitoredRequest runs fn under the request timeout and records its outcome.
// While the breaker is open it fails with CIRCUIT_BREAKER_OPEN without calling fn.
// Errors wrapped with ClientError are returned unwrapped and count as a reachable backend.
func (m *Monitor) MakeMonitoredRequest(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	m.refreshLocked()
	if m.breaker.IsOpen() {
		remaining := m.breaker.Remaining()
		m.mu.Unlock()
		metrics.BackendRequests.WithLabelValues(string(CodeCircuitBreakerOpen)).Inc()
		return &MonitorError{Code: CodeCircuitBreakerOpen, RetryAfter: remaining}
	}
	now := m.now
	m.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	start := now()
	err := fn(reqCtx)
	elapsed := now().Sub(start)

	if err == nil {
		m.RecordSuccess(elapsed)
		return nil
	}

	var ce *clientError
	if errors.As(err, &ce) {
		m.RecordSuccess(elapsed)
		return ce.err
	}

	// the caller gave up, which says nothing about the backend
	if ctx.Err() != nil {
		return ctx.Err()
	}

	merr := classify(err, reqCtx)
	m.RecordFailure(merr)
	return merr
}

func classify(err error, reqCtx context.Context) *MonitorError {
	var merr *MonitorError
	if errors.As(err, &merr) {
		return merr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &MonitorError{Code: CodeRequestTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &MonitorError{Code: CodeRequestTimeout, Err: err}
		}
		return &MonitorError{Code: CodeNetworkError, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &MonitorError{Code: CodeNetworkError, Err: err}
	}
	return &MonitorError{Code: CodeHealthCheckFailed, Err: err}
}

// CheckHealth performs a monitored GET against the backend health endpoint
func (m *Monitor) CheckHealth(ctx context.Context) error {
	if m.healthURL == "" {
		return nil
	}

	return m.MakeMonitoredRequest(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				m.logger.Error("Failed to close health response body: %v", closeErr)
			}
		}()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// Run performs periodic health checks until ctx is cancelled.
// While the breaker is open it sleeps until the cool-down ends instead of probing.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Backend health monitor started (interval: %s)", m.cfg.HealthCheckInterval)
	for {
		wait := m.cfg.HealthCheckInterval
		if remaining := m.breaker.Remaining(); remaining > 0 && remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Backend health monitor shutting down")
			return
		case <-time.After(wait):
			if !m.IsBackendAvailable() {
				m.logger.Debug("Skipping health check, circuit breaker open for another %s", m.breaker.Remaining())
				continue
			}
			if err := m.CheckHealth(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("Backend health check failed: %v", err)
			}
		}
	}
}
