package healthmonitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(t *testing.T) (*Monitor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMonitor(DefaultConfig(), "", &logger.EmptyLogger{}).WithClock(clock.Now)
	return m, clock
}

var errBackend = errors.New("backend exploded")

func TestMonitorConsecutiveFailures(t *testing.T) {
	t.Run("threshold makes backend unavailable", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		assert.Equal(t, StatusUnknown, m.Status())

		for i := 0; i < 4; i++ {
			m.RecordFailure(errBackend)
		}
		assert.Equal(t, StatusDegraded, m.Status())
		assert.True(t, m.IsBackendAvailable())

		m.RecordFailure(errBackend)
		metrics := m.GetMetrics()
		assert.Equal(t, StatusUnavailable, metrics.Status)
		assert.Equal(t, 5, metrics.ConsecutiveFailures)
		assert.True(t, metrics.CircuitBreakerOpen)
		assert.False(t, m.IsBackendAvailable())
	})

	t.Run("success before threshold resets consecutive failures", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		for i := 0; i < 4; i++ {
			m.RecordFailure(errBackend)
		}
		m.RecordSuccess(10 * time.Millisecond)

		metrics := m.GetMetrics()
		assert.Equal(t, 0, metrics.ConsecutiveFailures)
		assert.Equal(t, 5, metrics.TotalRequests)
		assert.Equal(t, 1, metrics.SuccessfulRequests)
		assert.InDelta(t, 0.2, metrics.SuccessRate, 1e-9)
		assert.True(t, m.IsBackendAvailable())
		assert.Equal(t, time.Second, m.GetCurrentRetryDelay())
	})

	t.Run("low success rate makes backend unavailable", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		// alternate so consecutive failures never reach the threshold
		for i := 0; i < 6; i++ {
			m.RecordFailure(errBackend)
			m.RecordFailure(errBackend)
			if m.Status() == StatusUnavailable {
				break
			}
			m.RecordSuccess(time.Millisecond)
		}
		assert.Equal(t, StatusUnavailable, m.Status())
		assert.Less(t, m.GetMetrics().ConsecutiveFailures, 5)
	})

	t.Run("healthy after successes", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		m.RecordSuccess(20 * time.Millisecond)
		m.RecordSuccess(40 * time.Millisecond)
		metrics := m.GetMetrics()
		assert.Equal(t, StatusHealthy, metrics.Status)
		assert.Equal(t, 30*time.Millisecond, metrics.AverageResponseTime)
		assert.Equal(t, 1.0, metrics.SuccessRate)
	})

	t.Run("slow responses degrade", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		m.RecordSuccess(6 * time.Second)
		assert.Equal(t, StatusDegraded, m.Status())
	})
}

func TestMonitorRetryDelay(t *testing.T) {
	m, _ := newTestMonitor(t)
	assert.Equal(t, time.Second, m.GetCurrentRetryDelay())

	m.RecordFailure(errBackend)
	assert.Equal(t, time.Second, m.GetCurrentRetryDelay())
	m.RecordFailure(errBackend)
	assert.Equal(t, 2*time.Second, m.GetCurrentRetryDelay())
	m.RecordFailure(errBackend)
	assert.Equal(t, 4000*time.Millisecond, m.GetCurrentRetryDelay())

	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 100
	capped := NewMonitor(cfg, "", &logger.EmptyLogger{})
	for i := 0; i < 10; i++ {
		capped.RecordFailure(errBackend)
	}
	assert.Equal(t, 30*time.Second, capped.GetCurrentRetryDelay())

	capped.RecordSuccess(time.Millisecond)
	assert.Equal(t, time.Second, capped.GetCurrentRetryDelay())
}

func TestMonitorCircuitBreaker(t *testing.T) {
	t.Run("open breaker rejects without calling fn", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		for i := 0; i < 5; i++ {
			m.RecordFailure(errBackend)
		}

		var calls int32
		err := m.MakeMonitoredRequest(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCircuitBreakerOpen))
		assert.Equal(t, CodeCircuitBreakerOpen, CodeOf(err))
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

		var merr *MonitorError
		require.True(t, errors.As(err, &merr))
		assert.Equal(t, 60*time.Second, merr.RetryAfter)
	})

	t.Run("cool down leads to recovering then healthy", func(t *testing.T) {
		m, clock := newTestMonitor(t)
		for i := 0; i < 5; i++ {
			m.RecordFailure(errBackend)
		}
		clock.Advance(59 * time.Second)
		assert.Equal(t, StatusUnavailable, m.Status())

		clock.Advance(time.Second)
		assert.Equal(t, StatusRecovering, m.Status())
		assert.True(t, m.IsBackendAvailable())

		err := m.MakeMonitoredRequest(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, StatusHealthy, m.Status())
		assert.False(t, m.GetMetrics().CircuitBreakerOpen)
	})

	t.Run("failure while recovering reopens", func(t *testing.T) {
		m, clock := newTestMonitor(t)
		for i := 0; i < 5; i++ {
			m.RecordFailure(errBackend)
		}
		clock.Advance(time.Minute)
		require.Equal(t, StatusRecovering, m.Status())

		err := m.MakeMonitoredRequest(context.Background(), func(ctx context.Context) error { return errBackend })
		assert.Equal(t, CodeHealthCheckFailed, CodeOf(err))
		assert.Equal(t, StatusUnavailable, m.Status())
		assert.False(t, m.IsBackendAvailable())
		assert.Equal(t, 2, m.Breaker().Trips())
	})

	t.Run("reset", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		for i := 0; i < 5; i++ {
			m.RecordFailure(errBackend)
		}
		m.Reset()
		assert.Equal(t, StatusUnknown, m.Status())
		assert.True(t, m.IsBackendAvailable())
		assert.Zero(t, m.GetMetrics().TotalRequests)
	})
}

func TestMonitorRecoversAfterRepeatedOutages(t *testing.T) {
	m, clock := newTestMonitor(t)

	for round := 0; round < 4; round++ {
		for i := 0; i < 5; i++ {
			m.RecordFailure(errBackend)
		}
		require.Equal(t, StatusUnavailable, m.Status())
		clock.Advance(61 * time.Second)
	}
	assert.Equal(t, 4, m.Breaker().Trips())

	for i := 0; i < 10; i++ {
		m.RecordSuccess(10 * time.Millisecond)
	}
	metrics := m.GetMetrics()
	assert.Equal(t, StatusHealthy, metrics.Status)
	assert.Equal(t, 1.0, metrics.SuccessRate)
	assert.Equal(t, 30, metrics.TotalRequests)
	assert.Equal(t, 4, metrics.CircuitBreakerTrips)

	// one blip after recovery does not reopen the breaker
	m.RecordFailure(errBackend)
	metrics = m.GetMetrics()
	assert.NotEqual(t, StatusUnavailable, metrics.Status)
	assert.False(t, metrics.CircuitBreakerOpen)
	assert.True(t, m.IsBackendAvailable())
	assert.Equal(t, 4, m.Breaker().Trips())
}

func TestSuccessRateUsesRecentOutcomes(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		m.RecordFailure(errBackend)
	}
	for i := 0; i < sampleWindow; i++ {
		m.RecordSuccess(time.Millisecond)
	}
	metrics := m.GetMetrics()
	assert.Equal(t, 1.0, metrics.SuccessRate)
	assert.Equal(t, sampleWindow+4, metrics.TotalRequests)
	assert.Equal(t, StatusHealthy, metrics.Status)
}

func TestMakeMonitoredRequestClassification(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RequestTimeout = 10 * time.Millisecond
		m := NewMonitor(cfg, "", &logger.EmptyLogger{})

		err := m.MakeMonitoredRequest(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.Equal(t, CodeRequestTimeout, CodeOf(err))
		assert.Equal(t, 1, m.GetMetrics().ConsecutiveFailures)
	})

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		m := NewMonitor(DefaultConfig(), url+"/health", &logger.EmptyLogger{})
		err := m.CheckHealth(context.Background())
		assert.Equal(t, CodeNetworkError, CodeOf(err))
	})

	t.Run("client error does not count against health", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		badRequest := errors.New("bad request")
		err := m.MakeMonitoredRequest(context.Background(), func(ctx context.Context) error {
			return ClientError(badRequest)
		})
		assert.Equal(t, badRequest, err)
		assert.Equal(t, 0, m.GetMetrics().ConsecutiveFailures)
		assert.Equal(t, 1, m.GetMetrics().SuccessfulRequests)
	})

	t.Run("caller cancellation is not recorded", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		ctx, cancel := context.WithCancel(context.Background())
		err := m.MakeMonitoredRequest(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, m.GetMetrics().TotalRequests)
	})
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	m := NewMonitor(DefaultConfig(), srv.URL+"/health", &logger.EmptyLogger{})
	require.NoError(t, m.CheckHealth(context.Background()))
	assert.Equal(t, StatusHealthy, m.Status())

	healthy.Store(false)
	err := m.CheckHealth(context.Background())
	assert.Equal(t, CodeHealthCheckFailed, CodeOf(err))
	assert.Equal(t, StatusDegraded, m.Status())
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	m := NewMonitor(cfg, srv.URL, &logger.EmptyLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hits) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxRetryDelay = cfg.BaseRetryDelay / 2
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RetryMultiplier = 0.5
	assert.Error(t, cfg.Validate())
}
