package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/contentpay/commerce-relayer/pkg/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProcessor returns errs in order, then succeeds
type scriptedProcessor struct {
	tracker *Tracker
	mu      sync.Mutex
	errs    []error
	calls   map[string]int
}

func (p *scriptedProcessor) Process(ctx context.Context, job models.PurchaseJob) error {
	if _, err := p.tracker.Begin(ctx, job); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[job.ID]
	p.calls[job.ID]++
	if n < len(p.errs) {
		return p.errs[n]
	}
	return nil
}

func (p *scriptedProcessor) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type fakeRunner struct{ runs atomic.Int32 }

func (r *fakeRunner) Run(ctx context.Context) {
	r.runs.Add(1)
	<-ctx.Done()
}

type fakeGasUpdater struct{ started, stopped atomic.Int32 }

func (g *fakeGasUpdater) Start(context.Context) { g.started.Add(1) }
func (g *fakeGasUpdater) Stop()                 { g.stopped.Add(1) }

func newTestService(errs ...error) (*Service, *scriptedProcessor) {
	tracker := NewTracker(store.NewMemoryStore(), &logger.EmptyLogger{})
	processor := &scriptedProcessor{tracker: tracker, errs: errs, calls: make(map[string]int)}
	service := NewService(processor, tracker, ServiceOptions{
		Workers:            2,
		JobTimeout:         time.Second,
		MaxRetries:         2,
		BaseBackoff:        time.Millisecond,
		RetryCheckInterval: 5 * time.Millisecond,
	}, &logger.EmptyLogger{})
	return service, processor
}

// runService starts s and returns a stop function that waits for shutdown
func runService(t *testing.T, s *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

func stateOf(t *testing.T, s *Service, id string) models.IntentState {
	t.Helper()
	rec, err := s.tracker.Get(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return models.IntentStateUnknown
	}
	require.NoError(t, err)
	return rec.State
}

func TestSubmit(t *testing.T) {
	s, _ := newTestService()

	id, err := s.Submit(models.PurchaseJob{})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.QueueSize())

	queued := <-s.pendingJobs
	assert.Equal(t, id, queued.job.ID)
	assert.Equal(t, time.Second, queued.job.Timeout)
	assert.False(t, queued.job.CreatedAt.IsZero())

	id, err = s.Submit(models.PurchaseJob{ID: "given", Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "given", id)
	queued = <-s.pendingJobs
	assert.Equal(t, time.Minute, queued.job.Timeout)

	t.Run("queue full", func(t *testing.T) {
		s := NewService(&scriptedProcessor{}, nil, ServiceOptions{QueueSize: 1}, &logger.EmptyLogger{})
		_, err := s.Submit(models.PurchaseJob{})
		require.NoError(t, err)
		_, err = s.Submit(models.PurchaseJob{})
		assert.ErrorIs(t, err, ErrQueueFull)
	})
}

func TestServiceProcessesJobs(t *testing.T) {
	s, processor := newTestService()
	runner := &fakeRunner{}
	gas := &fakeGasUpdater{}
	s.WithHealthMonitor(runner).WithGasUpdater(gas)
	stop := runService(t, s)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Submit(models.PurchaseJob{ID: id})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return processor.count("a") == 1 && processor.count("b") == 1 && processor.count("c") == 1
	}, time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, int32(1), runner.runs.Load())
	assert.Equal(t, int32(1), gas.started.Load())
	assert.Equal(t, int32(1), gas.stopped.Load())

	_, err := s.Submit(models.PurchaseJob{ID: "late"})
	assert.ErrorIs(t, err, ErrServiceStopped)
}

func TestServiceRetries(t *testing.T) {
	t.Run("retryable error succeeds later", func(t *testing.T) {
		s, processor := newTestService(
			stageError(StageSignature, CodeBackendUnavailable, nil),
			errors.New("dial tcp: connection refused"),
		)
		stop := runService(t, s)
		defer stop()

		_, err := s.Submit(models.PurchaseJob{ID: "job"})
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return processor.count("job") == 3 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 3, processor.count("job"))
		assert.NotEqual(t, models.IntentStateFailed, stateOf(t, s, "job"))
	})

	t.Run("permanent error fails at once", func(t *testing.T) {
		s, processor := newTestService(stageError(StageReceipt, CodeTxReverted, errors.New("reverted")))
		stop := runService(t, s)
		defer stop()

		_, err := s.Submit(models.PurchaseJob{ID: "job"})
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return stateOf(t, s, "job") == models.IntentStateFailed }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, processor.count("job"))

		rec, err := s.tracker.Get(context.Background(), "job")
		require.NoError(t, err)
		assert.Contains(t, rec.LastError, "TX_REVERTED")
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		timeout := stageError(StageSignature, CodeSignatureTimeout, context.DeadlineExceeded)
		s, processor := newTestService(timeout, timeout, timeout, timeout, timeout)
		stop := runService(t, s)
		defer stop()

		_, err := s.Submit(models.PurchaseJob{ID: "job"})
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return stateOf(t, s, "job") == models.IntentStateFailed }, 2*time.Second, 5*time.Millisecond)
		// the first attempt plus MaxRetries
		assert.Equal(t, 3, processor.count("job"))
	})
}
