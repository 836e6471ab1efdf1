package purchase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/metrics"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/google/uuid"
)

const (
	defaultQueueSize     = 100
	maxRetryQueueSize    = 1000
	maxRetriesPerTick    = 10
	defaultRetryInterval = 10 * time.Second
	metricsInterval      = 30 * time.Second
)

var (
	// ErrQueueFull is returned by Submit when no more jobs can be buffered
	ErrQueueFull = errors.New("purchase queue is full")
	// ErrServiceStopped is returned by Submit after shutdown
	ErrServiceStopped = errors.New("purchase service stopped")
)

// Processor runs one purchase job
type Processor interface {
	Process(ctx context.Context, job models.PurchaseJob) error
}

// HealthRunner runs periodic backend health checks until ctx ends
type HealthRunner interface {
	Run(ctx context.Context)
}

// GasUpdater refreshes the gas price in the background
type GasUpdater interface {
	Start(ctx context.Context)
	Stop()
}

// ServiceOptions configures a Service
type ServiceOptions struct {
	Workers    int
	JobTimeout time.Duration
	MaxRetries int
	QueueSize  int
	// BaseBackoff is the first retry delay, doubled on every retry
	BaseBackoff time.Duration
	// RetryCheckInterval is how often the retry queue is scanned
	RetryCheckInterval time.Duration
}

type attempt struct {
	job     models.PurchaseJob
	retries int
}

// Service is the purchase worker pool. Failed jobs are retried with exponential backoff.
type Service struct {
	processor Processor
	tracker   *Tracker
	opts      ServiceOptions
	health    HealthRunner
	gas       GasUpdater
	logger    logger.Logger

	pendingJobs chan attempt
	retryJobs   chan models.RetryJob
	retryQueued atomic.Int64

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewService creates a new purchase service
func NewService(processor Processor, tracker *Tracker, opts ServiceOptions, logger logger.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.RetryCheckInterval <= 0 {
		opts.RetryCheckInterval = defaultRetryInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	return &Service{
		processor:   processor,
		tracker:     tracker,
		opts:        opts,
		logger:      logger,
		pendingJobs: make(chan attempt, opts.QueueSize),
		retryJobs:   make(chan models.RetryJob, defaultQueueSize), // Buffer for retry jobs
		now:         time.Now,
	}
}

// WithHealthMonitor runs r alongside the workers
func (s *Service) WithHealthMonitor(r HealthRunner) *Service {
	s.health = r
	return s
}

// WithGasUpdater starts g alongside the workers
func (s *Service) WithGasUpdater(g GasUpdater) *Service {
	s.gas = g
	return s
}

// Submit enqueues a job and returns its id. Missing ids, timeouts and creation times are filled in.
func (s *Service) Submit(job models.PurchaseJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Timeout <= 0 {
		job.Timeout = s.opts.JobTimeout
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrServiceStopped
	}

	select {
	case s.pendingJobs <- attempt{job: job}:
		metrics.PendingJobs.Set(float64(len(s.pendingJobs)))
		s.logger.Debug("Queued job %s for transaction %s", job.ID, job.TxHash.Hex())
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// QueueSize returns the number of jobs waiting for a worker or a retry
func (s *Service) QueueSize() int {
	return len(s.pendingJobs) + len(s.retryJobs) + int(s.retryQueued.Load())
}

// Start runs the workers, the retry handler and the background routines until ctx is cancelled
func (s *Service) Start(ctx context.Context) {
	if s.health != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.health.Run(ctx)
		}()
	}
	if s.gas != nil {
		s.gas.Start(ctx)
		defer s.gas.Stop()
	}

	// Start worker pool
	s.logger.Notice("Starting worker pool with %d workers", s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(2)
	go s.retryHandler(ctx)
	go s.metricsUpdater(ctx)

	<-ctx.Done()
	s.logger.Notice("Context cancelled, shutting down service")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.wg.Wait() // Wait for all workers to finish
}

// worker processes jobs from the queue
func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	s.logger.Debug("Starting worker %d", id)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker %d shutting down", id)
			return
		case next := <-s.pendingJobs:
			metrics.PendingJobs.Set(float64(len(s.pendingJobs)))
			s.handle(ctx, id, next)
		}
	}
}

func (s *Service) handle(ctx context.Context, workerID int, next attempt) {
	job := next.job
	s.logger.Info("Worker %d processing job %s (tx %s, attempt %d)", workerID, job.ID, job.TxHash.Hex(), next.retries+1)

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	err := s.processor.Process(jobCtx, job)
	if err == nil {
		s.logger.Info("Worker %d completed job %s", workerID, job.ID)
		metrics.PurchasesProcessed.WithLabelValues(string(StageConfirm), "success").Inc()
		return
	}

	// shutting down, the job stays where it is and can be resubmitted
	if ctx.Err() != nil {
		s.logger.Notice("Job %s interrupted by shutdown: %v", job.ID, err)
		return
	}

	stage := StageOf(err)
	shouldRetry, errorType := ShouldRetryError(err)
	s.logger.Error("Worker %d error processing job %s: %v (type: %s, retry: %v)", workerID, job.ID, err, errorType, shouldRetry)
	metrics.PurchaseErrors.WithLabelValues(errorType).Inc()

	if !shouldRetry {
		metrics.PermanentErrors.WithLabelValues(errorType).Inc()
		s.fail(job, stage, err)
		return
	}

	if next.retries >= s.opts.MaxRetries {
		s.logger.Notice("Max retries reached for job %s, giving up (error: %s)", job.ID, errorType)
		metrics.MaxRetriesReached.WithLabelValues(errorType).Inc()
		s.fail(job, stage, err)
		return
	}

	backoff := CalculateBackoff(s.opts.BaseBackoff, next.retries)
	if wait := retryAfter(err); wait > backoff {
		backoff = wait
	}

	retryJob := models.RetryJob{
		Job:         job,
		RetryCount:  next.retries + 1,
		NextAttempt: s.now().Add(backoff),
		ErrorType:   errorType,
	}

	select {
	case s.retryJobs <- retryJob:
		metrics.RetryCount.Inc()
		s.logger.Info("Scheduling retry for job %s in %v (error: %s)", job.ID, backoff, errorType)
	default:
		s.logger.Error("Retry channel full, dropping retry for job %s", job.ID)
		metrics.DroppedRetries.Inc()
		s.fail(job, stage, err)
	}
}

func (s *Service) fail(job models.PurchaseJob, stage Stage, cause error) {
	metrics.PurchasesProcessed.WithLabelValues(string(stage), "failed").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.tracker.Fail(ctx, job.ID, cause); err != nil {
		s.logger.Error("Failed to mark job %s failed: %v", job.ID, err)
	}
}

// retryHandler keeps the retry queue ordered by due time and feeds due jobs back to the workers
func (s *Service) retryHandler(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.RetryCheckInterval)
	defer ticker.Stop()

	var retryQueue []models.RetryJob

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.retryJobs:
			// Add to retry queue if not already at capacity
			if len(retryQueue) >= maxRetryQueueSize {
				s.logger.Error("Retry queue at capacity (%d jobs), dropping retry for job %s", maxRetryQueueSize, job.Job.ID)
				metrics.DroppedRetries.Inc()
				s.fail(job.Job, "", errors.New("retry queue full"))
				continue
			}
			retryQueue = append(retryQueue, job)
			sort.Slice(retryQueue, func(i, j int) bool {
				return retryQueue[i].NextAttempt.Before(retryQueue[j].NextAttempt)
			})
			s.retryQueued.Store(int64(len(retryQueue)))
		case <-ticker.C:
			now := s.now()
			processed := 0
			remaining := retryQueue[:0]

			for _, job := range retryQueue {
				if job.NextAttempt.After(now) || processed >= maxRetriesPerTick {
					remaining = append(remaining, job)
					continue
				}

				s.logger.Info("Retrying job %s (attempt #%d, error type: %s)", job.Job.ID, job.RetryCount, job.ErrorType)
				select {
				case s.pendingJobs <- attempt{job: job.Job, retries: job.RetryCount}:
					processed++
					metrics.RetriesExecuted.WithLabelValues(job.ErrorType).Inc()
				case <-ctx.Done():
					return
				}
			}
			retryQueue = remaining
			s.retryQueued.Store(int64(len(retryQueue)))

			metrics.RetryQueueSize.Set(float64(len(retryQueue)))
			if len(retryQueue) > 0 {
				nextRetryIn := retryQueue[0].NextAttempt.Sub(now).Seconds()
				if nextRetryIn < 0 {
					nextRetryIn = 0
				}
				metrics.NextRetryIn.Set(nextRetryIn)
			}
		}
	}
}

// metricsUpdater publishes queue sizes periodically
func (s *Service) metricsUpdater(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Metrics updater shutting down")
			return
		case <-ticker.C:
			metrics.PendingJobs.Set(float64(len(s.pendingJobs)))
			metrics.RetryQueueSize.Set(float64(s.retryQueued.Load()))
		}
	}
}
