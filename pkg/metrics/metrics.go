package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	PurchasesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_purchases_total",
		Help: "The total number of processed purchases by final stage and status",
	}, []string{"stage", "status"})

	PurchaseProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_purchase_processing_seconds",
		Help:    "Time taken to drive a purchase from receipt to confirmation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	})

	PurchaseVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_purchase_volume_tokens_total",
		Help: "Settled purchase amounts in whole tokens by payment token",
	}, []string{"token"})

	PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_pending_jobs",
		Help: "The number of purchase jobs waiting for a worker",
	})

	ExtractionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_extraction_errors_total",
		Help: "Intent extraction failures by error code",
	}, []string{"code"})

	SignaturePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_signature_polls_total",
		Help: "Signature status polls by result",
	}, []string{"result"})

	// Backend health
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_backend_requests_total",
		Help: "Monitored backend requests by outcome",
	}, []string{"outcome"})

	BackendResponseTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_backend_response_seconds",
		Help:    "Backend response time of monitored requests",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	BackendHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_backend_health_status",
		Help: "Current backend health status (1 for the active status)",
	}, []string{"status"})

	BackendConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_backend_consecutive_failures",
		Help: "Consecutive failed backend requests",
	})

	BackendSuccessRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_backend_success_rate",
		Help: "Success rate of monitored backend requests",
	})

	CircuitBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_circuit_breaker_open",
		Help: "1 while the backend circuit breaker is open",
	})

	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_circuit_breaker_trips_total",
		Help: "Number of times the backend circuit breaker opened",
	})

	// Chain
	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_gas_price_gwei",
		Help: "Current gas price in gwei",
	}, []string{"chain_id"})

	PaymentGasUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_payment_gas_used",
		Help:    "Gas used by executePaymentWithSignature transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	})

	// Errors and retries
	PurchaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_errors_total",
		Help: "Total number of purchase errors by type",
	}, []string{"error_type"})

	PermanentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_permanent_errors_total",
		Help: "Total number of permanent errors that won't be retried",
	}, []string{"error_type"})

	RetryCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_retry_count_total",
		Help: "The total number of scheduled purchase retries",
	})

	MaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_max_retries_reached_total",
		Help: "Number of purchases that reached maximum retry attempts",
	}, []string{"error_type"})

	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_retry_queue_size",
		Help: "Current size of the retry queue",
	})

	NextRetryIn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_next_retry_seconds",
		Help: "Seconds until the next scheduled retry",
	})

	RetriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_retries_executed_total",
		Help: "Number of retries that were executed",
	}, []string{"error_type"})

	DroppedRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_retries_dropped_total",
		Help: "Number of retries that were dropped due to queue capacity",
	})
)
