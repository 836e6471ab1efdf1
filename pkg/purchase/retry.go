package purchase

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/store"
)

const (
	defaultBaseBackoff = 10 * time.Second
	maxBackoff         = 2 * time.Minute
)

// ShouldRetryError classifies errors to determine if a retry should be attempted
// Returns (shouldRetry, errorType)
func ShouldRetryError(err error) (bool, string) {
	if errors.Is(err, context.Canceled) {
		return false, "cancelled"
	}
	if errors.Is(err, store.ErrDuplicateIntent) {
		return false, "duplicate_intent"
	}

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.Permanent() {
			return false, strings.ToLower(string(stageErr.Code))
		}
		switch stageErr.Code {
		case CodeBackendUnavailable, CodeSignatureTimeout, CodeReceiptTimeout, CodeTracking:
			return true, strings.ToLower(string(stageErr.Code))
		}
		if stageErr.Stage == StageExtract {
			return true, "incomplete_receipt"
		}
	}

	errStr := err.Error()

	// Check for "already processed" errors - no retry needed
	if strings.Contains(errStr, "already executed") ||
		strings.Contains(errStr, "Intent already processed") {
		return false, "already_processed"
	}

	// Network/RPC errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return true, "network_error"
	}

	// RPC node state errors - retry with longer backoff
	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "header not found") ||
		strings.Contains(errStr, "block not found") {
		return true, "node_state_error"
	}

	// Gas-related errors - retry may help if gas prices change
	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "max fee per gas less than block base fee") {
		return true, "gas_error"
	}

	// Nonce-related errors - retry may help after nonce is corrected
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return true, "nonce_error"
	}

	// Balance-related errors - permanent failures
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return false, "insufficient_balance"
	}

	// Contract-related errors - permanent failures
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return false, "contract_error"
	}

	// Unknown errors - retry with caution
	return true, "unknown_error"
}

// CalculateBackoff calculates the backoff duration for retry attempts:
// base * 2^retryCount, capped at two minutes
func CalculateBackoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * base
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// retryAfter returns the breaker cool-down carried by err, zero when there is none
func retryAfter(err error) time.Duration {
	var merr *healthmonitor.MonitorError
	if errors.As(err, &merr) {
		return merr.RetryAfter
	}
	return 0
}
