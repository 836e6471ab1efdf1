package purchase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/intents"
	"github.com/contentpay/commerce-relayer/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestShouldRetryError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retry     bool
		errorType string
	}{
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), false, "cancelled"},
		{"duplicate intent", stageError(StageExtract, CodeTracking, store.ErrDuplicateIntent), false, "duplicate_intent"},
		{"reverted purchase", stageError(StageReceipt, CodeTxReverted, nil), false, "tx_reverted"},
		{"expired signature", stageError(StageSignature, CodeSignatureExpired, nil), false, "signature_expired"},
		{"backend unavailable", stageError(StageSignature, CodeBackendUnavailable, nil), true, "backend_unavailable"},
		{"receipt timeout", stageError(StageReceipt, CodeReceiptTimeout, nil), true, "receipt_timeout"},
		{"no logs yet", stageError(StageExtract, ErrorCode(intents.CodeNoLogs), intents.ErrNoLogs), true, "incomplete_receipt"},
		{"undecodable event", stageError(StageExtract, ErrorCode(intents.CodeDecodeError), intents.ErrDecode), false, "decode_error"},
		{"network", stageError(StageExecute, CodeExecuteFailed, errors.New("dial tcp: connection refused")), true, "network_error"},
		{"node state", errors.New("header not found"), true, "node_state_error"},
		{"gas", errors.New("gas price too low"), true, "gas_error"},
		{"nonce", stageError(StageExecute, CodeExecuteFailed, errors.New("nonce too low")), true, "nonce_error"},
		{"balance", errors.New("insufficient funds for transfer"), false, "insufficient_balance"},
		{"revert", errors.New("execution reverted: bad signature"), false, "contract_error"},
		{"unknown", errors.New("something odd"), true, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, errorType := ShouldRetryError(tt.err)
			assert.Equal(t, tt.retry, retry)
			assert.Equal(t, tt.errorType, errorType)
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, CalculateBackoff(0, 0))
	assert.Equal(t, 20*time.Second, CalculateBackoff(0, 1))
	assert.Equal(t, 80*time.Second, CalculateBackoff(0, 3))
	assert.Equal(t, 2*time.Minute, CalculateBackoff(0, 4))
	assert.Equal(t, 2*time.Minute, CalculateBackoff(0, 60))
	assert.Equal(t, 4*time.Millisecond, CalculateBackoff(time.Millisecond, 2))
}

func TestRetryAfter(t *testing.T) {
	err := stageError(StageSignature, CodeBackendUnavailable, &healthmonitor.MonitorError{
		Code:       healthmonitor.CodeCircuitBreakerOpen,
		RetryAfter: 45 * time.Second,
	})
	assert.Equal(t, 45*time.Second, retryAfter(err))
	assert.Zero(t, retryAfter(errors.New("plain")))
}
