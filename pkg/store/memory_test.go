package store

import (
	"context"
	"errors"
	"testing"

	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store implementation shares
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	intentID := models.IntentID{0x0f, 15: 0x42}
	txHash := common.HexToHash("0xaaaa")

	rec := &models.PurchaseRecord{JobID: "job-contract-1", TxHash: txHash}
	require.NoError(t, s.SaveIntent(ctx, rec))

	got, err := s.GetByJobID(ctx, "job-contract-1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateUnknown, got.State)
	assert.Nil(t, got.Intent)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetByIntentID(ctx, intentID)
	assert.ErrorIs(t, err, ErrNotFound)

	rec.State = models.IntentStateCreated
	rec.Intent = &models.PaymentIntent{IntentID: intentID, PaymentType: models.PaymentTypeTip}
	require.NoError(t, s.SaveIntent(ctx, rec))

	got, err = s.GetByIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, "job-contract-1", got.JobID)
	assert.Equal(t, models.IntentStateCreated, got.State)
	require.NotNil(t, got.Intent)
	assert.Equal(t, models.PaymentTypeTip, got.Intent.PaymentType)

	require.NoError(t, s.UpdateState(ctx, "job-contract-1", StateUpdate{State: models.IntentStateAwaitingSignature}))
	require.NoError(t, s.UpdateState(ctx, "job-contract-1", StateUpdate{State: models.IntentStateSigned, Signature: "0xsig"}))

	err = s.UpdateState(ctx, "job-contract-1", StateUpdate{State: models.IntentStateCreated})
	assert.True(t, errors.Is(err, ErrStateRegression))

	rec.State = models.IntentStateAwaitingSignature
	assert.ErrorIs(t, s.SaveIntent(ctx, rec), ErrStateRegression)

	paymentTx := common.HexToHash("0xbbbb")
	require.NoError(t, s.UpdateState(ctx, "job-contract-1", StateUpdate{State: models.IntentStatePaymentSubmitted, PaymentTxHash: &paymentTx}))
	require.NoError(t, s.UpdateState(ctx, "job-contract-1", StateUpdate{State: models.IntentStateConfirmed}))

	got, err = s.GetByJobID(ctx, "job-contract-1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateConfirmed, got.State)
	assert.Equal(t, "0xsig", got.Signature)
	require.NotNil(t, got.PaymentTxHash)
	assert.Equal(t, paymentTx, *got.PaymentTxHash)

	// terminal
	assert.ErrorIs(t, s.UpdateState(ctx, "job-contract-1", StateUpdate{State: models.IntentStateFailed}), ErrStateRegression)
	assert.ErrorIs(t, s.UpdateState(ctx, "missing-job", StateUpdate{State: models.IntentStateFailed}), ErrNotFound)

	other := &models.PurchaseRecord{
		JobID:  "job-contract-2",
		TxHash: txHash,
		Intent: &models.PaymentIntent{IntentID: intentID},
	}
	assert.ErrorIs(t, s.SaveIntent(ctx, other), ErrDuplicateIntent)

	failing := &models.PurchaseRecord{JobID: "job-contract-3", TxHash: common.HexToHash("0xcccc"), State: models.IntentStateCreated}
	require.NoError(t, s.SaveIntent(ctx, failing))
	require.NoError(t, s.UpdateState(ctx, "job-contract-3", StateUpdate{State: models.IntentStateFailed, LastError: "extract: DECODE_ERROR"}))
	got, err = s.GetByJobID(ctx, "job-contract-3")
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateFailed, got.State)
	assert.Equal(t, "extract: DECODE_ERROR", got.LastError)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreContract(t, s)
	assert.NoError(t, s.Close())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveIntent(ctx, &models.PurchaseRecord{JobID: "job", State: models.IntentStateCreated}))

	got, err := s.GetByJobID(ctx, "job")
	require.NoError(t, err)
	got.State = models.IntentStateConfirmed

	again, err := s.GetByJobID(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateCreated, again.State)

	assert.Error(t, s.SaveIntent(ctx, &models.PurchaseRecord{}))
}
