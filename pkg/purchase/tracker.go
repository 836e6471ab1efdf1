package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/intents"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/contentpay/commerce-relayer/pkg/store"
)

// Tracker records the lifecycle of every purchase job. States only move forward.
type Tracker struct {
	store  store.Store
	logger logger.Logger
	now    func() time.Time
}

// NewTracker creates a tracker on top of s; a nil store keeps records in memory
func NewTracker(s store.Store, logger logger.Logger) *Tracker {
	if s == nil {
		s = store.NewMemoryStore()
	}
	return &Tracker{store: s, logger: logger, now: time.Now}
}

// Begin returns the record of job, creating it on first sight
func (t *Tracker) Begin(ctx context.Context, job models.PurchaseJob) (*models.PurchaseRecord, error) {
	rec, err := t.store.GetByJobID(ctx, job.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	rec = &models.PurchaseRecord{JobID: job.ID, TxHash: job.TxHash, CreatedAt: createdAt}
	if err := t.store.SaveIntent(ctx, rec); err != nil {
		return nil, err
	}
	return t.store.GetByJobID(ctx, job.ID)
}

// RecordIntent attaches the decoded intent to the job and moves it to created
func (t *Tracker) RecordIntent(ctx context.Context, rec *models.PurchaseRecord, intent *models.PaymentIntent) error {
	rec.Intent = intent
	rec.State = models.IntentStateCreated
	if err := t.store.SaveIntent(ctx, rec); err != nil {
		return err
	}
	t.logger.Debug("Tracking %s for job %s", intents.Describe(intent), rec.JobID)
	return nil
}

// Advance moves the job to the next state
func (t *Tracker) Advance(ctx context.Context, rec *models.PurchaseRecord, update store.StateUpdate) error {
	if err := t.store.UpdateState(ctx, rec.JobID, update); err != nil {
		return err
	}
	rec.State = update.State
	if update.Signature != "" {
		rec.Signature = update.Signature
	}
	if update.PaymentTxHash != nil {
		rec.PaymentTxHash = update.PaymentTxHash
	}
	return nil
}

// Fail marks the job failed with cause. Confirmed and already failed jobs are left alone.
func (t *Tracker) Fail(ctx context.Context, jobID string, cause error) error {
	err := t.store.UpdateState(ctx, jobID, store.StateUpdate{State: models.IntentStateFailed, LastError: cause.Error()})
	if errors.Is(err, store.ErrStateRegression) {
		return nil
	}
	return err
}

// Get returns the record of a job
func (t *Tracker) Get(ctx context.Context, jobID string) (*models.PurchaseRecord, error) {
	return t.store.GetByJobID(ctx, jobID)
}

// Lookup resolves key as an intent id when it has the intent id format, as a job id otherwise
func (t *Tracker) Lookup(ctx context.Context, key string) (*models.PurchaseRecord, error) {
	if intents.ValidateIntentIDFormat(key) {
		id, err := intents.ParseIntentID(key)
		if err != nil {
			return nil, fmt.Errorf("invalid intent id: %w", err)
		}
		return t.store.GetByIntentID(ctx, id)
	}
	return t.store.GetByJobID(ctx, key)
}

// Close closes the underlying store
func (t *Tracker) Close() error {
	return t.store.Close()
}
