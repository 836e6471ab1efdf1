package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/models"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*models.PurchaseRecord
	byIntent map[models.IntentID]string
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*models.PurchaseRecord),
		byIntent: make(map[models.IntentID]string),
		now:      time.Now,
	}
}

// SaveIntent implements Store
func (s *MemoryStore) SaveIntent(_ context.Context, rec *models.PurchaseRecord) error {
	if rec == nil || rec.JobID == "" {
		return fmt.Errorf("record without job id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Intent != nil {
		if owner, ok := s.byIntent[rec.Intent.IntentID]; ok && owner != rec.JobID {
			return fmt.Errorf("%w: %s is tracked by job %s", ErrDuplicateIntent, rec.Intent.IntentID, owner)
		}
	}

	now := s.now()
	existing, ok := s.records[rec.JobID]
	if !ok {
		stored := copyRecord(rec)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		s.records[rec.JobID] = stored
		if stored.Intent != nil {
			s.byIntent[stored.Intent.IntentID] = stored.JobID
		}
		return nil
	}

	if rec.State != models.IntentStateUnknown {
		if !existing.State.CanTransition(rec.State) {
			return fmt.Errorf("%w: %s -> %s", ErrStateRegression, existing.State, rec.State)
		}
		existing.State = rec.State
	}
	existing.TxHash = rec.TxHash
	if rec.Intent != nil {
		intent := *rec.Intent
		existing.Intent = &intent
		s.byIntent[intent.IntentID] = existing.JobID
	}
	existing.UpdatedAt = now
	return nil
}

// UpdateState implements Store
func (s *MemoryStore) UpdateState(_ context.Context, jobID string, update StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if !existing.State.CanTransition(update.State) {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, existing.State, update.State)
	}

	existing.State = update.State
	if update.Signature != "" {
		existing.Signature = update.Signature
	}
	if update.PaymentTxHash != nil {
		hash := *update.PaymentTxHash
		existing.PaymentTxHash = &hash
	}
	if update.LastError != "" {
		existing.LastError = update.LastError
	}
	existing.UpdatedAt = s.now()
	return nil
}

// GetByIntentID implements Store
func (s *MemoryStore) GetByIntentID(_ context.Context, intentID models.IntentID) (*models.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, ok := s.byIntent[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(s.records[jobID]), nil
}

// GetByJobID implements Store
func (s *MemoryStore) GetByJobID(_ context.Context, jobID string) (*models.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *models.PurchaseRecord) *models.PurchaseRecord {
	out := *rec
	if rec.Intent != nil {
		intent := *rec.Intent
		out.Intent = &intent
	}
	if rec.PaymentTxHash != nil {
		hash := *rec.PaymentTxHash
		out.PaymentTxHash = &hash
	}
	return &out
}
