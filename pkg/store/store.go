// Package store persists tracked purchases.
package store

import (
	"context"
	"errors"

	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when no purchase matches the lookup
	ErrNotFound = errors.New("purchase not found")

	// ErrStateRegression is returned when an update would move a purchase backwards or out of a terminal state
	ErrStateRegression = errors.New("intent state cannot regress")

	// ErrDuplicateIntent is returned when an intent is already tracked under another job
	ErrDuplicateIntent = errors.New("intent already tracked by another job")
)

// StateUpdate moves a purchase to State. Empty optional fields leave the stored value untouched.
type StateUpdate struct {
	State         models.IntentState
	Signature     string
	PaymentTxHash *common.Hash
	LastError     string
}

// Store keeps purchase records keyed by job id and, once decoded, by intent id
type Store interface {
	// SaveIntent inserts the record or refreshes its transaction hash and intent.
	// The stored state is only replaced when the move is forward.
	SaveIntent(ctx context.Context, rec *models.PurchaseRecord) error
	UpdateState(ctx context.Context, jobID string, update StateUpdate) error
	GetByIntentID(ctx context.Context, intentID models.IntentID) (*models.PurchaseRecord, error)
	GetByJobID(ctx context.Context, jobID string) (*models.PurchaseRecord, error)
	Close() error
}
