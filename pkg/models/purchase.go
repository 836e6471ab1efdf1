package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PurchaseJob asks the relayer to drive one purchase to completion.
// Either TxHash or RawTx must be set; RawTx is broadcast first.
type PurchaseJob struct {
	ID        string        `json:"id"`
	TxHash    common.Hash   `json:"tx_hash"`
	RawTx     []byte        `json:"-"`
	Timeout   time.Duration `json:"timeout"`
	CreatedAt time.Time     `json:"created_at"`
}

// PurchaseRecord is the tracked view of a purchase
type PurchaseRecord struct {
	JobID         string         `json:"job_id"`
	TxHash        common.Hash    `json:"tx_hash"`
	Intent        *PaymentIntent `json:"intent,omitempty"`
	State         IntentState    `json:"state"`
	Signature     string         `json:"signature,omitempty"`
	PaymentTxHash *common.Hash   `json:"payment_tx_hash,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
