package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PaymentType mirrors the uint8 payment type enum of the commerce protocol
type PaymentType uint8

const (
	PaymentTypePayPerView PaymentType = iota
	PaymentTypeSubscription
	PaymentTypeTip
	PaymentTypeDonation
)

// IsValid reports whether the payment type is one the protocol defines
func (p PaymentType) IsValid() bool {
	return p <= PaymentTypeDonation
}

func (p PaymentType) String() string {
	switch p {
	case PaymentTypePayPerView:
		return "pay_per_view"
	case PaymentTypeSubscription:
		return "subscription"
	case PaymentTypeTip:
		return "tip"
	case PaymentTypeDonation:
		return "donation"
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// IntentID is the 16-byte identifier the commerce protocol assigns to a payment intent
type IntentID [16]byte

// Hex returns the 0x-prefixed, 34 character form of the id
func (id IntentID) Hex() string {
	return hexutil.Encode(id[:])
}

func (id IntentID) String() string {
	return id.Hex()
}

// IsZero reports whether the id is unset
func (id IntentID) IsZero() bool {
	return id == IntentID{}
}

// MarshalText encodes the id in its hex form
func (id IntentID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText decodes a 0x-prefixed 16 byte hex id
func (id *IntentID) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("IntentID", input, id[:])
}

// PaymentIntent is the decoded PaymentIntentCreated event. It is immutable once observed.
type PaymentIntent struct {
	IntentID        IntentID       `json:"intent_id"`
	User            common.Address `json:"user"`
	Creator         common.Address `json:"creator"`
	PaymentType     PaymentType    `json:"payment_type"`
	TotalAmount     *big.Int       `json:"total_amount"`
	CreatorAmount   *big.Int       `json:"creator_amount"`
	PlatformFee     *big.Int       `json:"platform_fee"`
	OperatorFee     *big.Int       `json:"operator_fee"`
	PaymentToken    common.Address `json:"payment_token"`
	ExpectedAmount  *big.Int       `json:"expected_amount"`
	TransactionHash common.Hash    `json:"transaction_hash"`
	BlockNumber     uint64         `json:"block_number"`
	Timestamp       time.Time      `json:"timestamp"`
}

// IntentSigningRecord holds either a pending signing request or a completed signature
type IntentSigningRecord struct {
	IntentID   IntentID    `json:"intent_id"`
	IntentHash common.Hash `json:"intent_hash,omitempty"`
	Deadline   *big.Int    `json:"deadline,omitempty"`
	Signature  []byte      `json:"signature,omitempty"`
}

// IsSigned reports whether the record carries a completed signature
func (r *IntentSigningRecord) IsSigned() bool {
	return r != nil && len(r.Signature) > 0
}
