// Package testutil builds commerce protocol event logs for tests.
package testutil

import (
	"math/big"

	"github.com/contentpay/commerce-relayer/pkg/contracts"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var commerceABI = contracts.MustCommerceABI()

// Default addresses used by the builders
var (
	ProtocolAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")
	UserAddress     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	CreatorAddress  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	USDCAddress     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
)

// IntentParams describes a PaymentIntentCreated event
type IntentParams struct {
	IntentID       models.IntentID
	User           common.Address
	Creator        common.Address
	PaymentType    uint8
	TotalAmount    *big.Int
	CreatorAmount  *big.Int
	PlatformFee    *big.Int
	OperatorFee    *big.Int
	PaymentToken   common.Address
	ExpectedAmount *big.Int
}

// DefaultIntentParams returns a consistent pay-per-view intent of 1 USDC
func DefaultIntentParams(id models.IntentID) IntentParams {
	return IntentParams{
		IntentID:       id,
		User:           UserAddress,
		Creator:        CreatorAddress,
		PaymentType:    uint8(models.PaymentTypePayPerView),
		TotalAmount:    big.NewInt(1_000_000),
		CreatorAmount:  big.NewInt(900_000),
		PlatformFee:    big.NewInt(75_000),
		OperatorFee:    big.NewInt(25_000),
		PaymentToken:   USDCAddress,
		ExpectedAmount: big.NewInt(1_000_000),
	}
}

// IntentID builds an id whose bytes are all b
func IntentID(b byte) models.IntentID {
	var id models.IntentID
	for i := range id {
		id[i] = b
	}
	return id
}

// IDTopic left aligns a bytes16 value in a topic
func IDTopic(id models.IntentID) common.Hash {
	var topic common.Hash
	copy(topic[:16], id[:])
	return topic
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func pack(event string, values ...interface{}) []byte {
	data, err := commerceABI.Events[event].Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return data
}

// PaymentIntentCreatedLog builds a PaymentIntentCreated log emitted by ProtocolAddress
func PaymentIntentCreatedLog(p IntentParams) *types.Log {
	return &types.Log{
		Address: ProtocolAddress,
		Topics: []common.Hash{
			commerceABI.Events[contracts.EventPaymentIntentCreated].ID,
			IDTopic(p.IntentID),
			addressTopic(p.User),
			addressTopic(p.Creator),
		},
		Data: pack(contracts.EventPaymentIntentCreated,
			p.PaymentType, p.TotalAmount, p.CreatorAmount, p.PlatformFee, p.OperatorFee, p.PaymentToken, p.ExpectedAmount),
		BlockNumber: 100,
	}
}

// IntentReadyForSigningLog builds an IntentReadyForSigning log
func IntentReadyForSigningLog(id models.IntentID, intentHash common.Hash, deadline int64) *types.Log {
	return &types.Log{
		Address: ProtocolAddress,
		Topics: []common.Hash{
			commerceABI.Events[contracts.EventIntentReadyForSigning].ID,
			IDTopic(id),
		},
		Data:        pack(contracts.EventIntentReadyForSigning, [32]byte(intentHash), big.NewInt(deadline)),
		BlockNumber: 100,
	}
}

// IntentSignedLog builds an IntentSigned log
func IntentSignedLog(id models.IntentID, signature []byte) *types.Log {
	return &types.Log{
		Address: ProtocolAddress,
		Topics: []common.Hash{
			commerceABI.Events[contracts.EventIntentSigned].ID,
			IDTopic(id),
		},
		Data:        pack(contracts.EventIntentSigned, signature),
		BlockNumber: 101,
	}
}

// UnrelatedLog builds a log with a random-looking topic, e.g. an ERC20 Transfer
func UnrelatedLog() *types.Log {
	return &types.Log{
		Address: USDCAddress,
		Topics: []common.Hash{
			common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
			addressTopic(UserAddress),
			addressTopic(ProtocolAddress),
		},
		Data: common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32),
	}
}
