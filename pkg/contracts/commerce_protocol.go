package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event and method names of the commerce protocol
const (
	EventPaymentIntentCreated  = "PaymentIntentCreated"
	EventIntentReadyForSigning = "IntentReadyForSigning"
	EventIntentSigned          = "IntentSigned"

	MethodExecutePaymentWithSignature = "executePaymentWithSignature"
)

// CommerceProtocolABI is the subset of the commerce protocol ABI the relayer consumes
const CommerceProtocolABI = `[
	{
		"inputs": [
			{
				"internalType": "bytes16",
				"name": "intentId",
				"type": "bytes16"
			}
		],
		"name": "executePaymentWithSignature",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes16", "name": "intentId", "type": "bytes16"},
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "creator", "type": "address"},
			{"indexed": false, "internalType": "uint8", "name": "paymentType", "type": "uint8"},
			{"indexed": false, "internalType": "uint256", "name": "totalAmount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "creatorAmount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "platformFee", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "operatorFee", "type": "uint256"},
			{"indexed": false, "internalType": "address", "name": "paymentToken", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "expectedAmount", "type": "uint256"}
		],
		"name": "PaymentIntentCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes16", "name": "intentId", "type": "bytes16"},
			{"indexed": false, "internalType": "bytes32", "name": "intentHash", "type": "bytes32"},
			{"indexed": false, "internalType": "uint256", "name": "deadline", "type": "uint256"}
		],
		"name": "IntentReadyForSigning",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes16", "name": "intentId", "type": "bytes16"},
			{"indexed": false, "internalType": "bytes", "name": "signature", "type": "bytes"}
		],
		"name": "IntentSigned",
		"type": "event"
	}
]`

var (
	parsedABI     abi.ABI
	parsedABIErr  error
	parsedABIOnce sync.Once
)

// CommerceABI returns the parsed commerce protocol ABI
func CommerceABI() (abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABI, parsedABIErr = abi.JSON(strings.NewReader(CommerceProtocolABI))
	})
	return parsedABI, parsedABIErr
}

// MustCommerceABI is CommerceABI for package-level initialisation
func MustCommerceABI() abi.ABI {
	parsed, err := CommerceABI()
	if err != nil {
		panic(fmt.Sprintf("invalid commerce protocol ABI: %v", err))
	}
	return parsed
}

// CommerceProtocol is a Go binding around the commerce protocol contract
type CommerceProtocol struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewCommerceProtocol creates a new binding bound to a deployed contract
func NewCommerceProtocol(address common.Address, backend bind.ContractBackend) (*CommerceProtocol, error) {
	parsed, err := CommerceABI()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &CommerceProtocol{address: address, contract: contract}, nil
}

// Address returns the contract address
func (c *CommerceProtocol) Address() common.Address {
	return c.address
}

// ExecutePaymentWithSignature submits the payment for an intent whose signature is registered on-chain.
//
// Solidity: function executePaymentWithSignature(bytes16 intentId) returns()
func (c *CommerceProtocol) ExecutePaymentWithSignature(opts *bind.TransactOpts, intentID [16]byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, MethodExecutePaymentWithSignature, intentID)
}
