package chains

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenType identifies a payment token
type TokenType string

const (
	TokenTypeUSDC   TokenType = "USDC"
	TokenTypeNative TokenType = "ETH"
)

// NativeTokenAddress is the payment token address used for payments in the chain's native currency
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

// usdcAddresses maps chain IDs to USDC contract addresses
var usdcAddresses = map[int]string{
	8453:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	84532:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	1:        "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	11155111: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
}

var tokenDecimals = map[TokenType]int{
	TokenTypeUSDC:   6,
	TokenTypeNative: 18,
}

// GetUSDCAddress returns the USDC contract address for a given chain ID
func GetUSDCAddress(chainID int) string {
	address, exists := usdcAddresses[chainID]
	if !exists {
		return ""
	}
	return address
}

// GetTokenType returns the token type for a payment token address on chainID, or "" if unknown
func GetTokenType(chainID int, address string) TokenType {
	if strings.EqualFold(address, NativeTokenAddress) {
		return TokenTypeNative
	}
	if usdc, ok := usdcAddresses[chainID]; ok && strings.EqualFold(usdc, address) {
		return TokenTypeUSDC
	}
	return ""
}

// GetTokenDecimals returns the decimals of the token type, 0 if unknown
func GetTokenDecimals(tokenType TokenType) int {
	return tokenDecimals[tokenType]
}

// GetStandardizedAmount converts a base unit amount to a float in whole tokens
func GetStandardizedAmount(amount *big.Int, tokenType TokenType) (float64, error) {
	if amount == nil {
		return 0, fmt.Errorf("amount is nil")
	}
	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %s", amount)
	}
	decimals, ok := tokenDecimals[tokenType]
	if !ok {
		return 0, fmt.Errorf("unknown token type %q", tokenType)
	}

	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	result, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), divisor).Float64()
	return result, nil
}
