package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/chains"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
)

const (
	mainnet = "mainnet"
	testnet = "testnet"

	// DefaultNetwork is the default blockchain network to connect to
	DefaultNetwork = mainnet

	// DefaultWorkerCount defines the default number of workers processing purchases
	DefaultWorkerCount = 5

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultMaxRetries defines the maximum number of retries for a failed purchase
	DefaultMaxRetries = 3

	// DefaultMaxGasPrice defines the maximum gas price for transactions
	DefaultMaxGasPrice = "50000000000" // 50 Gwei

	// DefaultGasMultiplier is applied to the suggested gas price
	DefaultGasMultiplier = 1.1

	// DefaultJobTimeout bounds the processing of a single purchase
	DefaultJobTimeout = 10 * time.Minute

	// DefaultBackendEndpoint defines the default signing backend
	DefaultBackendEndpoint = "http://localhost:3000"

	// DefaultBackendRateLimit defines the backend requests per second
	DefaultBackendRateLimit = 5.0

	// DefaultSignaturePollInterval is the wait between signature polls while the backend reports pending
	DefaultSignaturePollInterval = 2 * time.Second

	// DefaultSignatureTimeout bounds the signature stage of a purchase
	DefaultSignatureTimeout = 5 * time.Minute

	// DefaultReceiptPollInterval is the wait between transaction receipt polls
	DefaultReceiptPollInterval = 2 * time.Second

	// DefaultMigrationsPath is where the postgres migrations live
	DefaultMigrationsPath = "migrations"

	// Network specific values

	// Base

	DefaultBaseRPCURL        = "https://mainnet.base.org"
	DefaultBaseSepoliaRPCURL = "https://sepolia.base.org"
)

// GetEnvNetwork returns the configured network from environment variables or defaults to mainnet
func GetEnvNetwork() (string, error) {
	network := os.Getenv("NETWORK")
	if network == "" {
		network = DefaultNetwork
	}

	if network != mainnet && network != testnet {
		return "", fmt.Errorf("invalid NETWORK value: %s, must be 'mainnet' or 'testnet'", network)
	}

	return network, nil
}

// ChainIDForNetwork returns the Base chain ID for the network
func ChainIDForNetwork(network string) int {
	if network == testnet {
		return chains.BaseSepoliaChainID
	}
	return chains.BaseMainnetChainID
}

// DefaultRPCURL returns the public RPC URL for the chain
func DefaultRPCURL(chainID int) string {
	if chainID == chains.BaseSepoliaChainID {
		return DefaultBaseSepoliaRPCURL
	}
	return DefaultBaseRPCURL
}

// GetEnvRPCURL returns the RPC URL from environment variables, or fallback when unset
func GetEnvRPCURL(fallback string) (string, error) {
	rpc := os.Getenv("RPC_URL")
	if rpc == "" {
		return fallback, nil
	}

	if _, err := url.ParseRequestURI(rpc); err != nil {
		return "", fmt.Errorf("invalid RPC_URL value: %s, must be a valid URL", rpc)
	}
	return rpc, nil
}

// GetEnvCommerceProtocolAddress returns the commerce protocol address from environment variables, or fallback when unset
func GetEnvCommerceProtocolAddress(fallback string) (string, error) {
	address := os.Getenv("COMMERCE_PROTOCOL_ADDRESS")
	if address == "" {
		address = fallback
	}
	if address == "" {
		return "", nil
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid COMMERCE_PROTOCOL_ADDRESS value: %s, must be a valid Ethereum address", address)
	}
	return address, nil
}

// GetEnvWorkerCount returns the number of workers from environment variables
func GetEnvWorkerCount() (int, error) {
	workerCount := os.Getenv("WORKER_COUNT")
	if workerCount == "" {
		return DefaultWorkerCount, nil
	}

	count, err := strconv.Atoi(workerCount)
	if err != nil {
		return 0, fmt.Errorf("invalid WORKER_COUNT value: %s, must be an integer", workerCount)
	}
	if count <= 0 {
		return 0, fmt.Errorf("WORKER_COUNT must be greater than 0")
	}
	return count, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvMaxRetries returns the maximum number of retries from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt < 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than or equal to 0")
	}
	return maxRetriesInt, nil
}

// GetEnvMaxGasPrice returns the maximum gas price from environment variables
func GetEnvMaxGasPrice() (*big.Int, error) {
	maxGasPrice := os.Getenv("MAX_GAS_PRICE")
	if maxGasPrice == "" {
		maxGasPrice = DefaultMaxGasPrice
	}

	maxGasPriceBig := new(big.Int)
	if _, ok := maxGasPriceBig.SetString(maxGasPrice, 10); !ok {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE value: %s, must be a valid integer string", maxGasPrice)
	}

	if maxGasPriceBig.Cmp(big.NewInt(0)) < 0 {
		return nil, fmt.Errorf("MAX_GAS_PRICE must be greater than or equal to 0")
	}
	return maxGasPriceBig, nil
}

// GetEnvGasMultiplier returns the gas price multiplier from environment variables
func GetEnvGasMultiplier() (float64, error) {
	return getEnvFloat("GAS_MULTIPLIER", DefaultGasMultiplier, 1, 10)
}

// GetEnvBackendEndpoint returns the signing backend endpoint from environment variables
func GetEnvBackendEndpoint() (string, error) {
	endpoint := os.Getenv("BACKEND_ENDPOINT")
	if endpoint == "" {
		return DefaultBackendEndpoint, nil
	}

	// Validate URL format
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", fmt.Errorf("invalid BACKEND_ENDPOINT value: %s, must be a valid URL", endpoint)
	}
	return strings.TrimRight(endpoint, "/"), nil
}

// GetEnvBackendRateLimit returns the backend requests per second from environment variables
func GetEnvBackendRateLimit() (float64, error) {
	return getEnvFloat("BACKEND_RATE_LIMIT", DefaultBackendRateLimit, 0.01, 1000)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return logger.InfoLevel, nil
	}

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log output is colored from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

// getEnvDuration reads a duration such as "30s" or a whole number of seconds
func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("%s must be greater than 0", name)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvFloat(name string, def, min, max float64) (float64, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a number", name, value)
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("%s must be between %v and %v, got %v", name, min, max, parsed)
	}
	return parsed, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}
