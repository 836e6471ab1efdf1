package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/chains"
	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/joho/godotenv"
)

// Config holds the configuration for the relayer service
type Config struct {
	Network                 string
	ChainID                 int
	RPCURL                  string
	CommerceProtocolAddress string
	USDCAddress             string
	PrivateKey              string
	Backend                 BackendConfig
	HealthMonitor           healthmonitor.Config
	WorkerCount             int
	JobTimeout              time.Duration
	ReceiptPollInterval     time.Duration
	MetricsPort             string
	MetricsAPIKey           string
	MaxRetries              int
	MaxGasPrice             *big.Int
	GasMultiplier           float64
	Storage                 StorageConfig
	LoggerConfig            LoggerConfig
}

// BackendConfig holds the configuration of the signing backend client
type BackendConfig struct {
	Endpoint              string
	JWTSecret             string
	RateLimit             float64
	SignaturePollInterval time.Duration
	SignatureTimeout      time.Duration
}

// StorageConfig selects the intent store. An empty DatabaseURL keeps intents in memory.
type StorageConfig struct {
	DatabaseURL    string
	MigrationsPath string
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	network, err := GetEnvNetwork()
	if err != nil {
		return nil, err
	}
	chainID := ChainIDForNetwork(network)

	var deployment *Deployment
	if path := os.Getenv("DEPLOYMENT_FILE"); path != "" {
		deployment, err = LoadDeployment(path)
		if err != nil {
			return nil, err
		}
	}
	deployed := deployment.Chain(chainID)

	rpcFallback := deployed.RPCURL
	if rpcFallback == "" {
		rpcFallback = DefaultRPCURL(chainID)
	}
	rpcURL, err := GetEnvRPCURL(rpcFallback)
	if err != nil {
		return nil, err
	}

	protocolAddress, err := GetEnvCommerceProtocolAddress(deployed.CommerceProtocol)
	if err != nil {
		return nil, err
	}

	usdc := deployed.USDC
	if usdc == "" {
		usdc = chains.GetUSDCAddress(chainID)
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	monitorCfg, err := loadHealthMonitorConfig()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	jobTimeout, err := getEnvDuration("JOB_TIMEOUT", DefaultJobTimeout)
	if err != nil {
		return nil, err
	}

	receiptPoll, err := getEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval)
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	maxRetries, err := GetEnvMaxRetries()
	if err != nil {
		return nil, err
	}

	maxGasPrice, err := GetEnvMaxGasPrice()
	if err != nil {
		return nil, err
	}

	gasMultiplier, err := GetEnvGasMultiplier()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = DefaultMigrationsPath
	}

	cfg := &Config{
		Network:                 network,
		ChainID:                 chainID,
		RPCURL:                  rpcURL,
		CommerceProtocolAddress: protocolAddress,
		USDCAddress:             usdc,
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		Backend:                 backend,
		HealthMonitor:           monitorCfg,
		WorkerCount:             workerCount,
		JobTimeout:              jobTimeout,
		ReceiptPollInterval:     receiptPoll,
		MetricsPort:             metricsPort,
		MetricsAPIKey:           os.Getenv("METRICS_API_KEY"),
		MaxRetries:              maxRetries,
		MaxGasPrice:             maxGasPrice,
		GasMultiplier:           gasMultiplier,
		Storage: StorageConfig{
			DatabaseURL:    os.Getenv("DATABASE_URL"),
			MigrationsPath: migrationsPath,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadBackendConfig() (BackendConfig, error) {
	endpoint, err := GetEnvBackendEndpoint()
	if err != nil {
		return BackendConfig{}, err
	}

	rateLimit, err := GetEnvBackendRateLimit()
	if err != nil {
		return BackendConfig{}, err
	}

	pollInterval, err := getEnvDuration("SIGNATURE_POLL_INTERVAL", DefaultSignaturePollInterval)
	if err != nil {
		return BackendConfig{}, err
	}

	timeout, err := getEnvDuration("SIGNATURE_TIMEOUT", DefaultSignatureTimeout)
	if err != nil {
		return BackendConfig{}, err
	}

	return BackendConfig{
		Endpoint:              endpoint,
		JWTSecret:             os.Getenv("BACKEND_JWT_SECRET"),
		RateLimit:             rateLimit,
		SignaturePollInterval: pollInterval,
		SignatureTimeout:      timeout,
	}, nil
}

// loadHealthMonitorConfig overlays the HEALTH_* variables on the monitor defaults
func loadHealthMonitorConfig() (healthmonitor.Config, error) {
	cfg := healthmonitor.DefaultConfig()
	var err error

	if cfg.MaxConsecutiveFailures, err = getEnvPositiveInt("HEALTH_MAX_CONSECUTIVE_FAILURES", cfg.MaxConsecutiveFailures); err != nil {
		return cfg, err
	}
	if cfg.CircuitBreakerEnabled, err = getEnvBool("HEALTH_CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerEnabled); err != nil {
		return cfg, err
	}
	if cfg.CircuitBreakerTimeout, err = getEnvDuration("HEALTH_CIRCUIT_BREAKER_TIMEOUT", cfg.CircuitBreakerTimeout); err != nil {
		return cfg, err
	}
	if cfg.BaseRetryDelay, err = getEnvDuration("HEALTH_BASE_RETRY_DELAY", cfg.BaseRetryDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMultiplier, err = getEnvFloat("HEALTH_RETRY_MULTIPLIER", cfg.RetryMultiplier, 1, 10); err != nil {
		return cfg, err
	}
	if cfg.MaxRetryDelay, err = getEnvDuration("HEALTH_MAX_RETRY_DELAY", cfg.MaxRetryDelay); err != nil {
		return cfg, err
	}
	if cfg.HealthCheckInterval, err = getEnvDuration("HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = getEnvDuration("HEALTH_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.MinSuccessRate, err = getEnvFloat("HEALTH_MIN_SUCCESS_RATE", cfg.MinSuccessRate, 0, 1); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid health monitor configuration: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY environment variable is required")
	}
	if cfg.CommerceProtocolAddress == "" {
		return fmt.Errorf("COMMERCE_PROTOCOL_ADDRESS for chain %d is required", cfg.ChainID)
	}
	if cfg.Backend.SignaturePollInterval >= cfg.Backend.SignatureTimeout {
		return fmt.Errorf("SIGNATURE_POLL_INTERVAL (%s) must be shorter than SIGNATURE_TIMEOUT (%s)",
			cfg.Backend.SignaturePollInterval, cfg.Backend.SignatureTimeout)
	}
	return nil
}
