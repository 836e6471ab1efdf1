package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/backend"
	"github.com/contentpay/commerce-relayer/pkg/chainclient"
	"github.com/contentpay/commerce-relayer/pkg/chains"
	"github.com/contentpay/commerce-relayer/pkg/config"
	"github.com/contentpay/commerce-relayer/pkg/health"
	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/intents"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/purchase"
	"github.com/contentpay/commerce-relayer/pkg/store"
	"github.com/ethereum/go-ethereum/common"
)

const gasUpdateInterval = 30 * time.Second

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	protocolAddress := common.HexToAddress(cfg.CommerceProtocolAddress)
	chain, err := chainclient.New(ctx, chainclient.Options{
		RPCURL:             cfg.RPCURL,
		ProtocolAddress:    protocolAddress,
		PrivateKey:         cfg.PrivateKey,
		MaxGasPrice:        cfg.MaxGasPrice,
		GasMultiplier:      cfg.GasMultiplier,
		TransactionTimeout: cfg.JobTimeout,
	}, appLogger)
	if err != nil {
		log.Fatalf("Failed to create chain client: %v", err)
	}
	defer chain.Close()
	if chain.ChainID != cfg.ChainID {
		log.Fatalf("RPC %s serves chain %d, expected %d for network %s", cfg.RPCURL, chain.ChainID, cfg.ChainID, cfg.Network)
	}
	if !chains.IsSupported(chain.ChainID) {
		log.Fatalf("Chain %d is not supported", chain.ChainID)
	}
	if chains.IsTestnet(chain.ChainID) {
		appLogger.NoticeWithChain(chain.ChainID, "Running against testnet %s", chains.GetChainName(chain.ChainID))
	}

	backendClient := backend.New(cfg.Backend.Endpoint, cfg.Backend.JWTSecret, cfg.Backend.RateLimit, appLogger)
	monitor := healthmonitor.NewMonitor(cfg.HealthMonitor, backendClient.HealthURL(), appLogger)

	intentStore, err := openStore(ctx, cfg.Storage, appLogger)
	if err != nil {
		log.Fatalf("Failed to open intent store: %v", err)
	}
	tracker := purchase.NewTracker(intentStore, appLogger)
	defer func() {
		if err := tracker.Close(); err != nil {
			appLogger.Error("Failed to close intent store: %v", err)
		}
	}()

	orchestrator := purchase.NewOrchestrator(
		chain,
		backendClient,
		monitor,
		tracker,
		&intents.Extractor{Contract: &protocolAddress},
		purchase.Config{
			ChainID:               chain.ChainID,
			ReceiptPollInterval:   cfg.ReceiptPollInterval,
			SignaturePollInterval: cfg.Backend.SignaturePollInterval,
			SignatureTimeout:      cfg.Backend.SignatureTimeout,
		},
		appLogger,
	)

	// Create the purchase service
	service := purchase.NewService(orchestrator, tracker, purchase.ServiceOptions{
		Workers:    cfg.WorkerCount,
		JobTimeout: cfg.JobTimeout,
		MaxRetries: cfg.MaxRetries,
	}, appLogger).
		WithHealthMonitor(monitor).
		WithGasUpdater(chainclient.NewGasUpdateRoutine(chain, gasUpdateInterval))

	server := health.NewServer(cfg.MetricsPort, chain.ChainID, chain, monitor, service, tracker, cfg.MetricsAPIKey, appLogger)
	go func() {
		if err := server.Start(); err != nil {
			appLogger.Error("%v", err)
		}
	}()

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		appLogger.Notice("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	// Start the service
	appLogger.Info("Starting the purchase relayer on chain %d, protocol %s", chain.ChainID, protocolAddress.Hex())
	service.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Failed to stop health server: %v", err)
	}
}

// openStore returns the postgres store when a database is configured, the in-memory store otherwise
func openStore(ctx context.Context, cfg config.StorageConfig, appLogger logger.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		appLogger.Notice("DATABASE_URL not set, purchases are tracked in memory only")
		return store.NewMemoryStore(), nil
	}
	if err := store.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, appLogger); err != nil {
		return nil, err
	}
	return store.NewPostgresStore(ctx, cfg.DatabaseURL, appLogger)
}
