package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/contentpay/commerce-relayer/pkg/purchase"
	"github.com/contentpay/commerce-relayer/pkg/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 1 << 20

// ChainStatus is the view of the settlement chain the server reports on
type ChainStatus interface {
	IsConnected(ctx context.Context) bool
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	CurrentGasPrice() *big.Int
	PendingTransactions() int
}

// BackendStatus is the view of the signing backend monitor
type BackendStatus interface {
	IsBackendAvailable() bool
	GetMetrics() healthmonitor.Metrics
	Reset()
}

// PurchaseQueue accepts purchase jobs
type PurchaseQueue interface {
	Submit(job models.PurchaseJob) (string, error)
	QueueSize() int
}

// PurchaseLookup resolves a job id or intent id to its tracked record
type PurchaseLookup interface {
	Lookup(ctx context.Context, key string) (*models.PurchaseRecord, error)
}

// Server represents the health, admin and purchase intake HTTP server
type Server struct {
	port          string
	chainID       int
	chain         ChainStatus
	backend       BackendStatus
	purchases     PurchaseQueue
	lookup        PurchaseLookup
	metricsAPIKey string
	logger        logger.Logger
	idempotency   *idempotencyCache
	httpServer    *http.Server
}

// NewServer creates a new health check server
func NewServer(
	port string,
	chainID int,
	chain ChainStatus,
	backend BackendStatus,
	purchases PurchaseQueue,
	lookup PurchaseLookup,
	metricsAPIKey string,
	logger logger.Logger,
) *Server {
	s := &Server{
		port:          port,
		chainID:       chainID,
		chain:         chain,
		backend:       backend,
		purchases:     purchases,
		lookup:        lookup,
		metricsAPIKey: metricsAPIKey,
		logger:        logger,
		idempotency:   newIdempotencyCache(defaultIdempotencyTTL),
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /circuit/reset", s.handleCircuitReset)
	mux.HandleFunc("POST /purchases", s.idempotent(s.handleSubmitPurchase))
	mux.HandleFunc("GET /purchases/{id}", s.handleGetPurchase)
	mux.Handle("GET /metrics", s.metricsAuthMiddleware(promhttp.Handler()))
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting health and metrics server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for the active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.chain.IsConnected(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(fmt.Sprintf("Chain %d client not connected", s.chainID)))
		return
	}
	if !s.backend.IsBackendAvailable() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Signing backend unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	backend := s.backend.GetMetrics()

	circuitStatus := "closed"
	if backend.CircuitBreakerOpen {
		circuitStatus = "open"
	}

	chainStatus := map[string]interface{}{
		"chain_id":             s.chainID,
		"connected":            s.chain.IsConnected(r.Context()),
		"pending_transactions": s.chain.PendingTransactions(),
	}
	if blockNumber, err := s.chain.GetLatestBlockNumber(r.Context()); err == nil {
		chainStatus["latest_block"] = blockNumber
	}
	if gasPrice := s.chain.CurrentGasPrice(); gasPrice != nil {
		chainStatus["gas_price"] = gasPrice.String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":      chainStatus,
		"backend":    backend,
		"circuit":    circuitStatus,
		"queue_size": s.purchases.QueueSize(),
	}, s.logger)
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, _ *http.Request) {
	s.backend.Reset()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Backend circuit breaker reset"))
}

type submitRequest struct {
	TxHash string `json:"tx_hash"`
	RawTx  string `json:"raw_tx"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleSubmitPurchase(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := parseSubmitRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.purchases.Submit(job)
	switch {
	case errors.Is(err, purchase.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info("Accepted purchase %s as job %s", job.TxHash.Hex(), jobID)
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, TxHash: job.TxHash.Hex()}, s.logger)
}

// parseSubmitRequest accepts exactly one of a transaction hash or a signed raw transaction
func parseSubmitRequest(req submitRequest) (models.PurchaseJob, error) {
	switch {
	case req.TxHash != "" && req.RawTx != "":
		return models.PurchaseJob{}, errors.New("set either tx_hash or raw_tx, not both")
	case req.RawTx != "":
		raw, err := hexutil.Decode(req.RawTx)
		if err != nil {
			return models.PurchaseJob{}, fmt.Errorf("invalid raw_tx: %w", err)
		}
		hash, err := purchase.RawTxHash(raw)
		if err != nil {
			return models.PurchaseJob{}, err
		}
		return models.PurchaseJob{TxHash: hash, RawTx: raw}, nil
	case req.TxHash != "":
		decoded, err := hexutil.Decode(req.TxHash)
		if err != nil || len(decoded) != common.HashLength {
			return models.PurchaseJob{}, errors.New("invalid tx_hash, expected 0x followed by 64 hex characters")
		}
		return models.PurchaseJob{TxHash: common.BytesToHash(decoded)}, nil
	default:
		return models.PurchaseJob{}, errors.New("tx_hash or raw_tx is required")
	}
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.lookup.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("purchase %s not found", id))
		return
	case err != nil:
		s.logger.Error("Failed to look up purchase %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to look up purchase")
		return
	}
	writeJSON(w, http.StatusOK, rec, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
