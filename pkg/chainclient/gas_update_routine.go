package chainclient

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/chains"
	"github.com/contentpay/commerce-relayer/pkg/logger"
)

// GasUpdateRoutine periodically refreshes the gas price of a client and settles stale payments
type GasUpdateRoutine struct {
	client   *Client
	interval time.Duration
	stopChan chan struct{}
	mu       sync.Mutex
	running  bool
	logger   logger.Logger
}

// NewGasUpdateRoutine creates a new gas update routine
func NewGasUpdateRoutine(client *Client, interval time.Duration) *GasUpdateRoutine {
	return &GasUpdateRoutine{
		client:   client,
		interval: interval,
		logger:   client.logger,
	}
}

// Start begins the periodic updates. They stop with ctx or Stop.
func (r *GasUpdateRoutine) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return // Already running
	}

	r.stopChan = make(chan struct{})
	r.running = true

	go r.run(ctx, r.stopChan)
}

// Stop halts the periodic updates
func (r *GasUpdateRoutine) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	close(r.stopChan)
	r.stopChan = nil
	r.running = false
}

func (r *GasUpdateRoutine) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Perform initial update
	r.update(ctx)

	for {
		select {
		case <-ticker.C:
			r.update(ctx)
		case <-ctx.Done():
			r.Stop()
			return
		case <-stop:
			return
		}
	}
}

func (r *GasUpdateRoutine) update(ctx context.Context) {
	if dropped := r.client.SweepStaleTransactions(ctx); dropped > 0 {
		r.logger.NoticeWithChain(r.client.ChainID, "%d dropped payment transactions, their nonces will be reused", dropped)
	}

	gasPrice, err := r.client.UpdateGasPrice(ctx)
	if err != nil {
		r.logger.ErrorWithChain(r.client.ChainID, "Failed to update gas price: %v", err)
		return
	}

	r.logger.DebugWithChain(r.client.ChainID, "Gas price %s wei, payment cost about %s wei",
		gasPrice, ComputePaymentCost(gasPrice, chains.GetPaymentGasLimit(r.client.ChainID)))
}

// ComputePaymentCost returns the worst-case cost in wei of a payment transaction: gasPrice * gasLimit
func ComputePaymentCost(gasPrice *big.Int, gasLimit uint64) *big.Int {
	if gasPrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
}
