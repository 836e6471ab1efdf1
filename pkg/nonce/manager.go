// Package nonce allocates transaction nonces for the relayer account and tracks the transactions sent with them.
package nonce

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Source reports the next nonce the node expects for an account
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TransactionStatus represents the status of a transaction
type TransactionStatus int

const (
	// TxPending indicates transaction is pending
	TxPending TransactionStatus = iota
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
	// TxTimedOut indicates transaction has timed out
	TxTimedOut
)

// resyncInterval is how long an allocated counter is trusted before asking the node again
const resyncInterval = 5 * time.Minute

// TransactionRecord tracks details about a transaction
type TransactionRecord struct {
	Hash      common.Hash
	Nonce     uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    TransactionStatus
}

// Manager handles nonce allocation and tracking
type Manager struct {
	// Per-chain data structures
	chains map[int]*chainNonceData
	// Global lock for accessing chains map
	mu        sync.Mutex
	txTimeout time.Duration
	logger    logger.Logger
	now       func() time.Time
}

// chainNonceData holds nonce data for a specific chain
type chainNonceData struct {
	currentNonce uint64
	// pending transactions by nonce
	pendingTxs map[uint64]*TransactionRecord
	// allocated nonces handed back below currentNonce, reused lowest first
	released map[uint64]struct{}
	// Last time nonce was synchronized with the blockchain
	lastSync time.Time
	mu       sync.Mutex
}

// NewManager creates a new nonce manager
func NewManager(logger logger.Logger) *Manager {
	return &Manager{
		chains:    make(map[int]*chainNonceData),
		txTimeout: 5 * time.Minute, // Default timeout of 5 minutes
		logger:    logger,
		now:       time.Now,
	}
}

// SetTransactionTimeout sets how long a sent transaction may stay pending before it is reported as timed out
func (m *Manager) SetTransactionTimeout(timeout time.Duration) {
	m.txTimeout = timeout
}

// chain returns the data of chainID, creating it on first use
func (m *Manager) chain(chainID int) *chainNonceData {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.chains[chainID]
	if !exists {
		data = &chainNonceData{
			pendingTxs: make(map[uint64]*TransactionRecord),
			released:   make(map[uint64]struct{}),
		}
		m.chains[chainID] = data
	}
	return data
}

// GetNonce reserves and returns the next available nonce
func (m *Manager) GetNonce(ctx context.Context, chainID int, source Source, address common.Address) (uint64, error) {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	if data.lastSync.IsZero() || m.now().Sub(data.lastSync) > resyncInterval {
		if err := m.syncLocked(ctx, chainID, data, source, address); err != nil {
			return 0, err
		}
	}

	if nonce, ok := lowestReleasedNonce(data); ok {
		delete(data.released, nonce)
		m.logger.DebugWithChain(chainID, "Reusing released nonce %d", nonce)
		return nonce, nil
	}

	nonce := data.currentNonce
	data.currentNonce++
	return nonce, nil
}

// TrackTransaction records a new transaction
func (m *Manager) TrackTransaction(chainID int, txHash common.Hash, nonce uint64) {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	now := m.now()
	data.pendingTxs[nonce] = &TransactionRecord{
		Hash:      txHash,
		Nonce:     nonce,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    TxPending,
	}
	m.logger.DebugWithChain(chainID, "Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// MarkTransactionConfirmed marks a transaction as confirmed
func (m *Manager) MarkTransactionConfirmed(chainID int, nonce uint64) bool {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	tx, exists := data.pendingTxs[nonce]
	if !exists {
		m.logger.DebugWithChain(chainID, "No pending transaction found for nonce %d", nonce)
		return false
	}

	tx.Status = TxConfirmed
	tx.UpdatedAt = m.now()
	delete(data.pendingTxs, nonce)
	return true
}

// MarkTransactionFailed settles a transaction the node dropped without mining it.
// Its nonce was never consumed, so it is handed out again. Returns false for an untracked nonce.
func (m *Manager) MarkTransactionFailed(chainID int, nonce uint64) bool {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	tx, exists := data.pendingTxs[nonce]
	if !exists {
		m.logger.DebugWithChain(chainID, "No pending transaction found for nonce %d", nonce)
		return false
	}

	tx.Status = TxFailed
	tx.UpdatedAt = m.now()
	delete(data.pendingTxs, nonce)
	releaseLocked(data, nonce)
	m.logger.NoticeWithChain(chainID, "Transaction %s dropped, nonce %d will be reused", tx.Hash.Hex(), nonce)
	return true
}

// ReleaseNonce returns a nonce that was allocated but never used in a sent transaction
func (m *Manager) ReleaseNonce(chainID int, nonce uint64) {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	if _, pending := data.pendingTxs[nonce]; pending {
		return
	}
	if nonce >= data.currentNonce {
		return
	}
	releaseLocked(data, nonce)
}

// releaseLocked queues nonce for reuse. Released nonces at the top of the counter shrink it instead.
func releaseLocked(data *chainNonceData, nonce uint64) {
	data.released[nonce] = struct{}{}
	for data.currentNonce > 0 {
		top := data.currentNonce - 1
		if _, ok := data.released[top]; !ok {
			break
		}
		delete(data.released, top)
		data.currentNonce = top
	}
}

// FindTimeoutTransactions returns the pending transactions older than the timeout.
// They stay tracked until confirmed or marked failed, so each call reports them again.
func (m *Manager) FindTimeoutTransactions(chainID int) []TransactionRecord {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	now := m.now()
	var timedOut []TransactionRecord
	for nonce, tx := range data.pendingTxs {
		if now.Sub(tx.CreatedAt) <= m.txTimeout {
			continue
		}
		if tx.Status == TxPending {
			tx.Status = TxTimedOut
			tx.UpdatedAt = now
			m.logger.NoticeWithChain(chainID, "Transaction timed out, nonce %d: %s", nonce, tx.Hash.Hex())
		}
		timedOut = append(timedOut, *tx)
	}
	sort.Slice(timedOut, func(i, j int) bool { return timedOut[i].Nonce < timedOut[j].Nonce })
	return timedOut
}

func (m *Manager) syncLocked(ctx context.Context, chainID int, data *chainNonceData, source Source, address common.Address) error {
	nonce, err := source.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}

	// If our tracked nonce is behind, update it
	if nonce > data.currentNonce {
		m.logger.DebugWithChain(chainID, "Updating nonce: %d -> %d", data.currentNonce, nonce)
		data.currentNonce = nonce
	}
	// the node already holds transactions for these
	for n := range data.released {
		if n < nonce {
			delete(data.released, n)
		}
	}
	data.lastSync = m.now()
	return nil
}

// lowestReleasedNonce finds the lowest nonce waiting for reuse
func lowestReleasedNonce(data *chainNonceData) (uint64, bool) {
	var lowest uint64
	found := false
	for nonce := range data.released {
		if !found || nonce < lowest {
			lowest = nonce
			found = true
		}
	}
	return lowest, found
}

// GetPendingTransactionsCount returns the number of pending transactions for a chain
func (m *Manager) GetPendingTransactionsCount(chainID int) int {
	data := m.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	return len(data.pendingTxs)
}
