package purchase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/intents/testutil"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/contentpay/commerce-relayer/pkg/store"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain serves receipts from memory and mines payments instantly
type fakeChain struct {
	mu sync.Mutex

	receipts map[common.Hash]*types.Receipt
	// misses makes the first n lookups of a hash return NotFound
	misses map[common.Hash]int
	// emptyLookups makes the first n lookups of a hash return a receipt without logs
	emptyLookups map[common.Hash]int

	sent          [][]byte
	sendErr       error
	executeErr    error
	executed      []models.IntentID
	paymentStatus uint64
	waitErr       error
	nextNonce     uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		receipts:      make(map[common.Hash]*types.Receipt),
		misses:        make(map[common.Hash]int),
		emptyLookups:  make(map[common.Hash]int),
		paymentStatus: types.ReceiptStatusSuccessful,
	}
}

func (c *fakeChain) addReceipt(hash common.Hash, status uint64, logs ...*types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, Logs: logs}
}

func (c *fakeChain) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return common.Hash{}, c.sendErr
	}
	c.sent = append(c.sent, raw)
	return RawTxHash(raw)
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.misses[hash] > 0 {
		c.misses[hash]--
		return nil, ethereum.NotFound
	}
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *receipt
	cp.Logs = append([]*types.Log(nil), receipt.Logs...)
	if c.emptyLookups[hash] > 0 {
		c.emptyLookups[hash]--
		cp.Logs = nil
	}
	return &cp, nil
}

func (c *fakeChain) ExecuteSignedPayment(_ context.Context, intentID [16]byte) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executeErr != nil {
		return nil, c.executeErr
	}
	c.executed = append(c.executed, models.IntentID(intentID))
	tx := types.NewTx(&types.LegacyTx{Nonce: c.nextNonce, To: &testutil.ProtocolAddress, Data: intentID[:]})
	c.nextNonce++
	return tx, nil
}

func (c *fakeChain) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitErr != nil {
		return nil, c.waitErr
	}
	receipt := &types.Receipt{Status: c.paymentStatus, TxHash: tx.Hash()}
	c.receipts[tx.Hash()] = receipt
	return receipt, nil
}

func (c *fakeChain) executions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.executed)
}

// fakeBackend replays scripted answers; the last one repeats
type fakeBackend struct {
	mu      sync.Mutex
	answers []backendAnswer
	calls   int
}

type backendAnswer struct {
	status *models.SignatureStatus
	err    error
}

func (b *fakeBackend) FetchSignatureStatus(_ context.Context, intentID models.IntentID) (*models.SignatureStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	if i >= len(b.answers) {
		i = len(b.answers) - 1
	}
	b.calls++
	answer := b.answers[i]
	if answer.err != nil {
		return nil, answer.err
	}
	status := *answer.status
	status.IntentID = intentID.Hex()
	return &status, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func pending() backendAnswer {
	return backendAnswer{status: &models.SignatureStatus{Status: models.SignaturePending}}
}

func signed(sig string) backendAnswer {
	return backendAnswer{status: &models.SignatureStatus{Status: models.SignatureSigned, Signature: sig}}
}

func failing() backendAnswer {
	return backendAnswer{err: errors.New("backend exploded")}
}

func fastMonitor() *healthmonitor.Monitor {
	cfg := healthmonitor.DefaultConfig()
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.RequestTimeout = time.Second
	return healthmonitor.NewMonitor(cfg, "", &logger.EmptyLogger{})
}

type harness struct {
	chain   *fakeChain
	backend *fakeBackend
	monitor *healthmonitor.Monitor
	tracker *Tracker
	orch    *Orchestrator
}

func newHarness(answers ...backendAnswer) *harness {
	h := &harness{
		chain:   newFakeChain(),
		backend: &fakeBackend{answers: answers},
		monitor: fastMonitor(),
		tracker: NewTracker(store.NewMemoryStore(), &logger.EmptyLogger{}),
	}
	h.orch = NewOrchestrator(h.chain, h.backend, h.monitor, h.tracker, nil, Config{
		ChainID:               8453,
		ReceiptPollInterval:   time.Millisecond,
		SignaturePollInterval: time.Millisecond,
		SignatureTimeout:      time.Second,
	}, &logger.EmptyLogger{})
	return h
}
