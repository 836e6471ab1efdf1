package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/chains"
	"github.com/contentpay/commerce-relayer/pkg/contracts"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/metrics"
	"github.com/contentpay/commerce-relayer/pkg/nonce"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the RPC surface the client needs. *ethclient.Client and the simulated backend client implement it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
}

// dropCheckTimeout bounds the lookup that decides whether an unmined transaction was dropped
const dropCheckTimeout = 5 * time.Second

// Options configures a Client
type Options struct {
	RPCURL          string
	ProtocolAddress common.Address
	PrivateKey      string
	MaxGasPrice     *big.Int
	GasMultiplier   float64
	// TransactionTimeout is how long a payment may stay unmined before it is checked for a drop
	TransactionTimeout time.Duration
}

// Client contains client and config information for the settlement chain
type Client struct {
	ChainID         int
	RPCURL          string
	ProtocolAddress common.Address
	MaxGasPrice     *big.Int
	GasMultiplier   float64
	Backend         Backend
	Protocol        *contracts.CommerceProtocol
	Auth            *bind.TransactOpts
	Nonces          *nonce.Manager

	mu              sync.RWMutex
	currentGasPrice *big.Int
	logger          logger.Logger
	closer          func()
}

// New dials the RPC endpoint and creates a new client
func New(ctx context.Context, opts Options, logger logger.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %w", err)
	}

	client, err := NewWithBackend(ctx, rpc, opts, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.closer = rpc.Close
	return client, nil
}

// NewWithBackend creates a client on top of an existing backend
func NewWithBackend(ctx context.Context, backend Backend, opts Options, logger logger.Logger) (*Client, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	// default gas multiplier (10% buffer)
	gasMultiplier := opts.GasMultiplier
	if gasMultiplier <= 0 {
		gasMultiplier = 1.1
	}

	client := &Client{
		ChainID:         int(chainID.Int64()),
		RPCURL:          opts.RPCURL,
		ProtocolAddress: opts.ProtocolAddress,
		MaxGasPrice:     opts.MaxGasPrice,
		GasMultiplier:   gasMultiplier,
		Backend:         backend,
		Nonces:          nonce.NewManager(logger),
		logger:          logger,
	}
	if opts.TransactionTimeout > 0 {
		client.Nonces.SetTransactionTimeout(opts.TransactionTimeout)
	}

	if opts.PrivateKey != "" {
		auth, err := createAuthenticator(opts.PrivateKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("failed to create authenticator: %w", err)
		}
		client.Auth = auth
	}

	protocol, err := contracts.NewCommerceProtocol(opts.ProtocolAddress, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize contract: %w", err)
	}
	client.Protocol = protocol

	return client, nil
}

// Close releases the RPC connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// From returns the relayer account, the zero address when no key is configured
func (c *Client) From() common.Address {
	if c.Auth == nil {
		return common.Address{}
	}
	return c.Auth.From
}

// UpdateGasPrice updates the gas price based on current network conditions
func (c *Client) UpdateGasPrice(ctx context.Context) (*big.Int, error) {
	// Get current gas price from the network
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.Backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	// Apply gas multiplier (e.g. 1.1 = 10% buffer)
	multipliedGasPrice := new(big.Float).Mul(
		new(big.Float).SetInt(gasPrice),
		big.NewFloat(c.GasMultiplier),
	)

	// Convert back to big.Int
	finalGasPrice := new(big.Int)
	multipliedGasPrice.Int(finalGasPrice)

	if c.MaxGasPrice != nil && c.MaxGasPrice.Sign() > 0 && finalGasPrice.Cmp(c.MaxGasPrice) > 0 {
		c.logger.NoticeWithChain(c.ChainID, "Gas price %s wei capped at %s wei", finalGasPrice, c.MaxGasPrice)
		finalGasPrice = new(big.Int).Set(c.MaxGasPrice)
	}

	c.mu.Lock()
	c.currentGasPrice = finalGasPrice
	c.mu.Unlock()

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(finalGasPrice), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(fmt.Sprintf("%d", c.ChainID)).Set(gwei)

	return finalGasPrice, nil
}

// CurrentGasPrice returns the last gas price computed by UpdateGasPrice, nil before the first update
func (c *Client) CurrentGasPrice() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentGasPrice
}

// GetLatestBlockNumber gets the latest block number from the chain
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.Backend.BlockNumber(ctx)
}

// IsConnected reports whether the node answers within a few seconds
func (c *Client) IsConnected(ctx context.Context) bool {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.Backend.BlockNumber(timeoutCtx)
	return err == nil
}

// TransactionReceipt returns the receipt of a mined transaction, ethereum.NotFound while pending
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.Backend.TransactionReceipt(ctx, txHash)
}

// SendRawTransaction broadcasts a signed transaction in its binary encoding
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	if chainID := tx.ChainId(); chainID != nil && chainID.Sign() > 0 && chainID.Int64() != int64(c.ChainID) {
		return common.Hash{}, fmt.Errorf("transaction is for chain %s, connected to %d", chainID, c.ChainID)
	}
	if err := c.Backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return tx.Hash(), nil
}

// ExecuteSignedPayment calls executePaymentWithSignature for a signed intent
func (c *Client) ExecuteSignedPayment(ctx context.Context, intentID [16]byte) (*types.Transaction, error) {
	if c.Auth == nil {
		return nil, fmt.Errorf("no private key configured, cannot send transactions")
	}

	gasPrice, err := c.UpdateGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	n, err := c.Nonces.GetNonce(ctx, c.ChainID, c.Backend, c.Auth.From)
	if err != nil {
		return nil, err
	}

	opts := c.transactOpts(ctx, n, gasPrice, 0)
	tx, err := c.Protocol.ExecutePaymentWithSignature(opts, intentID)
	if err != nil && isEstimationFailure(err) {
		// estimation failed without a revert, try the fixed limit once
		limit := chains.GetPaymentGasLimit(c.ChainID)
		c.logger.NoticeWithChain(c.ChainID, "Gas estimation failed (%v), retrying with gas limit %d", err, limit)
		tx, err = c.Protocol.ExecutePaymentWithSignature(c.transactOpts(ctx, n, gasPrice, limit), intentID)
	}
	if err != nil {
		c.Nonces.ReleaseNonce(c.ChainID, n)
		return nil, fmt.Errorf("failed to execute payment: %w", err)
	}

	c.Nonces.TrackTransaction(c.ChainID, tx.Hash(), n)
	c.logger.InfoWithChain(c.ChainID, "Payment transaction sent: %s (nonce %d, gas price %s)", tx.Hash().Hex(), n, gasPrice)
	return tx, nil
}

func (c *Client) transactOpts(ctx context.Context, n uint64, gasPrice *big.Int, gasLimit uint64) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:     c.Auth.From,
		Signer:   c.Auth.Signer,
		Nonce:    new(big.Int).SetUint64(n),
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Context:  ctx,
	}
}

// isEstimationFailure is true for estimation errors that are not contract reverts
func isEstimationFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "failed to estimate gas") && !strings.Contains(msg, "execution reverted")
}

// WaitMined waits for tx to be mined and settles its nonce
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.Backend, tx)
	if err != nil {
		c.settleIfDropped(ctx, tx.Hash(), tx.Nonce())
		return nil, err
	}

	// a reverted tx still consumed its nonce
	c.Nonces.MarkTransactionConfirmed(c.ChainID, tx.Nonce())
	metrics.PaymentGasUsed.Observe(float64(receipt.GasUsed))
	return receipt, nil
}

// settleIfDropped frees the nonce of a transaction the node no longer knows about
func (c *Client) settleIfDropped(ctx context.Context, hash common.Hash, n uint64) bool {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dropCheckTimeout)
	defer cancel()

	_, _, err := c.Backend.TransactionByHash(checkCtx, hash)
	if !errors.Is(err, ethereum.NotFound) {
		return false
	}
	return c.Nonces.MarkTransactionFailed(c.ChainID, n)
}

// SweepStaleTransactions settles payments that stayed unmined past the transaction timeout.
// Mined ones are confirmed and dropped ones give their nonce back. Returns the number dropped.
func (c *Client) SweepStaleTransactions(ctx context.Context) int {
	dropped := 0
	for _, rec := range c.Nonces.FindTimeoutTransactions(c.ChainID) {
		_, isPending, err := c.Backend.TransactionByHash(ctx, rec.Hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			if c.Nonces.MarkTransactionFailed(c.ChainID, rec.Nonce) {
				dropped++
			}
		case err != nil:
			c.logger.ErrorWithChain(c.ChainID, "Failed to look up stale transaction %s: %v", rec.Hash.Hex(), err)
		case !isPending:
			c.Nonces.MarkTransactionConfirmed(c.ChainID, rec.Nonce)
		}
	}
	return dropped
}

// PendingTransactions returns the number of sent payments not yet settled
func (c *Client) PendingTransactions() int {
	return c.Nonces.GetPendingTransactionsCount(c.ChainID)
}

// Helper function to create authenticator
func createAuthenticator(privateKeyHex string, chainID *big.Int) (*bind.TransactOpts, error) {
	// Parse private key
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	// Create transaction signer
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	return auth, nil
}
