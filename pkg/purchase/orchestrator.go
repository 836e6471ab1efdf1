// Package purchase drives a purchase from its on-chain intent to the executed payment.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/chains"
	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/intents"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/metrics"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/contentpay/commerce-relayer/pkg/store"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptRefetchAttempts bounds how often a receipt without logs is fetched again
const ReceiptRefetchAttempts = 3

// ChainClient is the settlement chain surface used by the pipeline
type ChainClient interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ExecuteSignedPayment(ctx context.Context, intentID [16]byte) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// SignatureFetcher asks the signing backend for the state of an intent
type SignatureFetcher interface {
	FetchSignatureStatus(ctx context.Context, intentID models.IntentID) (*models.SignatureStatus, error)
}

// BackendMonitor wraps backend calls with health bookkeeping
type BackendMonitor interface {
	MakeMonitoredRequest(ctx context.Context, fn func(ctx context.Context) error) error
	IsBackendAvailable() bool
	GetCurrentRetryDelay() time.Duration
}

// Config holds the pipeline timings
type Config struct {
	// ChainID is the settlement chain, used to recognise the payment token
	ChainID               int
	ReceiptPollInterval   time.Duration
	SignaturePollInterval time.Duration
	SignatureTimeout      time.Duration
}

// Orchestrator runs the purchase pipeline for one job at a time; it is safe for concurrent use
type Orchestrator struct {
	chain     ChainClient
	backend   SignatureFetcher
	monitor   BackendMonitor
	tracker   *Tracker
	extractor *intents.Extractor
	cfg       Config
	logger    logger.Logger
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. extractor may be nil to accept intent events from any contract.
func NewOrchestrator(
	chain ChainClient,
	backend SignatureFetcher,
	monitor BackendMonitor,
	tracker *Tracker,
	extractor *intents.Extractor,
	cfg Config,
	logger logger.Logger,
) *Orchestrator {
	if extractor == nil {
		extractor = &intents.Extractor{}
	}
	return &Orchestrator{
		chain:     chain,
		backend:   backend,
		monitor:   monitor,
		tracker:   tracker,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Process drives job through submit, receipt, extract, signature, execute and confirm.
// A job seen before resumes after the last stage it completed.
func (o *Orchestrator) Process(ctx context.Context, job models.PurchaseJob) error {
	start := o.now()

	if len(job.RawTx) > 0 && job.TxHash == (common.Hash{}) {
		hash, err := RawTxHash(job.RawTx)
		if err != nil {
			return stageError(StageSubmit, CodeInvalidTransaction, err)
		}
		job.TxHash = hash
	}

	rec, err := o.tracker.Begin(ctx, job)
	if err != nil {
		return stageError(StageResume, CodeTracking, err)
	}
	switch rec.State {
	case models.IntentStateConfirmed:
		o.logger.Debug("Job %s already confirmed", job.ID)
		return nil
	case models.IntentStateFailed:
		return stageError(StageResume, CodeAlreadyFailed, errors.New(rec.LastError))
	}

	if rec.State == models.IntentStatePaymentSubmitted && rec.PaymentTxHash != nil {
		return o.finish(ctx, rec, start, o.confirmByHash(ctx, rec))
	}

	var receipt *types.Receipt
	if rec.Intent == nil || rec.State.Rank() < models.IntentStateSigned.Rank() || rec.Signature == "" {
		if len(job.RawTx) > 0 && rec.State == models.IntentStateUnknown {
			if err := o.submit(ctx, job); err != nil {
				return err
			}
		}
		receipt, err = o.waitReceipt(ctx, StageReceipt, job.TxHash)
		if err != nil {
			return err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return stageError(StageReceipt, CodeTxReverted, fmt.Errorf("transaction %s reverted", job.TxHash.Hex()))
		}
	}

	if rec.Intent == nil {
		intent, err := o.extract(ctx, job.TxHash, receipt)
		if err != nil {
			return err
		}
		if err := o.tracker.RecordIntent(ctx, rec, intent); err != nil {
			return stageError(StageExtract, CodeTracking, err)
		}
		o.logger.Info("Job %s: %s", job.ID, intents.Describe(intent))
	}

	if rec.Signature == "" || rec.State.Rank() < models.IntentStateSigned.Rank() {
		if err := o.awaitSignature(ctx, rec, receipt); err != nil {
			return err
		}
	}

	tx, err := o.execute(ctx, rec)
	if err != nil {
		return err
	}
	return o.finish(ctx, rec, start, o.confirm(ctx, rec, tx))
}

func (o *Orchestrator) finish(ctx context.Context, rec *models.PurchaseRecord, start time.Time, err error) error {
	if err != nil {
		return err
	}
	if err := o.tracker.Advance(ctx, rec, store.StateUpdate{State: models.IntentStateConfirmed}); err != nil {
		return stageError(StageConfirm, CodeTracking, err)
	}
	metrics.PurchaseProcessingTime.Observe(o.now().Sub(start).Seconds())
	o.recordVolume(rec.Intent)
	o.logger.Info("Job %s confirmed, intent %s paid in %s", rec.JobID, rec.Intent.IntentID, rec.PaymentTxHash.Hex())
	return nil
}

// recordVolume adds the settled amount in whole tokens when the payment token is known
func (o *Orchestrator) recordVolume(intent *models.PaymentIntent) {
	tokenType := chains.GetTokenType(o.cfg.ChainID, intent.PaymentToken.Hex())
	if tokenType == "" {
		return
	}
	amount, err := chains.GetStandardizedAmount(intent.TotalAmount, tokenType)
	if err != nil {
		o.logger.Debug("Skipping volume for intent %s: %v", intent.IntentID, err)
		return
	}
	metrics.PurchaseVolume.WithLabelValues(string(tokenType)).Add(amount)
}

// RawTxHash decodes a binary signed transaction and returns its hash
func RawTxHash(raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	return tx.Hash(), nil
}

// submit broadcasts the raw transaction of job unless the chain already mined it
func (o *Orchestrator) submit(ctx context.Context, job models.PurchaseJob) error {
	if _, err := o.chain.TransactionReceipt(ctx, job.TxHash); err == nil {
		return nil
	}
	hash, err := o.chain.SendRawTransaction(ctx, job.RawTx)
	if err != nil {
		if isAlreadyKnown(err) {
			return nil
		}
		return stageError(StageSubmit, CodeSubmitFailed, err)
	}
	o.logger.Info("Broadcast purchase transaction %s for job %s", hash.Hex(), job.ID)
	return nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low")
}

// waitReceipt polls for the receipt of hash until ctx ends
func (o *Orchestrator) waitReceipt(ctx context.Context, stage Stage, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := o.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			o.logger.Debug("Receipt lookup for %s failed: %v", hash.Hex(), err)
		}

		if err := sleep(ctx, o.cfg.ReceiptPollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, stageError(stage, CodeReceiptTimeout, fmt.Errorf("no receipt for %s", hash.Hex()))
			}
			return nil, err
		}
	}
}

func (o *Orchestrator) extract(ctx context.Context, txHash common.Hash, receipt *types.Receipt) (*models.PaymentIntent, error) {
	intent, err := o.extractor.ExtractPaymentIntent(receipt.Logs, txHash)
	for attempt := 1; err != nil && intents.IsRetryable(err) && attempt <= ReceiptRefetchAttempts; attempt++ {
		o.logger.Debug("Receipt of %s has no logs, fetching again (%d/%d)", txHash.Hex(), attempt, ReceiptRefetchAttempts)
		if sleepErr := sleep(ctx, o.cfg.ReceiptPollInterval); sleepErr != nil {
			return nil, sleepErr
		}
		refetched, fetchErr := o.chain.TransactionReceipt(ctx, txHash)
		if fetchErr != nil {
			continue
		}
		receipt.Logs = refetched.Logs
		intent, err = o.extractor.ExtractPaymentIntent(receipt.Logs, txHash)
	}
	if err != nil {
		metrics.ExtractionErrors.WithLabelValues(string(intents.CodeOf(err))).Inc()
		return nil, stageError(StageExtract, ErrorCode(intents.CodeOf(err)), err)
	}
	return intent, nil
}

// awaitSignature takes the signature from the receipt when the protocol already emitted it,
// otherwise polls the backend until it is signed
func (o *Orchestrator) awaitSignature(ctx context.Context, rec *models.PurchaseRecord, receipt *types.Receipt) error {
	intentID := rec.Intent.IntentID
	var deadline time.Time

	if receipt != nil {
		record, err := o.extractor.ExtractSigningRecord(receipt.Logs, intentID)
		switch {
		case err == nil && record.IsSigned():
			metrics.SignaturePolls.WithLabelValues("receipt").Inc()
			return o.markSigned(ctx, rec, hexutil.Encode(record.Signature))
		case err == nil && record.Deadline != nil && record.Deadline.Sign() > 0:
			deadline = time.Unix(record.Deadline.Int64(), 0)
		}
	}

	if rec.State != models.IntentStateAwaitingSignature {
		if err := o.tracker.Advance(ctx, rec, store.StateUpdate{State: models.IntentStateAwaitingSignature}); err != nil {
			return stageError(StageSignature, CodeTracking, err)
		}
	}

	pollCtx := ctx
	if o.cfg.SignatureTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, o.cfg.SignatureTimeout)
		defer cancel()
	}

	for {
		if !o.monitor.IsBackendAvailable() {
			metrics.SignaturePolls.WithLabelValues("unavailable").Inc()
			return stageError(StageSignature, CodeBackendUnavailable, nil)
		}

		var status *models.SignatureStatus
		err := o.monitor.MakeMonitoredRequest(pollCtx, func(ctx context.Context) error {
			var err error
			status, err = o.backend.FetchSignatureStatus(ctx, intentID)
			return err
		})

		wait := o.cfg.SignaturePollInterval
		switch {
		case pollCtx.Err() != nil:
			return o.signatureContextError(ctx, pollCtx)
		case healthmonitor.CodeOf(err) == healthmonitor.CodeCircuitBreakerOpen:
			metrics.SignaturePolls.WithLabelValues("unavailable").Inc()
			return stageError(StageSignature, CodeBackendUnavailable, err)
		case err != nil && healthmonitor.CodeOf(err) == "":
			// a 4xx answer, the backend refuses this intent
			metrics.SignaturePolls.WithLabelValues("rejected").Inc()
			return stageError(StageSignature, CodeBackendRejected, err)
		case err != nil:
			metrics.SignaturePolls.WithLabelValues("error").Inc()
			wait = o.monitor.GetCurrentRetryDelay()
			o.logger.Debug("Signature poll for %s failed, next attempt in %s: %v", intentID, wait, err)
		case status.IsSigned():
			metrics.SignaturePolls.WithLabelValues("signed").Inc()
			return o.markSigned(ctx, rec, status.Signature)
		case status.Status == models.SignatureExpired:
			metrics.SignaturePolls.WithLabelValues("expired").Inc()
			return stageError(StageSignature, CodeSignatureExpired, fmt.Errorf("backend reports intent %s expired", intentID))
		default:
			metrics.SignaturePolls.WithLabelValues(string(status.Status)).Inc()
			if status.Deadline > 0 {
				deadline = time.Unix(status.Deadline, 0)
			}
		}

		if !deadline.IsZero() && o.now().After(deadline) {
			return stageError(StageSignature, CodeSignatureExpired, fmt.Errorf("signing deadline %s passed", deadline.UTC().Format(time.RFC3339)))
		}

		if err := sleep(pollCtx, wait); err != nil {
			return o.signatureContextError(ctx, pollCtx)
		}
	}
}

// signatureContextError tells a caller cancellation apart from the signature timeout
func (o *Orchestrator) signatureContextError(ctx, pollCtx context.Context) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return stageError(StageSignature, CodeSignatureTimeout, pollCtx.Err())
}

func (o *Orchestrator) markSigned(ctx context.Context, rec *models.PurchaseRecord, signature string) error {
	if err := o.tracker.Advance(ctx, rec, store.StateUpdate{State: models.IntentStateSigned, Signature: signature}); err != nil {
		return stageError(StageSignature, CodeTracking, err)
	}
	o.logger.Info("Intent %s signed", rec.Intent.IntentID)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, rec *models.PurchaseRecord) (*types.Transaction, error) {
	tx, err := o.chain.ExecuteSignedPayment(ctx, rec.Intent.IntentID)
	if err != nil {
		return nil, stageError(StageExecute, CodeExecuteFailed, err)
	}

	hash := tx.Hash()
	if err := o.tracker.Advance(ctx, rec, store.StateUpdate{State: models.IntentStatePaymentSubmitted, PaymentTxHash: &hash}); err != nil {
		return nil, stageError(StageExecute, CodeTracking, err)
	}
	return tx, nil
}

func (o *Orchestrator) confirm(ctx context.Context, rec *models.PurchaseRecord, tx *types.Transaction) error {
	receipt, err := o.chain.WaitMined(ctx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return stageError(StageConfirm, CodeReceiptTimeout, err)
		}
		return err
	}
	return checkPayment(receipt)
}

// confirmByHash is used when a retried job resumes after its payment was sent
func (o *Orchestrator) confirmByHash(ctx context.Context, rec *models.PurchaseRecord) error {
	receipt, err := o.waitReceipt(ctx, StageConfirm, *rec.PaymentTxHash)
	if err != nil {
		return err
	}
	return checkPayment(receipt)
}

func checkPayment(receipt *types.Receipt) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return stageError(StageConfirm, CodePaymentReverted, fmt.Errorf("payment %s reverted", receipt.TxHash.Hex()))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
