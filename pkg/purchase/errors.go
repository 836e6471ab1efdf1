package purchase

import (
	"errors"
	"fmt"

	"github.com/contentpay/commerce-relayer/pkg/intents"
)

// Stage names a step of the purchase pipeline
type Stage string

const (
	StageResume    Stage = "resume"
	StageSubmit    Stage = "submit"
	StageReceipt   Stage = "receipt"
	StageExtract   Stage = "extract"
	StageSignature Stage = "signature"
	StageExecute   Stage = "execute"
	StageConfirm   Stage = "confirm"
)

// ErrorCode categorises pipeline failures
type ErrorCode string

const (
	CodeInvalidTransaction ErrorCode = "INVALID_TRANSACTION"
	CodeSubmitFailed       ErrorCode = "SUBMIT_FAILED"
	CodeTxReverted         ErrorCode = "TX_REVERTED"
	CodeReceiptTimeout     ErrorCode = "RECEIPT_TIMEOUT"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeBackendRejected    ErrorCode = "BACKEND_REJECTED"
	CodeSignatureExpired   ErrorCode = "SIGNATURE_EXPIRED"
	CodeSignatureTimeout   ErrorCode = "SIGNATURE_TIMEOUT"
	CodeExecuteFailed      ErrorCode = "EXECUTE_FAILED"
	CodePaymentReverted    ErrorCode = "PAYMENT_REVERTED"
	CodeAlreadyFailed      ErrorCode = "ALREADY_FAILED"
	CodeTracking           ErrorCode = "TRACKING_ERROR"
)

// permanentCodes never succeed on a second attempt
var permanentCodes = map[ErrorCode]bool{
	CodeInvalidTransaction: true,
	CodeTxReverted:         true,
	CodeBackendRejected:    true,
	CodeSignatureExpired:   true,
	CodePaymentReverted:    true,
	CodeAlreadyFailed:      true,
}

// StageError is returned by Orchestrator.Process
type StageError struct {
	Stage Stage
	Code  ErrorCode
	Err   error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Code)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the job cannot help.
// Extraction failures are permanent except for a receipt that still has no logs.
func (e *StageError) Permanent() bool {
	if e.Stage == StageExtract && intents.CodeOf(e.Err) != "" {
		return !intents.IsRetryable(e.Err)
	}
	return permanentCodes[e.Code]
}

func stageError(stage Stage, code ErrorCode, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}

// StageOf returns the stage carried by err, or "" when err is not a StageError
func StageOf(err error) Stage {
	var e *StageError
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
