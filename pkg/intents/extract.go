// Package intents decodes commerce protocol intent events from transaction logs.
package intents

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/contentpay/commerce-relayer/pkg/contracts"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var intentIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{32}$`)

var commerceABI = contracts.MustCommerceABI()

// Precomputed event topics
var (
	PaymentIntentCreatedTopic  = commerceABI.Events[contracts.EventPaymentIntentCreated].ID
	IntentReadyForSigningTopic = commerceABI.Events[contracts.EventIntentReadyForSigning].ID
	IntentSignedTopic          = commerceABI.Events[contracts.EventIntentSigned].ID
)

// EventTopic returns the keccak256 topic of a commerce protocol event by name
func EventTopic(name string) (common.Hash, bool) {
	event, ok := commerceABI.Events[name]
	if !ok {
		return common.Hash{}, false
	}
	return event.ID, true
}

// ValidateIntentIDFormat reports whether s is 0x followed by exactly 32 hex characters
func ValidateIntentIDFormat(s string) bool {
	return intentIDPattern.MatchString(s)
}

// ParseIntentID converts a validated hex id into its 16 bytes
func ParseIntentID(s string) (models.IntentID, error) {
	var id models.IntentID
	if !ValidateIntentIDFormat(s) {
		return id, newError(CodeInvalidLogFormat, nil, "malformed intent id %q", s)
	}
	copy(id[:], common.FromHex(s))
	return id, nil
}

// Extractor decodes intent events. When Contract is set, only logs emitted by that address are considered.
type Extractor struct {
	Contract *common.Address
}

var defaultExtractor = &Extractor{}

// ExtractIntentIDFromLogs returns the intent id of the first PaymentIntentCreated log
func ExtractIntentIDFromLogs(logs []*types.Log) (string, error) {
	return defaultExtractor.ExtractIntentID(logs)
}

// ExtractPaymentIntent decodes the first PaymentIntentCreated log into a PaymentIntent
func ExtractPaymentIntent(logs []*types.Log, txHash common.Hash) (*models.PaymentIntent, error) {
	return defaultExtractor.ExtractPaymentIntent(logs, txHash)
}

// ExtractSigningRecord returns the signing record for intentID found in logs
func ExtractSigningRecord(logs []*types.Log, intentID models.IntentID) (*models.IntentSigningRecord, error) {
	return defaultExtractor.ExtractSigningRecord(logs, intentID)
}

func (x *Extractor) matches(log *types.Log, topic common.Hash) bool {
	if log == nil || len(log.Topics) == 0 || log.Topics[0] != topic {
		return false
	}
	return x.Contract == nil || log.Address == *x.Contract
}

// firstMatch returns the first log carrying topic, NO_LOGS for an empty list, MISSING_INTENT_DATA when none matches
func (x *Extractor) firstMatch(logs []*types.Log, topic common.Hash, event string) (*types.Log, error) {
	if len(logs) == 0 {
		return nil, newError(CodeNoLogs, nil, "transaction receipt has no logs")
	}
	for _, log := range logs {
		if x.matches(log, topic) {
			return log, nil
		}
	}
	return nil, newError(CodeMissingIntentData, nil, "%s event not found in %d logs", event, len(logs))
}

// intentIDFromTopic reads the bytes16 id at topic index 1. bytes16 is left aligned in its 32-byte topic.
func intentIDFromTopic(log *types.Log) (models.IntentID, string, error) {
	var id models.IntentID
	if len(log.Topics) < 2 {
		return id, "", newError(CodeInvalidLogFormat, nil, "log %d has %d topics, intent id topic missing", log.Index, len(log.Topics))
	}
	topic := log.Topics[1]
	for _, b := range topic[16:] {
		if b != 0 {
			return id, "", newError(CodeInvalidLogFormat, nil, "intent id topic %s is not a bytes16 value", topic.Hex())
		}
	}
	copy(id[:], topic[:16])
	hexID := id.Hex()
	if !ValidateIntentIDFormat(hexID) {
		return id, "", newError(CodeInvalidLogFormat, nil, "malformed intent id %q", hexID)
	}
	return id, hexID, nil
}

// ExtractIntentID returns the 34-character intent id of the first PaymentIntentCreated log
func (x *Extractor) ExtractIntentID(logs []*types.Log) (string, error) {
	log, err := x.firstMatch(logs, PaymentIntentCreatedTopic, contracts.EventPaymentIntentCreated)
	if err != nil {
		return "", err
	}
	_, hexID, err := intentIDFromTopic(log)
	return hexID, err
}

// ExtractPaymentIntent decodes every field of the first PaymentIntentCreated log.
// txHash overrides the log's transaction hash when non-zero.
func (x *Extractor) ExtractPaymentIntent(logs []*types.Log, txHash common.Hash) (*models.PaymentIntent, error) {
	log, err := x.firstMatch(logs, PaymentIntentCreatedTopic, contracts.EventPaymentIntentCreated)
	if err != nil {
		return nil, err
	}
	id, _, err := intentIDFromTopic(log)
	if err != nil {
		return nil, err
	}
	if len(log.Topics) != 4 {
		return nil, newError(CodeInvalidLogFormat, nil, "PaymentIntentCreated expects 4 topics, got %d", len(log.Topics))
	}

	fields := make(map[string]interface{})
	if err := commerceABI.UnpackIntoMap(fields, contracts.EventPaymentIntentCreated, log.Data); err != nil {
		return nil, newError(CodeDecodeError, err, "unpack PaymentIntentCreated data")
	}

	paymentType, ok := fields["paymentType"].(uint8)
	if !ok {
		return nil, newError(CodeDecodeError, nil, "paymentType has type %T", fields["paymentType"])
	}
	paymentToken, ok := fields["paymentToken"].(common.Address)
	if !ok {
		return nil, newError(CodeDecodeError, nil, "paymentToken has type %T", fields["paymentToken"])
	}
	amounts := make(map[string]*big.Int, 5)
	for _, name := range []string{"totalAmount", "creatorAmount", "platformFee", "operatorFee", "expectedAmount"} {
		v, ok := fields[name].(*big.Int)
		if !ok || v == nil {
			return nil, newError(CodeDecodeError, nil, "%s has type %T", name, fields[name])
		}
		amounts[name] = v
	}

	if txHash == (common.Hash{}) {
		txHash = log.TxHash
	}

	intent := &models.PaymentIntent{
		IntentID:        id,
		User:            common.BytesToAddress(log.Topics[2].Bytes()),
		Creator:         common.BytesToAddress(log.Topics[3].Bytes()),
		PaymentType:     models.PaymentType(paymentType),
		TotalAmount:     amounts["totalAmount"],
		CreatorAmount:   amounts["creatorAmount"],
		PlatformFee:     amounts["platformFee"],
		OperatorFee:     amounts["operatorFee"],
		PaymentToken:    paymentToken,
		ExpectedAmount:  amounts["expectedAmount"],
		TransactionHash: txHash,
		BlockNumber:     log.BlockNumber,
	}
	if err := validatePaymentIntent(intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func validatePaymentIntent(intent *models.PaymentIntent) error {
	if !intent.PaymentType.IsValid() {
		return newError(CodeInvalidEventData, nil, "unknown payment type %d", uint8(intent.PaymentType))
	}
	if intent.User == (common.Address{}) || intent.Creator == (common.Address{}) {
		return newError(CodeInvalidEventData, nil, "intent %s has a zero user or creator", intent.IntentID)
	}
	if intent.TotalAmount.Sign() <= 0 {
		return newError(CodeInvalidEventData, nil, "intent %s has non-positive total amount %s", intent.IntentID, intent.TotalAmount)
	}
	parts := new(big.Int).Add(intent.CreatorAmount, intent.PlatformFee)
	parts.Add(parts, intent.OperatorFee)
	if parts.Cmp(intent.TotalAmount) > 0 {
		return newError(CodeInvalidEventData, nil, "intent %s splits %s exceed total %s", intent.IntentID, parts, intent.TotalAmount)
	}
	return nil
}

// ExtractSigningRecord scans logs for IntentReadyForSigning and IntentSigned events of intentID.
// A signed record takes precedence over a pending one.
func (x *Extractor) ExtractSigningRecord(logs []*types.Log, intentID models.IntentID) (*models.IntentSigningRecord, error) {
	if len(logs) == 0 {
		return nil, newError(CodeNoLogs, nil, "transaction receipt has no logs")
	}

	var pending *models.IntentSigningRecord
	for _, log := range logs {
		var event string
		switch {
		case x.matches(log, IntentSignedTopic):
			event = contracts.EventIntentSigned
		case x.matches(log, IntentReadyForSigningTopic):
			event = contracts.EventIntentReadyForSigning
		default:
			continue
		}

		id, _, err := intentIDFromTopic(log)
		if err != nil {
			return nil, err
		}
		if id != intentID {
			continue
		}

		fields := make(map[string]interface{})
		if err := commerceABI.UnpackIntoMap(fields, event, log.Data); err != nil {
			return nil, newError(CodeDecodeError, err, "unpack %s data", event)
		}

		if event == contracts.EventIntentSigned {
			signature, ok := fields["signature"].([]byte)
			if !ok {
				return nil, newError(CodeDecodeError, nil, "signature has type %T", fields["signature"])
			}
			if len(signature) == 0 {
				return nil, newError(CodeInvalidEventData, nil, "IntentSigned for %s carries an empty signature", intentID)
			}
			return &models.IntentSigningRecord{IntentID: id, Signature: signature}, nil
		}

		intentHash, ok := fields["intentHash"].([32]byte)
		if !ok {
			return nil, newError(CodeDecodeError, nil, "intentHash has type %T", fields["intentHash"])
		}
		deadline, ok := fields["deadline"].(*big.Int)
		if !ok {
			return nil, newError(CodeDecodeError, nil, "deadline has type %T", fields["deadline"])
		}
		if pending == nil {
			pending = &models.IntentSigningRecord{IntentID: id, IntentHash: common.Hash(intentHash), Deadline: deadline}
		}
	}

	if pending == nil {
		return nil, newError(CodeMissingIntentData, nil, "no signing events for intent %s", intentID)
	}
	return pending, nil
}

// Describe renders an intent for log lines
func Describe(intent *models.PaymentIntent) string {
	return fmt.Sprintf("intent=%s type=%s total=%s creator=%s", intent.IntentID, intent.PaymentType, intent.TotalAmount, intent.Creator.Hex())
}
