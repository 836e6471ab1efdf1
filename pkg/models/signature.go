package models

// SignatureState is the signing state reported by the backend
type SignatureState string

const (
	SignaturePending         SignatureState = "pending"
	SignatureReadyForSigning SignatureState = "ready_for_signing"
	SignatureSigned          SignatureState = "signed"
	SignatureExpired         SignatureState = "expired"
)

// SignatureStatus is the response of the backend signature-status endpoint
type SignatureStatus struct {
	IntentID   string         `json:"intent_id"`
	Status     SignatureState `json:"status"`
	IntentHash string         `json:"intent_hash,omitempty"`
	Deadline   int64          `json:"deadline,omitempty"` // unix seconds
	Signature  string         `json:"signature,omitempty"`
}

// IsSigned reports whether the backend has produced the signature
func (s *SignatureStatus) IsSigned() bool {
	return s != nil && s.Status == SignatureSigned && s.Signature != ""
}
