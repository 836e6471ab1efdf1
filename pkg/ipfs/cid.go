// Package ipfs validates content identifiers returned by the IPFS pinning service.
package ipfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58/base58"
)

// ErrInvalidCID is returned for strings that are neither a CID v0 nor a CID v1
var ErrInvalidCID = errors.New("invalid CID")

const (
	cidV0Length    = 46
	cidV1MinLength = 32

	// sha2-256 multihash header
	multihashSHA256 = 0x12
	sha256Length    = 0x20
)

// multibase base32 prefixes of the codecs the pinning service returns
var cidV1Prefixes = []string{"bafy", "bafk", "bafz", "bafb"}

// ValidateCID returns the version of s, 0 or 1
func ValidateCID(s string) (int, error) {
	switch {
	case strings.HasPrefix(s, "Qm"):
		if err := validateV0(s); err != nil {
			return 0, err
		}
		return 0, nil
	case hasV1Prefix(s):
		if err := validateV1(s); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %q has no known prefix", ErrInvalidCID, s)
}

// IsValidCID reports whether s is a well-formed CID
func IsValidCID(s string) bool {
	_, err := ValidateCID(s)
	return err == nil
}

func validateV0(s string) error {
	if len(s) != cidV0Length {
		return fmt.Errorf("%w: v0 length %d, expected %d", ErrInvalidCID, len(s), cidV0Length)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	if len(decoded) != 2+sha256Length || decoded[0] != multihashSHA256 || decoded[1] != sha256Length {
		return fmt.Errorf("%w: %q is not a sha2-256 multihash", ErrInvalidCID, s)
	}
	return nil
}

func hasV1Prefix(s string) bool {
	for _, prefix := range cidV1Prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func validateV1(s string) error {
	if len(s) < cidV1MinLength {
		return fmt.Errorf("%w: v1 length %d, expected at least %d", ErrInvalidCID, len(s), cidV1MinLength)
	}
	// the leading "b" is the multibase code, the rest is unpadded lowercase base32
	for i, r := range s[1:] {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			return fmt.Errorf("%w: invalid base32 character %q at %d", ErrInvalidCID, r, i+1)
		}
	}
	return nil
}

// PinResponse is the body of a successful pinFileToIPFS call
type PinResponse struct {
	IpfsHash    string    `json:"IpfsHash"`
	PinSize     int64     `json:"PinSize"`
	Timestamp   time.Time `json:"Timestamp"`
	IsDuplicate bool      `json:"isDuplicate,omitempty"`
}

// ParsePinResponse decodes a pin response and rejects it unless IpfsHash is a valid CID
func ParsePinResponse(body []byte) (*PinResponse, error) {
	var resp PinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pin response: %w", err)
	}
	if _, err := ValidateCID(resp.IpfsHash); err != nil {
		return nil, fmt.Errorf("pin response carries an untrusted hash: %w", err)
	}
	if resp.PinSize < 0 {
		return nil, fmt.Errorf("pin response has negative size %d", resp.PinSize)
	}
	return &resp, nil
}
