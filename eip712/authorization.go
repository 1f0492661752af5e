package eip712

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClockSkewTolerance is subtracted from the current time when computing
// validAfter so authorizations are valid even against a slightly fast verifier.
const ClockSkewTolerance = 60 * time.Second

// TransferAuthorization is the message signed to authorize a token transfer.
// All numeric fields are decimal-encoded uint256 strings; Nonce is a 0x-hex
// 32-byte value unique per authorization.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// BuildAuthorization constructs a TransferAuthorization for the given transfer.
// A fresh cryptographically random nonce is generated when nonce is empty.
// The validity window is [now - ClockSkewTolerance, now + maxTimeout].
func BuildAuthorization(from, to, value string, maxTimeout time.Duration, nonce string) (TransferAuthorization, error) {
	if _, ok := new(big.Int).SetString(value, 10); !ok {
		return TransferAuthorization{}, fmt.Errorf("invalid authorization value: %s", value)
	}
	if nonce == "" {
		n, err := NewNonce()
		if err != nil {
			return TransferAuthorization{}, err
		}
		nonce = n
	}

	now := time.Now()
	validAfter := now.Add(-ClockSkewTolerance).Unix()
	validBefore := now.Add(maxTimeout).Unix()

	return TransferAuthorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  fmt.Sprintf("%d", validAfter),
		ValidBefore: fmt.Sprintf("%d", validBefore),
		Nonce:       nonce,
	}, nil
}

// NewNonce generates a random 32-byte nonce as a 0x-hex string using the
// platform CSPRNG.
func NewNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// NonceBytes decodes a 0x-hex nonce, validating it is exactly 32 bytes.
func NonceBytes(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid nonce hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// AuthorizationMessage builds the EIP-712 message map for a TransferAuthorization.
// Field values are converted to the native types expected by the hasher:
// checksummed addresses, big.Int integers, and raw nonce bytes.
func AuthorizationMessage(a TransferAuthorization) (map[string]interface{}, error) {
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", a.ValidBefore)
	}
	nonce, err := NonceBytes(a.Nonce)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"from":        common.HexToAddress(a.From).Hex(),
		"to":          common.HexToAddress(a.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}, nil
}

// HashAuthorization computes the EIP-712 digest of a TransferAuthorization
// under the given domain, suitable for signing or recovery.
func HashAuthorization(domain TypedDataDomain, a TransferAuthorization) ([]byte, error) {
	message, err := AuthorizationMessage(a)
	if err != nil {
		return nil, err
	}
	return HashTypedData(domain, AuthorizationTypes(), PrimaryType, message)
}
