package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quotient-labs/agentpay/eip712"
)

// LocalWallet signs with an ECDSA private key held in memory. Intended for
// automated server-side use where no interactive approval is involved; it is
// always connected.
type LocalWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocalWallet creates a LocalWallet from a hex-encoded private key
// (with or without the "0x" prefix).
func NewLocalWallet(privateKeyHex string) (*LocalWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &LocalWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the address derived from the private key.
func (w *LocalWallet) Address() string {
	return w.address.Hex()
}

// SignTypedData hashes the typed data per EIP-712 and signs the digest.
// The recovery id is normalized to 27/28.
func (w *LocalWallet) SignTypedData(
	ctx context.Context,
	domain eip712.TypedDataDomain,
	types map[string][]eip712.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, err := eip712.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}

	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	signature[64] += 27

	return signature, nil
}

// IsConnected always reports true: the key lives in process memory.
func (w *LocalWallet) IsConnected() bool { return true }

// Connect is a no-op for a local key.
func (w *LocalWallet) Connect(ctx context.Context) error { return nil }

// Disconnect is a no-op for a local key.
func (w *LocalWallet) Disconnect() error { return nil }
