// Package relay submits signed transfer authorizations for settlement, either
// directly to the token contract over an Ethereum RPC endpoint or through a
// validator relay service. The client normally lets the gateway settle; these
// relays exist for self-settlement and recovery paths.
package relay

import (
	"context"
	"fmt"
	"math/big"
	"regexp"

	"github.com/quotient-labs/agentpay/eip712"
)

// SubmitParams fully describes one settlement submission.
type SubmitParams struct {
	// ChainID is the EIP-155 chain the token contract lives on.
	ChainID *big.Int
	// Contract is the token contract address implementing EIP-3009.
	Contract string
	// Authorization is the signed transfer message.
	Authorization eip712.TransferAuthorization
	// Signature is the 65-byte authorization signature, 0x-hex encoded.
	Signature string
}

// SubmitResult reports a successful submission.
type SubmitResult struct {
	// TxHash identifies the settlement transaction.
	TxHash string
}

// Relay submits authorizations for settlement.
type Relay interface {
	SubmitAuthorization(ctx context.Context, params SubmitParams) (SubmitResult, error)
	// IsAvailable probes whether the relay can currently accept submissions.
	// Probes are bounded by their own short timeout and never block long.
	IsAvailable(ctx context.Context) bool
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// validateParams rejects malformed submissions before any network traffic.
func validateParams(params SubmitParams) error {
	if params.ChainID == nil || params.ChainID.Sign() <= 0 {
		return fmt.Errorf("relay: chain id is required")
	}
	if !addressPattern.MatchString(params.Contract) {
		return fmt.Errorf("relay: invalid contract address: %s", params.Contract)
	}
	if !addressPattern.MatchString(params.Authorization.From) {
		return fmt.Errorf("relay: invalid from address: %s", params.Authorization.From)
	}
	if !addressPattern.MatchString(params.Authorization.To) {
		return fmt.Errorf("relay: invalid to address: %s", params.Authorization.To)
	}
	if _, ok := new(big.Int).SetString(params.Authorization.Value, 10); !ok {
		return fmt.Errorf("relay: invalid authorization value: %s", params.Authorization.Value)
	}
	if _, err := eip712.NonceBytes(params.Authorization.Nonce); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	sig, err := eip712.DecodeSignature(params.Signature)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if len(sig) != eip712.SignatureLength {
		return fmt.Errorf("relay: signature must be %d bytes, got %d", eip712.SignatureLength, len(sig))
	}
	return nil
}

// Chain returns a relay that tries each given relay in order and submits
// through the first one reporting availability. Selection happens per call so
// a recovered primary is picked up again without restarting.
func Chain(relays ...Relay) Relay {
	return chainRelay(relays)
}

type chainRelay []Relay

func (c chainRelay) SubmitAuthorization(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	for _, r := range c {
		if r.IsAvailable(ctx) {
			return r.SubmitAuthorization(ctx, params)
		}
	}
	return SubmitResult{}, fmt.Errorf("relay: no relay available")
}

func (c chainRelay) IsAvailable(ctx context.Context) bool {
	for _, r := range c {
		if r.IsAvailable(ctx) {
			return true
		}
	}
	return false
}
