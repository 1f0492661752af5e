// Package wallet provides the signing capability used to authorize payments.
// A Wallet produces an address and EIP-712 typed-data signatures; concrete
// implementations hold a raw key in memory (LocalWallet) or broker signing
// through a remote approval session (SessionWallet).
package wallet

import (
	"context"
	"errors"

	"github.com/quotient-labs/agentpay/eip712"
)

// Sentinel errors that callers branch on. Rejection is terminal for the
// current attempt; a disconnected wallet can be connected and retried;
// anything else is a transport failure.
var (
	// ErrUserRejected indicates the wallet owner explicitly declined to sign.
	ErrUserRejected = errors.New("wallet: user rejected signing request")

	// ErrNotConnected indicates no active wallet session.
	ErrNotConnected = errors.New("wallet: not connected")

	// ErrApprovalTimeout indicates a pairing or signing request was never
	// approved before its deadline.
	ErrApprovalTimeout = errors.New("wallet: approval timed out")
)

// Wallet is the capability interface for payment signing.
type Wallet interface {
	// Address returns the wallet's account address.
	Address() string

	// SignTypedData signs EIP-712 typed data and returns the 65-byte
	// signature. Signing may require out-of-band approval and must honor
	// ctx cancellation rather than block indefinitely.
	SignTypedData(ctx context.Context, domain eip712.TypedDataDomain, types map[string][]eip712.TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)

	// IsConnected reports whether the wallet can currently sign.
	IsConnected() bool

	// Connect establishes the wallet session.
	Connect(ctx context.Context) error

	// Disconnect tears down the wallet session.
	Disconnect() error
}
