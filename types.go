// Package agentpay implements the client core of an HTTP 402 payment
// protocol for autonomous agents: it detects payment-required challenges
// from a gateway, constructs and signs EIP-3009 transfer authorizations, and
// retries the original request with proof of payment attached.
package agentpay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quotient-labs/agentpay/eip712"
)

// ProtocolVersion is the supported x402 protocol version.
const ProtocolVersion = 1

// SchemeExact is the only payment scheme this client can fulfill: the signed
// authorization transfers exactly the required amount.
const SchemeExact = "exact"

// HTTP header names of the payment wire protocol.
const (
	// HeaderPayment carries base64(JSON(PaymentPayload)) on retried requests.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentGatewayLeg carries the gateway-fee leg payload of a
	// two-leg charge.
	HeaderPaymentGatewayLeg = "X-PAYMENT-GATEWAY"
	// HeaderPaymentResponse carries the base64(JSON) settlement receipt on
	// successful responses.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	// HeaderRequestID correlates all requests of one logical operation.
	HeaderRequestID = "X-Request-Id"
)

// DomainDescriptor is the typed-data domain a gateway may attach to a
// payment requirement. Empty fields fall back to the USDC defaults.
type DomainDescriptor struct {
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ChainID           int64  `json:"chainId,omitempty"`
	VerifyingContract string `json:"verifyingContract,omitempty"`
}

// PaymentRequirement is one accepted payment method offered by the gateway.
// Immutable once received; its lifetime is a single request attempt.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	Description       string            `json:"description,omitempty"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds"`
	Extra             *DomainDescriptor `json:"extra,omitempty"`
	PaymentRequestID  string            `json:"paymentRequestId,omitempty"`
}

// PaymentRequirementsResponse is the full body of a 402 challenge. The
// accepts list is ordered by gateway preference; acceptance is first-match.
type PaymentRequirementsResponse struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Accepts     []PaymentRequirement   `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`

	// Set only on insufficient-prepaid-balance challenges.
	MinimumRequired string `json:"minimumRequired,omitempty"`
	DepositEndpoint string `json:"depositEndpoint,omitempty"`
}

// IsInsufficientCredit distinguishes the prepaid-balance challenge shape
// from a generic payment-required body.
func (r *PaymentRequirementsResponse) IsInsufficientCredit() bool {
	return r.MinimumRequired != "" && r.DepositEndpoint != ""
}

// IsTwoLeg reports whether the challenge represents a gateway-fee plus
// upstream-resource charge. The accepts list then carries the upstream leg
// first and the gateway leg second.
func (r *PaymentRequirementsResponse) IsTwoLeg() bool {
	flag, ok := r.Extensions["twoLeg"].(bool)
	return ok && flag && len(r.Accepts) >= 2
}

// ExactPayload is the signed authorization of an exact-scheme payment.
type ExactPayload struct {
	Signature     string                       `json:"signature"`
	Authorization eip712.TransferAuthorization `json:"authorization"`
}

// PaymentPayload is the wire envelope attached to a retried request as a
// base64-encoded header. Created once per retried request and never reused:
// the nonce binds it to the request.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// SettlementReceipt is the decoded settlement response header.
type SettlementReceipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// CreditBalance is a per-wallet prepaid ledger snapshot. The gateway is the
// authority; this view is re-fetched, never locally mutated or cached.
type CreditBalance struct {
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

// CatalogEntry describes one purchasable resource advertised by the gateway.
type CatalogEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// GatewayRequest describes one HTTP exchange with the payment gateway.
type GatewayRequest struct {
	Method  string
	Path    string
	Body    interface{}
	Headers map[string]string
	// Timeout bounds this exchange; zero uses the transport default.
	Timeout time.Duration
}

// GatewayResponse is the decoded result of a gateway exchange. A 402 is a
// normal branch carried in PaymentRequired, not an error.
type GatewayResponse struct {
	StatusCode      int
	Data            json.RawMessage
	PaymentRequired *PaymentRequirementsResponse
	// SettlementHeader is the raw settlement receipt header, decoded
	// explicitly by the caller when present.
	SettlementHeader string
}

// Gateway is the transport capability the orchestrator drives. The concrete
// implementation lives in the gateway package.
type Gateway interface {
	Send(ctx context.Context, req GatewayRequest) (GatewayResponse, error)
}

// ValidateRequirement performs basic validation on a payment requirement
// before an authorization is built from it.
func ValidateRequirement(r PaymentRequirement) error {
	if r.Scheme == "" {
		return NewPaymentError(ErrCodeValidation, "payment scheme is required", nil)
	}
	if r.Scheme != SchemeExact {
		return NewPaymentError(ErrCodeUnsupportedScheme, "unsupported payment scheme: "+r.Scheme, nil)
	}
	if r.Network == "" {
		return NewPaymentError(ErrCodeValidation, "payment network is required", nil)
	}
	if r.Asset == "" {
		return NewPaymentError(ErrCodeValidation, "payment asset is required", nil)
	}
	if r.PayTo == "" {
		return NewPaymentError(ErrCodeValidation, "payment recipient is required", nil)
	}
	if r.MaxAmountRequired == "" {
		return NewPaymentError(ErrCodeValidation, "payment amount is required", nil)
	}
	return nil
}
