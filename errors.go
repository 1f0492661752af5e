package agentpay

import "fmt"

// Error codes surfaced at the orchestrator boundary. Callers branch on these
// rather than on error strings.
const (
	ErrCodeValidation         = "validation_failed"
	ErrCodeWalletNotConnected = "wallet_not_connected"
	ErrCodeUserRejected       = "user_rejected"
	ErrCodeTransportTimeout   = "transport_timeout"
	ErrCodeTransportFailure   = "transport_failure"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeInsufficientCredit = "insufficient_credit"
	ErrCodeDepositFailed      = "deposit_failed"
)

// PaymentError is a payment-specific error with a machine-readable code.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *PaymentError) Unwrap() error {
	return e.cause
}

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// WrapPaymentError creates a payment error that preserves its cause.
func WrapPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{Code: code, Message: message, cause: cause}
}
