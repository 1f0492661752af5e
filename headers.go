package agentpay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodePaymentHeader encodes a payment payload for header transport as
// base64(JSON). The payload never mixes into the request body.
func EncodePaymentHeader(p PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes a base64(JSON) payment header.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment payload JSON: %w", err)
	}
	return p, nil
}

// EncodeSettlementHeader encodes a settlement receipt for header transport.
func EncodeSettlementHeader(r SettlementReceipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader decodes a base64(JSON) settlement receipt header.
// The header is optional and scheme-specific, so it is never auto-parsed by
// the transport; callers decode it explicitly.
func DecodeSettlementHeader(header string) (SettlementReceipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return SettlementReceipt{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var r SettlementReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return SettlementReceipt{}, fmt.Errorf("invalid settlement receipt JSON: %w", err)
	}
	return r, nil
}
