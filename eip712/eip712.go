// Package eip712 builds and hashes the domain-separated typed data that
// authorizes an EIP-3009 token transfer. Everything here is pure: no network
// I/O, and the only entropy is the nonce generator.
package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Default EIP-712 domain values used when the gateway's payment requirement
// omits them. These match the USDC token contract deployment.
const (
	DefaultDomainName    = "USD Coin"
	DefaultDomainVersion = "2"
)

// PrimaryType is the EIP-712 primary type for transfer authorizations.
const PrimaryType = "TransferWithAuthorization"

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField is a single field in an EIP-712 type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// BuildDomain constructs the EIP-712 domain for a token contract, filling
// the USDC defaults when name or version are empty.
func BuildDomain(chainID *big.Int, verifyingContract, name, version string) TypedDataDomain {
	if name == "" {
		name = DefaultDomainName
	}
	if version == "" {
		version = DefaultDomainVersion
	}
	return TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// AuthorizationTypes returns the type definitions for TransferWithAuthorization.
// The six-field order is fixed by the wire contract; the signature is computed
// over exactly this structure.
func AuthorizationTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		PrimaryType: {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

// HashTypedData computes the EIP-712 digest
// keccak256("\x19\x01" + domainSeparator + structHash) for the given typed
// data. The EIP712Domain type is filled in from AuthorizationTypes when the
// caller's type set omits it.
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if _, ok := types["EIP712Domain"]; !ok {
		merged := make(map[string][]TypedDataField, len(types)+1)
		for name, fields := range types {
			merged[name] = fields
		}
		merged["EIP712Domain"] = AuthorizationTypes()["EIP712Domain"]
		types = merged
	}

	digest, _, err := apitypes.TypedDataAndHash(apitypes.TypedData{
		Types:       toAPITypes(types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return digest, nil
}

func toAPITypes(types map[string][]TypedDataField) apitypes.Types {
	out := make(apitypes.Types, len(types))
	for name, fields := range types {
		converted := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			converted[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		out[name] = converted
	}
	return out
}
