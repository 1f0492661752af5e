package eip712

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureLength is the size of an ECDSA signature: 32-byte r, 32-byte s,
// 1-byte recovery id.
const SignatureLength = 65

// SplitSignature splits a 65-byte signature into its r, s and v components.
// A recovery id received in 0/1 form is normalized to 27/28.
func SplitSignature(sig []byte) (r, s [32]byte, v byte, err error) {
	if len(sig) != SignatureLength {
		return r, s, 0, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v == 0 || v == 1 {
		v += 27
	}
	return r, s, v, nil
}

// DecodeSignature decodes a 0x-hex signature string into raw bytes.
func DecodeSignature(sig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	return raw, nil
}

// EncodeSignature encodes raw signature bytes as a 0x-hex string.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
