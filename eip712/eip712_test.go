package eip712

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFrom  = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	testTo    = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

func TestBuildDomainDefaults(t *testing.T) {
	d := BuildDomain(big.NewInt(8453), testAsset, "", "")
	assert.Equal(t, "USD Coin", d.Name)
	assert.Equal(t, "2", d.Version)
	assert.Equal(t, testAsset, d.VerifyingContract)

	d = BuildDomain(big.NewInt(1), testAsset, "Custom Token", "1")
	assert.Equal(t, "Custom Token", d.Name)
	assert.Equal(t, "1", d.Version)
}

func TestBuildAuthorization(t *testing.T) {
	a, err := BuildAuthorization(testFrom, testTo, "1000000", time.Hour, "")
	require.NoError(t, err)

	assert.Equal(t, testFrom, a.From)
	assert.Equal(t, testTo, a.To)
	assert.Equal(t, "1000000", a.Value)
	assert.Len(t, a.Nonce, 66) // 0x + 64 hex chars

	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	require.True(t, ok)
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	require.True(t, ok)

	now := time.Now().Unix()
	assert.LessOrEqual(t, validAfter.Int64(), now)
	assert.Greater(t, validBefore.Int64(), now)
	// validAfter carries the 60s clock-skew buffer.
	assert.InDelta(t, now-60, validAfter.Int64(), 2)
	assert.InDelta(t, now+3600, validBefore.Int64(), 2)
}

func TestBuildAuthorizationExplicitNonce(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	a, err := BuildAuthorization(testFrom, testTo, "1", time.Minute, nonce)
	require.NoError(t, err)
	assert.Equal(t, nonce, a.Nonce)
}

func TestBuildAuthorizationRejectsBadValue(t *testing.T) {
	_, err := BuildAuthorization(testFrom, testTo, "1.5", time.Minute, "")
	require.Error(t, err)
	_, err = BuildAuthorization(testFrom, testTo, "", time.Minute, "")
	require.Error(t, err)
}

func TestNonceUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		a, err := BuildAuthorization(testFrom, testTo, "1000000", time.Hour, "")
		require.NoError(t, err)
		require.False(t, seen[a.Nonce], "duplicate nonce %s", a.Nonce)
		seen[a.Nonce] = true
	}
}

func TestNonceBytes(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	b, err := NonceBytes(nonce)
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, b)

	_, err = NonceBytes("0xdeadbeef")
	require.Error(t, err)
	_, err = NonceBytes("not hex")
	require.Error(t, err)
}

func TestHashAuthorizationDeterministic(t *testing.T) {
	domain := BuildDomain(big.NewInt(84532), testAsset, "", "")
	a := TransferAuthorization{
		From:        testFrom,
		To:          testTo,
		Value:       "1000000",
		ValidAfter:  "1740672089",
		ValidBefore: "1740675689",
		Nonce:       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
	}

	h1, err := HashAuthorization(domain, a)
	require.NoError(t, err)
	require.Len(t, h1, 32)

	h2, err := HashAuthorization(domain, a)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Any field change produces a different digest.
	a2 := a
	a2.Value = "1000001"
	h3, err := HashAuthorization(domain, a2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashTypedDataFillsDomainType(t *testing.T) {
	domain := BuildDomain(big.NewInt(84532), testAsset, "", "")
	a := TransferAuthorization{
		From:        testFrom,
		To:          testTo,
		Value:       "1000000",
		ValidAfter:  "1740672089",
		ValidBefore: "1740675689",
		Nonce:       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
	}
	message, err := AuthorizationMessage(a)
	require.NoError(t, err)

	full, err := HashTypedData(domain, AuthorizationTypes(), PrimaryType, message)
	require.NoError(t, err)

	// A type set that omits EIP712Domain gets the standard domain type and
	// hashes identically.
	partial := map[string][]TypedDataField{
		PrimaryType: AuthorizationTypes()[PrimaryType],
	}
	got, err := HashTypedData(domain, partial, PrimaryType, message)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i)
	}

	t.Run("normalizes v from recovery id", func(t *testing.T) {
		sig[64] = 0
		_, _, v, err := SplitSignature(sig)
		require.NoError(t, err)
		assert.Equal(t, byte(27), v)

		sig[64] = 1
		_, _, v, err = SplitSignature(sig)
		require.NoError(t, err)
		assert.Equal(t, byte(28), v)
	})

	t.Run("keeps already normalized v", func(t *testing.T) {
		sig[64] = 28
		r, s, v, err := SplitSignature(sig)
		require.NoError(t, err)
		assert.Equal(t, byte(28), v)
		assert.Equal(t, sig[0:32], r[:])
		assert.Equal(t, sig[32:64], s[:])
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, _, _, err := SplitSignature(sig[:64])
		require.Error(t, err)
	})
}

func TestSignatureEncoding(t *testing.T) {
	raw := make([]byte, 65)
	raw[0] = 0xab
	encoded := EncodeSignature(raw)
	assert.True(t, len(encoded) == 132)

	decoded, err := DecodeSignature(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
