package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotient-labs/agentpay/eip712"
)

const testPrivateKey = "0x4646464646464646464646464646464646464646464646464646464646464646"

func testTypedData() (eip712.TypedDataDomain, map[string][]eip712.TypedDataField, string, map[string]interface{}) {
	domain := eip712.BuildDomain(big.NewInt(84532), "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "", "")
	auth := eip712.TransferAuthorization{
		From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Value:       "1000000",
		ValidAfter:  "1740672089",
		ValidBefore: "1740675689",
		Nonce:       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
	}
	message, _ := eip712.AuthorizationMessage(auth)
	return domain, eip712.AuthorizationTypes(), eip712.PrimaryType, message
}

func TestNewLocalWallet(t *testing.T) {
	w, err := NewLocalWallet(testPrivateKey)
	require.NoError(t, err)
	assert.True(t, w.IsConnected())
	assert.NotEmpty(t, w.Address())

	// 0x prefix is optional.
	w2, err := NewLocalWallet(testPrivateKey[2:])
	require.NoError(t, err)
	assert.Equal(t, w.Address(), w2.Address())

	_, err = NewLocalWallet("not-a-key")
	require.Error(t, err)
}

func TestLocalWalletSignTypedData(t *testing.T) {
	w, err := NewLocalWallet(testPrivateKey)
	require.NoError(t, err)

	domain, types, primaryType, message := testTypedData()
	sig, err := w.SignTypedData(context.Background(), domain, types, primaryType, message)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// The signature must recover to the wallet address.
	digest, err := eip712.HashTypedData(domain, types, primaryType, message)
	require.NoError(t, err)

	recSig := make([]byte, 65)
	copy(recSig, sig)
	recSig[64] -= 27
	pub, err := crypto.SigToPub(digest, recSig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), crypto.PubkeyToAddress(*pub).Hex())
}

func TestLocalWalletSignCancelled(t *testing.T) {
	w, err := NewLocalWallet(testPrivateKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	domain, types, primaryType, message := testTypedData()
	_, err = w.SignTypedData(ctx, domain, types, primaryType, message)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLocalWalletConnectLifecycle(t *testing.T) {
	w, err := NewLocalWallet(testPrivateKey)
	require.NoError(t, err)

	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Disconnect())
	assert.True(t, w.IsConnected())
}
