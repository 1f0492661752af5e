package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/quotient-labs/agentpay/eip712"
)

// transferWithAuthorizationABI is the single EIP-3009 entrypoint the relay
// calls. The v/r/s variant is the one deployed USDC contracts expose.
const transferWithAuthorizationABI = `[{
	"type": "function",
	"name": "transferWithAuthorization",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": []
}]`

// DirectConfig configures a DirectRelay.
type DirectConfig struct {
	// RPCURL is the Ethereum JSON-RPC endpoint.
	RPCURL string
	// PrivateKey is the 0x-hex key of the account paying gas. The payer of
	// the authorization never pays gas; that is the point of EIP-3009.
	PrivateKey string
	// SubmitTimeout bounds one submission end to end. Default 60s.
	SubmitTimeout time.Duration
	// ProbeTimeout bounds availability probes. Default 2s.
	ProbeTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DirectRelay submits authorizations straight to the token contract as
// EIP-1559 transactions.
type DirectRelay struct {
	rpcURL        string
	submitTimeout time.Duration
	probeTimeout  time.Duration
	logger        *zap.Logger

	signerKey     *ecdsa.PrivateKey
	signerAddress common.Address
	abi           abi.ABI
	dialFunc      func(ctx context.Context, url string) (ethBackend, error)
}

// ethBackend is the slice of ethclient.Client the relay uses, split out so
// tests can run without an RPC endpoint.
type ethBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

// NewDirectRelay creates a relay over an Ethereum RPC endpoint.
func NewDirectRelay(cfg DirectConfig) (*DirectRelay, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("relay: RPC URL is required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("relay: private key is required")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("relay: invalid private key: %w", err)
	}

	contractABI, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("relay: failed to parse contract ABI: %w", err)
	}

	r := &DirectRelay{
		rpcURL:        cfg.RPCURL,
		submitTimeout: cfg.SubmitTimeout,
		probeTimeout:  cfg.ProbeTimeout,
		logger:        cfg.Logger,
		abi:           contractABI,
		dialFunc: func(ctx context.Context, url string) (ethBackend, error) {
			return ethclient.DialContext(ctx, url)
		},
	}
	r.signerKey = key
	r.signerAddress = crypto.PubkeyToAddress(key.PublicKey)
	return r, nil
}

// SubmitAuthorization packs the transferWithAuthorization call and sends it
// as an EIP-1559 transaction signed by the gas payer key.
func (d *DirectRelay) SubmitAuthorization(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if err := validateParams(params); err != nil {
		return SubmitResult{}, err
	}

	txData, err := d.packCall(params)
	if err != nil {
		return SubmitResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.submitTimeout)
	defer cancel()

	client, err := d.dialFunc(ctx, d.rpcURL)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to dial RPC endpoint: %w", err)
	}
	defer client.Close()

	contract := common.HexToAddress(params.Contract)

	txNonce, err := client.PendingNonceAt(ctx, d.signerAddress)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to get pending nonce: %w", err)
	}
	gasTipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to suggest gas tip cap: %w", err)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to get block header: %w", err)
	}
	if header.BaseFee == nil {
		return SubmitResult{}, fmt.Errorf("relay: network does not support EIP-1559")
	}
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: d.signerAddress,
		To:   &contract,
		Data: txData,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   params.ChainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(params.ChainID), d.signerKey)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to send transaction: %w", err)
	}

	d.logger.Info("settlement submitted",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("contract", params.Contract),
		zap.String("chain_id", params.ChainID.String()))

	return SubmitResult{TxHash: signedTx.Hash().Hex()}, nil
}

// packCall ABI-encodes the transferWithAuthorization call.
func (d *DirectRelay) packCall(params SubmitParams) ([]byte, error) {
	value, _ := new(big.Int).SetString(params.Authorization.Value, 10)
	validAfter, ok := new(big.Int).SetString(params.Authorization.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("relay: invalid validAfter: %s", params.Authorization.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(params.Authorization.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("relay: invalid validBefore: %s", params.Authorization.ValidBefore)
	}
	nonce, err := eip712.NonceBytes(params.Authorization.Nonce)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	sig, err := eip712.DecodeSignature(params.Signature)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	r, s, v, err := eip712.SplitSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	data, err := d.abi.Pack("transferWithAuthorization",
		common.HexToAddress(params.Authorization.From),
		common.HexToAddress(params.Authorization.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to pack call data: %w", err)
	}
	return data, nil
}

// IsAvailable probes the RPC endpoint with a chain-id call.
func (d *DirectRelay) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	client, err := d.dialFunc(ctx, d.rpcURL)
	if err != nil {
		return false
	}
	defer client.Close()

	_, err = client.ChainID(ctx)
	return err == nil
}
