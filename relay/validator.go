package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quotient-labs/agentpay/eip712"
)

// ValidatorConfig configures a ValidatorRelay.
type ValidatorConfig struct {
	// BaseURL of the validator relay service.
	BaseURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// SubmitTimeout bounds one relay submission. Default 30s.
	SubmitTimeout time.Duration
	// ProbeTimeout bounds health probes. Default 2s.
	ProbeTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// ValidatorRelay submits authorizations to a validator network that executes
// the transfer on the client's behalf.
type ValidatorRelay struct {
	baseURL       string
	httpClient    *http.Client
	submitTimeout time.Duration
	probeTimeout  time.Duration
	logger        *zap.Logger
}

// NewValidatorRelay creates a relay over a validator service endpoint.
func NewValidatorRelay(cfg ValidatorConfig) (*ValidatorRelay, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("relay: base URL is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ValidatorRelay{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:    cfg.HTTPClient,
		submitTimeout: cfg.SubmitTimeout,
		probeTimeout:  cfg.ProbeTimeout,
		logger:        cfg.Logger,
	}, nil
}

type relaySubmission struct {
	ChainID  string                 `json:"chainId"`
	Contract string                 `json:"contract"`
	Method   string                 `json:"method"`
	Params   map[string]interface{} `json:"params"`
}

type relayResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubmitAuthorization posts the authorization and split signature to the
// validator's relay endpoint.
func (v *ValidatorRelay) SubmitAuthorization(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if err := validateParams(params); err != nil {
		return SubmitResult{}, err
	}

	sig, err := eip712.DecodeSignature(params.Signature)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: %w", err)
	}
	r, s, vByte, err := eip712.SplitSignature(sig)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: %w", err)
	}

	submission := relaySubmission{
		ChainID:  params.ChainID.String(),
		Contract: params.Contract,
		Method:   "transferWithAuthorization",
		Params: map[string]interface{}{
			"from":        params.Authorization.From,
			"to":          params.Authorization.To,
			"value":       params.Authorization.Value,
			"validAfter":  params.Authorization.ValidAfter,
			"validBefore": params.Authorization.ValidBefore,
			"nonce":       params.Authorization.Nonce,
			"v":           vByte,
			"r":           eip712.EncodeSignature(r[:]),
			"s":           eip712.EncodeSignature(s[:]),
		},
	}
	body, err := json.Marshal(submission)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to marshal submission: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/relay", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: submission failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("relay: failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitResult{}, fmt.Errorf("relay: validator returned status %d", resp.StatusCode)
	}

	var result relayResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("relay: invalid validator response: %w", err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "validator rejected submission"
		}
		return SubmitResult{}, fmt.Errorf("relay: %s", msg)
	}

	v.logger.Info("settlement relayed",
		zap.String("tx_hash", result.TxHash),
		zap.String("contract", params.Contract))

	return SubmitResult{TxHash: result.TxHash}, nil
}

// IsAvailable probes the validator's health endpoint.
func (v *ValidatorRelay) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
