// Package gateway implements the HTTP transport of the payment protocol:
// the challenge/response exchange with the payment gateway, header
// encoding, and the unauthenticated discovery and balance reads.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quotient-labs/agentpay"
)

// Well-known gateway paths.
const (
	PathQuery   = "/api/query"
	PathProxy   = "/api/proxy"
	PathDeposit = "/api/credits/deposit"
	PathCatalog = "/api/catalog"
	PathCredits = "/api/credits/"
)

// Config configures a gateway Client.
type Config struct {
	// BaseURL is the gateway root, e.g. "https://gateway.example.com".
	BaseURL string
	// HTTPClient is the underlying transport. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// QueryTimeout bounds each exchange when the request carries no
	// explicit timeout. Defaults to 30s.
	QueryTimeout time.Duration
	// Logger receives transport events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Client is the gateway protocol transport. A 402 response is parsed and
// returned as a normal branch; every other non-2xx status becomes an
// *HTTPError.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	queryTimeout time.Duration
	logger       *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:   cfg.HTTPClient,
		queryTimeout: cfg.QueryTimeout,
		logger:       cfg.Logger,
	}, nil
}

// Send performs one exchange with the gateway. The caller-supplied timeout
// (or the configured default) cancels the in-flight transport cooperatively;
// a deadline hit surfaces as a distinct timeout failure so retry policy can
// treat it like a 5xx.
func (c *Client) Send(ctx context.Context, req agentpay.GatewayRequest) (agentpay.GatewayResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.queryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return agentpay.GatewayResponse{}, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return agentpay.GatewayResponse{}, fmt.Errorf("failed to build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get(agentpay.HeaderRequestID) == "" {
		httpReq.Header.Set(agentpay.HeaderRequestID, uuid.NewString())
	}

	requestID := httpReq.Header.Get(agentpay.HeaderRequestID)
	c.logger.Debug("gateway request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("request_id", requestID))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return agentpay.GatewayResponse{}, agentpay.WrapPaymentError(
				agentpay.ErrCodeTransportTimeout,
				fmt.Sprintf("%s %s timed out after %s", req.Method, req.Path, timeout), err)
		}
		return agentpay.GatewayResponse{}, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agentpay.GatewayResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("gateway response",
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(body)))

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		challenge, err := ParseChallenge(body)
		if err != nil {
			return agentpay.GatewayResponse{}, fmt.Errorf("malformed 402 challenge: %w", err)
		}
		return agentpay.GatewayResponse{
			StatusCode:      resp.StatusCode,
			PaymentRequired: challenge,
		}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return agentpay.GatewayResponse{
			StatusCode:       resp.StatusCode,
			Data:             body,
			SettlementHeader: resp.Header.Get(agentpay.HeaderPaymentResponse),
		}, nil

	default:
		return agentpay.GatewayResponse{}, newHTTPError(req.Method, req.Path, resp.StatusCode, body)
	}
}

// Query submits a data query. The response may be a 402 challenge.
func (c *Client) Query(ctx context.Context, body interface{}, timeout time.Duration) (agentpay.GatewayResponse, error) {
	return c.Send(ctx, agentpay.GatewayRequest{
		Method:  http.MethodPost,
		Path:    PathQuery,
		Body:    body,
		Timeout: timeout,
	})
}

// Proxy submits an upstream API passthrough request.
func (c *Client) Proxy(ctx context.Context, body interface{}, timeout time.Duration) (agentpay.GatewayResponse, error) {
	return c.Send(ctx, agentpay.GatewayRequest{
		Method:  http.MethodPost,
		Path:    PathProxy,
		Body:    body,
		Timeout: timeout,
	})
}

// Deposit submits a prepaid credit deposit carrying the signed authorization
// in the payment header.
func (c *Client) Deposit(ctx context.Context, paymentHeader string) (agentpay.GatewayResponse, error) {
	return c.Send(ctx, agentpay.GatewayRequest{
		Method:  http.MethodPost,
		Path:    PathDeposit,
		Headers: map[string]string{agentpay.HeaderPayment: paymentHeader},
	})
}

// Catalog fetches the gateway's resource catalog. Unauthenticated.
func (c *Client) Catalog(ctx context.Context) ([]agentpay.CatalogEntry, error) {
	resp, err := c.Send(ctx, agentpay.GatewayRequest{Method: http.MethodGet, Path: PathCatalog})
	if err != nil {
		return nil, err
	}
	var entries []agentpay.CatalogEntry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("invalid catalog response: %w", err)
	}
	return entries, nil
}

// CreditBalance fetches the prepaid ledger snapshot for a wallet address.
// The gateway is authoritative; the result is never cached.
func (c *Client) CreditBalance(ctx context.Context, walletAddress string) (agentpay.CreditBalance, error) {
	resp, err := c.Send(ctx, agentpay.GatewayRequest{
		Method: http.MethodGet,
		Path:   PathCredits + walletAddress,
	})
	if err != nil {
		return agentpay.CreditBalance{}, err
	}
	var balance agentpay.CreditBalance
	if err := json.Unmarshal(resp.Data, &balance); err != nil {
		return agentpay.CreditBalance{}, fmt.Errorf("invalid balance response: %w", err)
	}
	return balance, nil
}
