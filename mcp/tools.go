// Package mcp exposes the payment client as MCP tools so an agent framework
// can issue paid queries without knowing the 402 protocol. The package stays
// thin: it owns no transport, the caller supplies the MCP server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/quotient-labs/agentpay"
)

// Executor runs paid operations. Satisfied by *agentpay.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, req agentpay.Request) agentpay.Outcome
}

// Directory serves the gateway's unpaid read endpoints. Satisfied by
// *gateway.Client.
type Directory interface {
	Catalog(ctx context.Context) ([]agentpay.CatalogEntry, error)
	CreditBalance(ctx context.Context, walletAddress string) (agentpay.CreditBalance, error)
}

// Config configures the tool surface.
type Config struct {
	Executor  Executor
	Directory Directory
	// WalletAddress is the default address for credit_balance lookups.
	WalletAddress string
	// QueryPath is the gateway endpoint paid_query posts to.
	// Default "/api/query".
	QueryPath string
	// QueryTimeout bounds each paid_query exchange. Default 60s.
	QueryTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Tools registers the payment client's MCP tools.
type Tools struct {
	executor      Executor
	directory     Directory
	walletAddress string
	queryPath     string
	queryTimeout  time.Duration
	logger        *zap.Logger
}

// NewTools creates the tool surface.
func NewTools(cfg Config) (*Tools, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("mcp: executor is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("mcp: directory is required")
	}
	if cfg.QueryPath == "" {
		cfg.QueryPath = "/api/query"
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tools{
		executor:      cfg.Executor,
		directory:     cfg.Directory,
		walletAddress: cfg.WalletAddress,
		queryPath:     cfg.QueryPath,
		queryTimeout:  cfg.QueryTimeout,
		logger:        cfg.Logger,
	}, nil
}

// Register adds the paid_query, catalog and credit_balance tools to the
// given MCP server.
func (t *Tools) Register(server *mcpsdk.Server) {
	server.AddTool(&mcpsdk.Tool{
		Name: "paid_query",
		Description: "Run a paid data query through the payment gateway. " +
			"Payment is negotiated and settled automatically; the result " +
			"reports the cost in USDC.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"sql": map[string]interface{}{
					"type":        "string",
					"description": "The SQL query to run",
				},
			},
			"required": []string{"sql"},
		},
	}, t.handlePaidQuery)

	server.AddTool(&mcpsdk.Tool{
		Name:        "catalog",
		Description: "List the purchasable resources the gateway offers. Free.",
		InputSchema: map[string]interface{}{"type": "object"},
	}, t.handleCatalog)

	server.AddTool(&mcpsdk.Tool{
		Name:        "credit_balance",
		Description: "Fetch the prepaid credit balance for a wallet. Free.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"wallet": map[string]interface{}{
					"type":        "string",
					"description": "Wallet address; defaults to the configured wallet",
				},
			},
		},
	}, t.handleBalance)
}

func (t *Tools) handlePaidQuery(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		SQL string `json:"sql"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return toolError("invalid arguments: " + err.Error()), nil
		}
	}
	if args.SQL == "" {
		return toolError("sql argument is required"), nil
	}

	outcome := t.executor.Execute(ctx, agentpay.Request{
		Method:  "POST",
		Path:    t.queryPath,
		Body:    map[string]string{"sql": args.SQL},
		Timeout: t.queryTimeout,
	})
	if !outcome.Success {
		t.logger.Warn("paid query failed",
			zap.String("code", outcome.Err.Code),
			zap.String("message", outcome.Err.Message))
		return toolError(fmt.Sprintf("%s: %s", outcome.Err.Code, outcome.Err.Message)), nil
	}

	text, err := json.Marshal(outcome.Data)
	if err != nil {
		return toolError("result not serializable: " + err.Error()), nil
	}

	result := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}
	meta := map[string]interface{}{"truncated": outcome.Truncated}
	if outcome.Cost != "" {
		meta["cost"] = outcome.Cost
	}
	if outcome.Receipt != nil {
		meta["transaction"] = outcome.Receipt.Transaction
	}
	result.Meta = mcpsdk.Meta(meta)
	return result, nil
}

func (t *Tools) handleCatalog(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	entries, err := t.directory.Catalog(ctx)
	if err != nil {
		return toolError("catalog fetch failed: " + err.Error()), nil
	}
	text, err := json.Marshal(entries)
	if err != nil {
		return toolError("catalog not serializable: " + err.Error()), nil
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}, nil
}

func (t *Tools) handleBalance(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Wallet string `json:"wallet"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return toolError("invalid arguments: " + err.Error()), nil
		}
	}
	address := args.Wallet
	if address == "" {
		address = t.walletAddress
	}
	if address == "" {
		return toolError("no wallet address configured or supplied"), nil
	}

	balance, err := t.directory.CreditBalance(ctx, address)
	if err != nil {
		return toolError("balance fetch failed: " + err.Error()), nil
	}
	text, err := json.Marshal(balance)
	if err != nil {
		return toolError("balance not serializable: " + err.Error()), nil
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}, nil
}

func toolError(message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: message}},
	}
}
