// Package gatewaytest provides an in-process fake payment gateway for
// testing clients of the 402 protocol. It issues challenges, verifies signed
// transfer authorizations, and mimics the prepaid-credit flow.
package gatewaytest

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/quotient-labs/agentpay"
	"github.com/quotient-labs/agentpay/eip712"
)

// Options configures the fake gateway's behavior.
type Options struct {
	// PriceAtomic is the per-request price in atomic units. Default "1000000".
	PriceAtomic string
	// PayTo is the payee address advertised in challenges.
	PayTo string
	// Asset is the token contract address advertised in challenges.
	Asset string
	// Network is the challenge network identifier. Default "eip155:84532".
	Network string
	// ChainID for the typed-data domain. Default 84532.
	ChainID int64
	// TwoLeg advertises a gateway-fee leg in addition to the resource leg.
	TwoLeg bool
	// GatewayFeeAtomic is the fee-leg price when TwoLeg is set. Default "10000".
	GatewayFeeAtomic string
	// InsufficientCredit makes the first challenge an insufficient-prepaid
	// shape with this minimum required decimal amount (e.g. "5.00").
	InsufficientCredit string
	// RejectSettlement answers every paid retry with another 402, as a
	// gateway whose settlement keeps failing would.
	RejectSettlement bool
	// Free serves requests without any challenge.
	Free bool
	// ResponseBody is returned on success. Defaults to a small row set.
	ResponseBody interface{}
}

// Gateway is a fake payment gateway backed by httptest.
type Gateway struct {
	URL  string
	srv  *httptest.Server
	opts Options

	mu           sync.Mutex
	payments     []agentpay.PaymentPayload
	deposits     []agentpay.PaymentPayload
	credited     bool
	requestCount int
}

// New starts a fake gateway. Callers must Close it.
func New(opts Options) *Gateway {
	if opts.PriceAtomic == "" {
		opts.PriceAtomic = "1000000"
	}
	if opts.PayTo == "" {
		opts.PayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	}
	if opts.Asset == "" {
		opts.Asset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	}
	if opts.Network == "" {
		opts.Network = "eip155:84532"
	}
	if opts.ChainID == 0 {
		opts.ChainID = 84532
	}
	if opts.GatewayFeeAtomic == "" {
		opts.GatewayFeeAtomic = "10000"
	}
	if opts.ResponseBody == nil {
		opts.ResponseBody = gin.H{
			"rows":    []gin.H{{"id": 1, "symbol": "ETHUSD"}, {"id": 2, "symbol": "BTCUSD"}},
			"columns": []string{"id", "symbol"},
		}
	}

	g := &Gateway{opts: opts}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/query", g.handlePaid)
	router.POST("/api/proxy", g.handlePaid)
	router.POST("/api/credits/deposit", g.handleDeposit)
	router.GET("/api/catalog", g.handleCatalog)
	router.GET("/api/credits/:wallet", g.handleBalance)

	g.srv = httptest.NewServer(router)
	g.URL = g.srv.URL
	return g
}

// Close shuts the fake down.
func (g *Gateway) Close() { g.srv.Close() }

// Payments returns the resource payments received so far.
func (g *Gateway) Payments() []agentpay.PaymentPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]agentpay.PaymentPayload(nil), g.payments...)
}

// Deposits returns the deposit authorizations received so far.
func (g *Gateway) Deposits() []agentpay.PaymentPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]agentpay.PaymentPayload(nil), g.deposits...)
}

// RequestCount reports how many paid-endpoint requests arrived.
func (g *Gateway) RequestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requestCount
}

func (g *Gateway) requirement(value string) agentpay.PaymentRequirement {
	return agentpay.PaymentRequirement{
		Scheme:            agentpay.SchemeExact,
		Network:           g.opts.Network,
		MaxAmountRequired: value,
		Asset:             g.opts.Asset,
		PayTo:             g.opts.PayTo,
		Description:       "metered data access",
		MaxTimeoutSeconds: 300,
		Extra: &agentpay.DomainDescriptor{
			ChainID:           g.opts.ChainID,
			VerifyingContract: g.opts.Asset,
		},
	}
}

func (g *Gateway) challenge() agentpay.PaymentRequirementsResponse {
	resp := agentpay.PaymentRequirementsResponse{
		X402Version: agentpay.ProtocolVersion,
		Accepts:     []agentpay.PaymentRequirement{g.requirement(g.opts.PriceAtomic)},
	}
	if g.opts.TwoLeg {
		resp.Accepts = append(resp.Accepts, g.requirement(g.opts.GatewayFeeAtomic))
		resp.Extensions = map[string]interface{}{"twoLeg": true}
	}
	return resp
}

func (g *Gateway) handlePaid(c *gin.Context) {
	g.mu.Lock()
	g.requestCount++
	credited := g.credited
	g.mu.Unlock()

	if g.opts.Free {
		g.respondSuccess(c, nil)
		return
	}

	if g.opts.InsufficientCredit != "" && !credited {
		c.JSON(http.StatusPaymentRequired, agentpay.PaymentRequirementsResponse{
			X402Version:     agentpay.ProtocolVersion,
			Error:           "insufficient prepaid balance",
			Accepts:         []agentpay.PaymentRequirement{g.requirement("0")},
			MinimumRequired: g.opts.InsufficientCredit,
			DepositEndpoint: "/api/credits/deposit",
		})
		return
	}
	if g.opts.InsufficientCredit != "" && credited {
		g.respondSuccess(c, nil)
		return
	}

	header := c.GetHeader(agentpay.HeaderPayment)
	if header == "" {
		c.JSON(http.StatusPaymentRequired, g.challenge())
		return
	}

	payload, ok := g.verifyHeader(c, header, g.opts.PriceAtomic)
	if !ok {
		return
	}

	var legPayloads []agentpay.PaymentPayload
	legPayloads = append(legPayloads, payload)

	if g.opts.TwoLeg {
		feeHeader := c.GetHeader(agentpay.HeaderPaymentGatewayLeg)
		if feeHeader == "" {
			c.JSON(http.StatusPaymentRequired, agentpay.PaymentRequirementsResponse{
				X402Version: agentpay.ProtocolVersion,
				Error:       "gateway fee leg missing",
				Accepts:     g.challenge().Accepts,
				Extensions:  map[string]interface{}{"twoLeg": true},
			})
			return
		}
		feePayload, ok := g.verifyHeader(c, feeHeader, g.opts.GatewayFeeAtomic)
		if !ok {
			return
		}
		legPayloads = append(legPayloads, feePayload)
	}

	if g.opts.RejectSettlement {
		challenge := g.challenge()
		challenge.Error = "settlement failed: authorization already used"
		c.JSON(http.StatusPaymentRequired, challenge)
		return
	}

	g.mu.Lock()
	g.payments = append(g.payments, legPayloads...)
	g.mu.Unlock()

	g.respondSuccess(c, &legPayloads[0])
}

// verifyHeader decodes a payment header and checks the authorization amount
// and signature recovery, as the real gateway's facilitator would.
func (g *Gateway) verifyHeader(c *gin.Context, header, wantValue string) (agentpay.PaymentPayload, bool) {
	payload, err := agentpay.DecodePaymentHeader(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payment header: " + err.Error()})
		return agentpay.PaymentPayload{}, false
	}

	auth := payload.Payload.Authorization
	if auth.Value != wantValue {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization value mismatch"})
		return agentpay.PaymentPayload{}, false
	}

	domain := eip712.BuildDomain(big.NewInt(g.opts.ChainID), g.opts.Asset, "", "")
	digest, err := eip712.HashAuthorization(domain, auth)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unhashable authorization: " + err.Error()})
		return agentpay.PaymentPayload{}, false
	}

	sig, err := eip712.DecodeSignature(payload.Payload.Signature)
	if err != nil || len(sig) != eip712.SignatureLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed signature"})
		return agentpay.PaymentPayload{}, false
	}
	recSig := append([]byte(nil), sig...)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecoverable signature"})
		return agentpay.PaymentPayload{}, false
	}
	if crypto.PubkeyToAddress(*pub).Hex() != auth.From {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature does not match from address"})
		return agentpay.PaymentPayload{}, false
	}

	return payload, true
}

func (g *Gateway) respondSuccess(c *gin.Context, paid *agentpay.PaymentPayload) {
	if paid != nil {
		receipt := agentpay.SettlementReceipt{
			Success:     true,
			Transaction: "0x" + "11" + paid.Payload.Authorization.Nonce[4:],
			Network:     paid.Network,
			Payer:       paid.Payload.Authorization.From,
		}
		if encoded, err := agentpay.EncodeSettlementHeader(receipt); err == nil {
			c.Header(agentpay.HeaderPaymentResponse, encoded)
		}
	}
	c.JSON(http.StatusOK, g.opts.ResponseBody)
}

func (g *Gateway) handleDeposit(c *gin.Context) {
	header := c.GetHeader(agentpay.HeaderPayment)
	if header == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payment header"})
		return
	}
	payload, err := agentpay.DecodePaymentHeader(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payment header"})
		return
	}
	g.mu.Lock()
	g.deposits = append(g.deposits, payload)
	g.credited = true
	g.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"credited": payload.Payload.Authorization.Value})
}

func (g *Gateway) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, []agentpay.CatalogEntry{
		{ID: "trades", Name: "Trade history", Price: "1000000", Endpoint: "/api/query"},
		{ID: "quotes", Name: "Live quotes", Price: "500000", Endpoint: "/api/proxy"},
	})
}

func (g *Gateway) handleBalance(c *gin.Context) {
	c.JSON(http.StatusOK, agentpay.CreditBalance{
		Balance:   "10000000",
		Reserved:  "2000000",
		Available: "8000000",
	})
}
