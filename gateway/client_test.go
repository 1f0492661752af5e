package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotient-labs/agentpay"
)

func TestNewClient(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewClient(Config{})
		require.Error(t, err)
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		c, err := NewClient(Config{BaseURL: "https://gateway.example.com/"})
		require.NoError(t, err)
		assert.Equal(t, "https://gateway.example.com", c.baseURL)
	})
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get(agentpay.HeaderRequestID))
		w.Header().Set(agentpay.HeaderPaymentResponse, "cmVjZWlwdA==")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"rows":[1,2,3]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), agentpay.GatewayRequest{
		Method: http.MethodPost,
		Path:   PathQuery,
		Body:   map[string]string{"sql": "select 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"rows":[1,2,3]}`, string(resp.Data))
	assert.Equal(t, "cmVjZWlwdA==", resp.SettlementHeader)
	assert.Nil(t, resp.PaymentRequired)
}

func TestSendPreservesCallerRequestID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(agentpay.HeaderRequestID)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), agentpay.GatewayRequest{
		Method:  http.MethodGet,
		Path:    PathCatalog,
		Headers: map[string]string{agentpay.HeaderRequestID: "op-123"},
	})
	require.NoError(t, err)
	assert.Equal(t, "op-123", got)
}

func TestSendPaymentRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{
			"x402Version": 1,
			"accepts": [{
				"scheme": "exact",
				"network": "eip155:84532",
				"maxAmountRequired": "1000000",
				"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				"payTo": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				"maxTimeoutSeconds": 300
			}]
		}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), agentpay.GatewayRequest{
		Method: http.MethodPost,
		Path:   PathQuery,
	})
	require.NoError(t, err, "a 402 is a normal branch, not a transport error")
	require.NotNil(t, resp.PaymentRequired)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Len(t, resp.PaymentRequired.Accepts, 1)
	assert.Equal(t, "1000000", resp.PaymentRequired.Accepts[0].MaxAmountRequired)
}

func TestSendMalformed402(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"x402Version": 1, "accepts": [{"scheme": "exact"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), agentpay.GatewayRequest{
		Method: http.MethodPost,
		Path:   PathQuery,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed 402 challenge")
}

func TestSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), agentpay.GatewayRequest{
		Method: http.MethodPost,
		Path:   PathProxy,
	})
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.HTTPStatus())
	assert.Equal(t, "upstream unavailable", httpErr.ParsedError)
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), agentpay.GatewayRequest{
		Method:  http.MethodPost,
		Path:    PathQuery,
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)

	var pe *agentpay.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, agentpay.ErrCodeTransportTimeout, pe.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendConnectionRefused(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), agentpay.GatewayRequest{
		Method: http.MethodGet,
		Path:   PathCatalog,
	})
	require.Error(t, err)

	var pe *agentpay.PaymentError
	assert.False(t, errors.As(err, &pe), "connection failures stay plain transport errors")
}

func TestParseChallenge(t *testing.T) {
	valid := `{
		"x402Version": 1,
		"error": "payment required",
		"accepts": [{
			"scheme": "exact",
			"network": "base-sepolia",
			"maxAmountRequired": "50000",
			"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			"payTo": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			"maxTimeoutSeconds": 60,
			"extra": {"name": "USD Coin", "version": "2", "chainId": 84532}
		}]
	}`

	t.Run("valid challenge", func(t *testing.T) {
		challenge, err := ParseChallenge([]byte(valid))
		require.NoError(t, err)
		assert.Equal(t, 1, challenge.X402Version)
		require.Len(t, challenge.Accepts, 1)
		assert.Equal(t, int64(84532), challenge.Accepts[0].Extra.ChainID)
	})

	t.Run("insufficient credit shape", func(t *testing.T) {
		challenge, err := ParseChallenge([]byte(`{
			"x402Version": 1,
			"accepts": [{"scheme": "exact", "network": "eip155:84532",
				"maxAmountRequired": "0",
				"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				"payTo": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}],
			"minimumRequired": "5.00",
			"depositEndpoint": "/api/credits/deposit"
		}`))
		require.NoError(t, err)
		assert.True(t, challenge.IsInsufficientCredit())
	})

	t.Run("rejects missing accepts", func(t *testing.T) {
		_, err := ParseChallenge([]byte(`{"x402Version": 1}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema validation")
	})

	t.Run("rejects non-numeric amount", func(t *testing.T) {
		_, err := ParseChallenge([]byte(`{
			"x402Version": 1,
			"accepts": [{"scheme": "exact", "network": "eip155:84532",
				"maxAmountRequired": "1.50",
				"asset": "0xA", "payTo": "0xB"}]
		}`))
		require.Error(t, err)
	})

	t.Run("rejects non-JSON body", func(t *testing.T) {
		_, err := ParseChallenge([]byte(`<html>payment required</html>`))
		require.Error(t, err)
	})
}

func TestCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathCatalog, r.URL.Path)
		w.Write([]byte(`[{"id":"trades","name":"Trade history","price":"1000000"}]`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	entries, err := c.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "trades", entries[0].ID)
}

func TestCreditBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/credits/0xabc", r.URL.Path)
		w.Write([]byte(`{"balance":"10000000","reserved":"2000000","available":"8000000"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	balance, err := c.CreditBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "8000000", balance.Available)
}
