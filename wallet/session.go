package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quotient-labs/agentpay/eip712"
)

// Session request statuses reported by the remote wallet service.
const (
	statusPending  = "pending"
	statusApproved = "approved"
	statusRejected = "rejected"
)

// SessionConfig configures a SessionWallet.
type SessionConfig struct {
	// Endpoint is the base URL of the remote wallet session service.
	Endpoint string
	// HTTPClient is the transport used for session calls. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// PairingTimeout bounds how long Connect waits for pairing approval.
	// Defaults to 60s.
	PairingTimeout time.Duration
	// SignTimeout bounds how long a signing request waits for approval.
	// Defaults to 60s.
	SignTimeout time.Duration
	// PollInterval is the approval polling cadence. Defaults to 1s.
	PollInterval time.Duration
	// Logger receives session lifecycle events. Defaults to a no-op logger.
	Logger *zap.Logger
}

func (c *SessionConfig) withDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 60 * time.Second
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SessionWallet brokers signing through a remote session service with an
// out-of-band pairing and approval flow. Every approval wait is bounded: a
// pairing or signing request that is never answered fails with
// ErrApprovalTimeout instead of hanging the caller.
type SessionWallet struct {
	cfg SessionConfig

	mu        sync.RWMutex
	sessionID string
	address   string
}

// NewSessionWallet creates a SessionWallet. Connect must be called before
// signing.
func NewSessionWallet(cfg SessionConfig) (*SessionWallet, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("wallet: session endpoint is required")
	}
	cfg.withDefaults()
	return &SessionWallet{cfg: cfg}, nil
}

// waitErr maps context termination during an approval wait to its outcome:
// an elapsed deadline means the owner never answered, while caller
// cancellation propagates unchanged.
func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrApprovalTimeout
	}
	return ctx.Err()
}

type pairResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Address   string `json:"address,omitempty"`
}

type signRequestResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
}

// Connect initiates pairing and polls until the remote owner approves the
// session, the owner rejects it, or the pairing timeout elapses.
func (w *SessionWallet) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.PairingTimeout)
	defer cancel()

	var pair pairResponse
	if err := w.post(ctx, "/session/pair", nil, &pair); err != nil {
		return fmt.Errorf("pairing request failed: %w", err)
	}
	w.cfg.Logger.Debug("pairing initiated", zap.String("session_id", pair.SessionID))

	for {
		var state pairResponse
		if err := w.get(ctx, "/session/"+pair.SessionID, &state); err != nil {
			if ctx.Err() != nil {
				return waitErr(ctx)
			}
			return fmt.Errorf("pairing status check failed: %w", err)
		}

		switch state.Status {
		case statusApproved:
			w.mu.Lock()
			w.sessionID = pair.SessionID
			w.address = state.Address
			w.mu.Unlock()
			w.cfg.Logger.Info("wallet session paired",
				zap.String("session_id", pair.SessionID),
				zap.String("address", state.Address))
			return nil
		case statusRejected:
			return ErrUserRejected
		}

		select {
		case <-ctx.Done():
			return waitErr(ctx)
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Disconnect drops the local session state. The remote session is left to
// expire on its own.
func (w *SessionWallet) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionID = ""
	w.address = ""
	return nil
}

// IsConnected reports whether a paired session exists.
func (w *SessionWallet) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sessionID != ""
}

// Address returns the paired account address, or empty when disconnected.
func (w *SessionWallet) Address() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.address
}

// SignTypedData submits a signing request to the session service and polls
// for the owner's decision. Failure modes are distinguishable:
// ErrNotConnected when no session exists, ErrUserRejected on explicit
// rejection, ErrApprovalTimeout when no decision arrives in time, and plain
// transport errors otherwise. Caller cancellation surfaces as
// context.Canceled, not as a timeout.
func (w *SessionWallet) SignTypedData(
	ctx context.Context,
	domain eip712.TypedDataDomain,
	types map[string][]eip712.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	w.mu.RLock()
	sessionID := w.sessionID
	w.mu.RUnlock()
	if sessionID == "" {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.SignTimeout)
	defer cancel()

	body := map[string]interface{}{
		"domain":      domain,
		"types":       types,
		"primaryType": primaryType,
		"message":     message,
	}

	var submitted signRequestResponse
	if err := w.post(ctx, "/session/"+sessionID+"/sign", body, &submitted); err != nil {
		return nil, fmt.Errorf("sign request failed: %w", err)
	}
	w.cfg.Logger.Debug("sign request submitted",
		zap.String("session_id", sessionID),
		zap.String("request_id", submitted.RequestID))

	for {
		var state signRequestResponse
		if err := w.get(ctx, "/session/"+sessionID+"/sign/"+submitted.RequestID, &state); err != nil {
			if ctx.Err() != nil {
				return nil, waitErr(ctx)
			}
			return nil, fmt.Errorf("sign status check failed: %w", err)
		}

		switch state.Status {
		case statusApproved:
			sig, err := eip712.DecodeSignature(state.Signature)
			if err != nil {
				return nil, fmt.Errorf("session service returned malformed signature: %w", err)
			}
			if len(sig) != eip712.SignatureLength {
				return nil, fmt.Errorf("session service returned %d-byte signature", len(sig))
			}
			return sig, nil
		case statusRejected:
			return nil, ErrUserRejected
		}

		select {
		case <-ctx.Done():
			return nil, waitErr(ctx)
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *SessionWallet) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return w.do(req, out)
}

func (w *SessionWallet) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.Endpoint+path, nil)
	if err != nil {
		return err
	}
	return w.do(req, out)
}

func (w *SessionWallet) do(req *http.Request, out interface{}) error {
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session service returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
