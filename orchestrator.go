package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quotient-labs/agentpay/amount"
	"github.com/quotient-labs/agentpay/eip712"
	"github.com/quotient-labs/agentpay/retry"
	"github.com/quotient-labs/agentpay/truncate"
	"github.com/quotient-labs/agentpay/wallet"
)

// Orchestrator states. The machine is request-scoped: states are threaded
// through a short-lived run, never persisted, so concurrent operations from
// the same wallet do not share mutable state.
type state int

const (
	stateIdle state = iota
	stateRequestSent
	stateChallengeReceived
	stateInsufficientCredit
	stateAutoDepositing
	stateAuthorizing
	stateSigned
	stateRetrySent
	stateSettled
	stateSettlementFailed
	stateDepositFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRequestSent:
		return "request_sent"
	case stateChallengeReceived:
		return "challenge_received"
	case stateInsufficientCredit:
		return "insufficient_credit"
	case stateAutoDepositing:
		return "auto_depositing"
	case stateAuthorizing:
		return "authorizing"
	case stateSigned:
		return "signed"
	case stateRetrySent:
		return "retry_sent"
	case stateSettled:
		return "settled"
	case stateSettlementFailed:
		return "settlement_failed"
	case stateDepositFailed:
		return "deposit_failed"
	}
	return "unknown"
}

// defaultDepositPath is used when an insufficient-credit challenge omits its
// deposit endpoint.
const defaultDepositPath = "/api/credits/deposit"

// Request is one logical paid operation against the gateway.
type Request struct {
	Method string
	Path   string
	Body   interface{}
	// Timeout bounds each HTTP exchange of the operation.
	Timeout time.Duration
}

// Outcome is the decidable result returned to the calling agent. Failures
// are values, never panics or raw transport errors, so the caller always
// gets a branchable result.
type Outcome struct {
	Success   bool               `json:"success"`
	Data      interface{}        `json:"data,omitempty"`
	Truncated bool               `json:"truncated,omitempty"`
	Cost      string             `json:"cost,omitempty"`
	Receipt   *SettlementReceipt `json:"receipt,omitempty"`
	Err       *PaymentError      `json:"error,omitempty"`
}

// Orchestrator drives the 402 challenge/response flow end to end: issue
// request, detect the challenge, build and sign the authorization, retry
// with proof of payment, and classify the final result.
type Orchestrator struct {
	gateway Gateway
	wallet  wallet.Wallet

	maxAttempts      int
	baseDelay        time.Duration
	maxResponseChars int
	depositPath      string
	logger           *zap.Logger
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMaxAttempts bounds transport-level retries per exchange.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithBaseDelay sets the base backoff delay for transport retries.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.baseDelay = d }
}

// WithMaxResponseChars bounds the serialized size of returned data. Zero
// disables truncation.
func WithMaxResponseChars(n int) Option {
	return func(o *Orchestrator) { o.maxResponseChars = n }
}

// WithDepositPath overrides the default auto-deposit endpoint.
func WithDepositPath(path string) Option {
	return func(o *Orchestrator) { o.depositPath = path }
}

// NewOrchestrator creates an orchestrator over the given gateway transport
// and wallet.
func NewOrchestrator(gw Gateway, w wallet.Wallet, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:          gw,
		wallet:           w,
		maxAttempts:      3,
		baseDelay:        500 * time.Millisecond,
		maxResponseChars: 0,
		depositPath:      defaultDepositPath,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the per-operation state. Discarded when Execute returns.
type run struct {
	id    string
	state state
	req   Request
	log   *zap.Logger

	// Total atomic units authorized across legs, for cost reporting.
	paid *big.Int
}

func (r *run) transition(next state) {
	r.log.Debug("state transition",
		zap.String("from", r.state.String()),
		zap.String("to", next.String()))
	r.state = next
}

// Execute performs one paid operation. Exactly one signature is produced per
// payment leg per logical call: transport retries reuse the already-signed
// payload, and a fresh nonce is generated only when a new authorization is
// built.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Outcome {
	r := &run{
		id:    uuid.NewString(),
		state: stateIdle,
		req:   req,
		paid:  new(big.Int),
	}
	r.log = o.logger.With(zap.String("operation_id", r.id), zap.String("path", req.Path))

	r.transition(stateRequestSent)
	resp, err := o.send(ctx, r, nil)
	if err != nil {
		return o.failure(r, err)
	}

	// Free or pre-authorized resources settle immediately.
	if resp.PaymentRequired == nil {
		r.transition(stateSettled)
		return o.settled(r, resp)
	}

	challenge := resp.PaymentRequired

	if challenge.IsInsufficientCredit() {
		r.transition(stateInsufficientCredit)
		return o.autoDeposit(ctx, r, challenge)
	}

	r.transition(stateChallengeReceived)
	return o.payAndRetry(ctx, r, challenge)
}

// payAndRetry handles the ChallengeReceived -> Authorizing -> Signed ->
// RetrySent arc.
func (o *Orchestrator) payAndRetry(ctx context.Context, r *run, challenge *PaymentRequirementsResponse) Outcome {
	if len(challenge.Accepts) == 0 {
		return o.failure(r, NewPaymentError(ErrCodePaymentRequired,
			"gateway offered no payment requirements", nil))
	}

	r.transition(stateAuthorizing)

	// First-match selection: the gateway orders accepts by its own
	// preference. Two-leg charges sign the upstream leg and the gateway
	// fee leg before retrying.
	legs := []PaymentRequirement{challenge.Accepts[0]}
	headerNames := []string{HeaderPayment}
	if challenge.IsTwoLeg() {
		legs = append(legs, challenge.Accepts[1])
		headerNames = append(headerNames, HeaderPaymentGatewayLeg)
	}

	headers := make(map[string]string, len(legs))
	for i, leg := range legs {
		payload, err := o.buildSignedPayload(ctx, leg, leg.MaxAmountRequired)
		if err != nil {
			return o.failure(r, err)
		}
		encoded, err := EncodePaymentHeader(payload)
		if err != nil {
			return o.failure(r, err)
		}
		headers[headerNames[i]] = encoded
		r.addPaid(leg.MaxAmountRequired)
	}
	r.transition(stateSigned)

	r.transition(stateRetrySent)
	resp, err := o.send(ctx, r, headers)
	if err != nil {
		return o.failure(r, err)
	}

	// A second 402 after payment is terminal: silently paying again could
	// double-charge if the first authorization settles asynchronously.
	if resp.PaymentRequired != nil {
		r.transition(stateSettlementFailed)
		msg := resp.PaymentRequired.Error
		if msg == "" {
			msg = "gateway rejected settlement"
		}
		return o.failure(r, NewPaymentError(ErrCodeSettlementFailed, msg, nil))
	}

	r.transition(stateSettled)
	return o.settled(r, resp)
}

// autoDeposit tops up the prepaid balance by exactly the minimum required
// amount, then re-issues the original request once. Bounded to a single
// attempt to avoid runaway spend.
func (o *Orchestrator) autoDeposit(ctx context.Context, r *run, challenge *PaymentRequirementsResponse) Outcome {
	if len(challenge.Accepts) == 0 {
		return o.failure(r, NewPaymentError(ErrCodeInsufficientCredit,
			"insufficient credit and no deposit requirement offered",
			map[string]interface{}{"minimumRequired": challenge.MinimumRequired}))
	}

	atomicMin, err := amount.DecimalToAtomic(challenge.MinimumRequired)
	if err != nil {
		return o.failure(r, WrapPaymentError(ErrCodeValidation,
			"invalid minimum required amount: "+challenge.MinimumRequired, err))
	}

	r.transition(stateAutoDepositing)
	r.log.Info("auto-depositing prepaid credit",
		zap.String("minimum_required", challenge.MinimumRequired),
		zap.String("atomic", atomicMin))

	payload, err := o.buildSignedPayload(ctx, challenge.Accepts[0], atomicMin)
	if err != nil {
		return o.failure(r, err)
	}
	encoded, err := EncodePaymentHeader(payload)
	if err != nil {
		return o.failure(r, err)
	}

	depositPath := challenge.DepositEndpoint
	if depositPath == "" {
		depositPath = o.depositPath
	}

	depositReq := r.req
	depositReq.Method = "POST"
	depositReq.Path = depositPath
	depositReq.Body = nil
	depositRun := &run{id: r.id, state: r.state, req: depositReq, log: r.log, paid: new(big.Int)}

	depositResp, err := o.send(ctx, depositRun, map[string]string{HeaderPayment: encoded})
	if err != nil {
		r.transition(stateDepositFailed)
		pe := normalizeError(err)
		return o.failure(r, WrapPaymentError(ErrCodeDepositFailed, "deposit submission failed: "+pe.Message, err))
	}
	if depositResp.PaymentRequired != nil {
		r.transition(stateDepositFailed)
		return o.failure(r, NewPaymentError(ErrCodeDepositFailed,
			"gateway rejected deposit authorization", nil))
	}
	r.addPaid(atomicMin)

	// Re-issue the original request exactly once.
	r.transition(stateRequestSent)
	resp, err := o.send(ctx, r, nil)
	if err != nil {
		return o.failure(r, err)
	}
	if resp.PaymentRequired != nil {
		// A second insufficient-credit challenge after a successful
		// deposit is terminal; no further top-up loop.
		r.transition(stateDepositFailed)
		msg := resp.PaymentRequired.Error
		if msg == "" {
			msg = "payment still required after deposit"
		}
		return o.failure(r, NewPaymentError(ErrCodeDepositFailed, msg, nil))
	}

	r.transition(stateSettled)
	return o.settled(r, resp)
}

// buildSignedPayload constructs an authorization for exactly value atomic
// units against the given requirement and signs it. Partial or over-payment
// is never produced.
func (o *Orchestrator) buildSignedPayload(ctx context.Context, req PaymentRequirement, value string) (PaymentPayload, error) {
	if err := ValidateRequirement(req); err != nil {
		return PaymentPayload{}, err
	}

	chainID, err := chainIDFor(req)
	if err != nil {
		return PaymentPayload{}, err
	}

	var name, version, verifyingContract string
	verifyingContract = req.Asset
	if req.Extra != nil {
		name = req.Extra.Name
		version = req.Extra.Version
		if req.Extra.VerifyingContract != "" {
			verifyingContract = req.Extra.VerifyingContract
		}
	}
	domain := eip712.BuildDomain(chainID, verifyingContract, name, version)

	maxTimeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if maxTimeout <= 0 {
		maxTimeout = time.Hour
	}

	from, err := o.connectedAddress(ctx)
	if err != nil {
		return PaymentPayload{}, err
	}

	auth, err := eip712.BuildAuthorization(from, req.PayTo, value, maxTimeout, "")
	if err != nil {
		return PaymentPayload{}, WrapPaymentError(ErrCodeValidation, "failed to build authorization", err)
	}

	message, err := eip712.AuthorizationMessage(auth)
	if err != nil {
		return PaymentPayload{}, WrapPaymentError(ErrCodeValidation, "failed to build typed data message", err)
	}

	signature, err := o.signTypedData(ctx, auth.From, domain, message)
	if err != nil {
		return PaymentPayload{}, err
	}

	return PaymentPayload{
		X402Version: ProtocolVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactPayload{
			Signature:     eip712.EncodeSignature(signature),
			Authorization: auth,
		},
	}, nil
}

// connectedAddress resolves the signing address, connecting the wallet first
// when no session exists. The authorization's from field must be the address
// the signature recovers to, so it is never read off a disconnected wallet.
func (o *Orchestrator) connectedAddress(ctx context.Context) (string, error) {
	if !o.wallet.IsConnected() {
		o.logger.Debug("wallet not connected, connecting before authorization")
		if err := o.wallet.Connect(ctx); err != nil {
			return "", normalizeError(err)
		}
	}
	addr := o.wallet.Address()
	if addr == "" {
		return "", NewPaymentError(ErrCodeWalletNotConnected, "wallet reported no address after connect", nil)
	}
	return addr, nil
}

// signTypedData signs through the wallet, reconnecting once when the session
// dropped mid-flight. The authorization message already embeds from, so a
// reconnect that pairs a different address invalidates the attempt rather
// than producing a signature the verifier would reject.
func (o *Orchestrator) signTypedData(ctx context.Context, from string, domain eip712.TypedDataDomain, message map[string]interface{}) ([]byte, error) {
	types := eip712.AuthorizationTypes()

	sig, err := o.wallet.SignTypedData(ctx, domain, types, eip712.PrimaryType, message)
	if err == nil {
		return sig, nil
	}
	if errors.Is(err, wallet.ErrNotConnected) {
		o.logger.Debug("wallet session dropped, reconnecting")
		if cerr := o.wallet.Connect(ctx); cerr != nil {
			return nil, normalizeError(cerr)
		}
		if addr := o.wallet.Address(); !strings.EqualFold(addr, from) {
			return nil, NewPaymentError(ErrCodeWalletNotConnected,
				"wallet reconnected with a different address", map[string]interface{}{
					"authorized": from,
					"connected":  addr,
				})
		}
		sig, err = o.wallet.SignTypedData(ctx, domain, types, eip712.PrimaryType, message)
		if err == nil {
			return sig, nil
		}
	}
	return nil, normalizeError(err)
}

// send performs one gateway exchange with bounded transport-level retry.
// The request bytes (payment headers included) are identical across
// attempts; 402 responses are not retried here.
func (o *Orchestrator) send(ctx context.Context, r *run, headers map[string]string) (GatewayResponse, error) {
	greq := GatewayRequest{
		Method:  r.req.Method,
		Path:    r.req.Path,
		Body:    r.req.Body,
		Timeout: r.req.Timeout,
		Headers: map[string]string{HeaderRequestID: r.id},
	}
	for k, v := range headers {
		greq.Headers[k] = v
	}

	resp, err := retry.Do(ctx, func(ctx context.Context) (GatewayResponse, error) {
		return o.gateway.Send(ctx, greq)
	}, retry.Options{
		MaxAttempts: o.maxAttempts,
		BaseDelay:   o.baseDelay,
		OnRetry: func(attempt int, err error) {
			r.log.Warn("retrying gateway exchange",
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	})
	if err != nil {
		return GatewayResponse{}, err
	}
	return resp, nil
}

// settled decodes the optional settlement receipt, bounds the response data,
// and reports cost.
func (o *Orchestrator) settled(r *run, resp GatewayResponse) Outcome {
	out := Outcome{Success: true}

	if r.paid.Sign() > 0 {
		out.Cost = amount.FormatUSDC(r.paid.String())
	}

	if resp.SettlementHeader != "" {
		receipt, err := DecodeSettlementHeader(resp.SettlementHeader)
		if err != nil {
			r.log.Warn("ignoring malformed settlement receipt header", zap.Error(err))
		} else {
			out.Receipt = &receipt
		}
	}

	if len(resp.Data) > 0 {
		var data interface{}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			data = string(resp.Data)
		}
		if o.maxResponseChars > 0 {
			tr, err := truncate.Truncate(data, o.maxResponseChars)
			if err != nil {
				return o.failure(r, WrapPaymentError(ErrCodeValidation, "response not serializable", err))
			}
			out.Data = tr.Data
			out.Truncated = tr.Truncated
			if tr.Truncated {
				r.log.Info("response truncated",
					zap.Int("original_size_bytes", tr.OriginalSizeBytes),
					zap.Int("limit", o.maxResponseChars))
			}
		} else {
			out.Data = data
		}
	}

	r.log.Info("operation settled",
		zap.String("cost", out.Cost),
		zap.Bool("truncated", out.Truncated))
	return out
}

func (o *Orchestrator) failure(r *run, err error) Outcome {
	pe := normalizeError(err)
	r.log.Warn("operation failed",
		zap.String("state", r.state.String()),
		zap.String("code", pe.Code),
		zap.String("message", pe.Message))
	return Outcome{Success: false, Err: pe}
}

func (r *run) addPaid(atomic string) {
	if v, ok := new(big.Int).SetString(atomic, 10); ok {
		r.paid.Add(r.paid, v)
	}
}

// chainIDFor resolves the EIP-155 chain id of a requirement, preferring the
// gateway-supplied domain descriptor over the network identifier.
func chainIDFor(req PaymentRequirement) (*big.Int, error) {
	if req.Extra != nil && req.Extra.ChainID != 0 {
		return big.NewInt(req.Extra.ChainID), nil
	}
	if ref, found := strings.CutPrefix(req.Network, "eip155:"); found {
		id, ok := new(big.Int).SetString(ref, 10)
		if !ok {
			return nil, NewPaymentError(ErrCodeValidation, "invalid network chain reference: "+req.Network, nil)
		}
		return id, nil
	}
	if id, ok := namedNetworkChainIDs[req.Network]; ok {
		return big.NewInt(id), nil
	}
	return nil, NewPaymentError(ErrCodeValidation,
		fmt.Sprintf("cannot resolve chain id for network %q", req.Network), nil)
}

// namedNetworkChainIDs maps human network names still used by older
// gateways to their chain ids.
var namedNetworkChainIDs = map[string]int64{
	"base":         8453,
	"base-sepolia": 84532,
	"polygon":      137,
	"polygon-amoy": 80002,
	"avalanche":    43114,
}

// normalizeError maps any internal failure to the boundary taxonomy.
func normalizeError(err error) *PaymentError {
	if err == nil {
		return nil
	}

	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, wallet.ErrUserRejected):
		return WrapPaymentError(ErrCodeUserRejected, "wallet owner rejected the signing request", err)
	case errors.Is(err, wallet.ErrNotConnected):
		return WrapPaymentError(ErrCodeWalletNotConnected, "wallet is not connected", err)
	case errors.Is(err, wallet.ErrApprovalTimeout):
		return WrapPaymentError(ErrCodeTransportTimeout, "wallet approval timed out", err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapPaymentError(ErrCodeTransportTimeout, "operation timed out", err)
	}

	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return WrapPaymentError(ErrCodeTransportFailure,
			fmt.Sprintf("gateway returned status %d: %v", sc.HTTPStatus(), err), err)
	}

	return WrapPaymentError(ErrCodeTransportFailure, err.Error(), err)
}
