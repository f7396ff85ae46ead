package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/identity"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"github.com/Mindburn-Labs/paycore/pkg/ledger"
	"github.com/Mindburn-Labs/paycore/pkg/node"
	"github.com/Mindburn-Labs/paycore/pkg/observability"
)

// PublicCaller is the caller recorded for unauthenticated entry points.
const PublicCaller = kernel.ZeroAddress

const maxBodyBytes = 1 << 20

// Options configure a Server. Zero fields fall back to in-memory stores.
type Options struct {
	Auth        *Authenticator
	Logger      *slog.Logger
	Telemetry   *observability.Provider
	Limiter     LimiterStore
	RatePolicy  RatePolicy
	Idempotency IdempotencyStorer
}

// Server exposes a node over HTTP.
type Server struct {
	node      *node.Node
	auth      *Authenticator
	schemas   *Validator
	logger    *slog.Logger
	telemetry *observability.Provider
	limiter   LimiterStore
	policy    RatePolicy
	idem      IdempotencyStorer
}

// NewServer builds a server for n.
func NewServer(n *node.Node, opts Options) (*Server, error) {
	if opts.Auth == nil {
		return nil, errors.New("api: authenticator is required")
	}
	schemas, err := NewValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		node:      n,
		auth:      opts.Auth,
		schemas:   schemas,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
		limiter:   opts.Limiter,
		policy:    opts.RatePolicy,
		idem:      opts.Idempotency,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.limiter == nil {
		s.limiter = NewMemoryLimiterStore()
	}
	if s.policy.RPS <= 0 {
		s.policy = RatePolicy{RPS: 20, Burst: 40}
	}
	if s.idem == nil {
		s.idem = NewIdempotencyStore(24 * time.Hour)
	}
	if s.telemetry == nil {
		if s.telemetry, err = observability.New(context.Background(), nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/identities/address", s.handleComputeAddress)
	mux.HandleFunc("GET /v1/identities/{addr}", s.handleIdentity)
	mux.HandleFunc("GET /v1/intents/{id}", s.handleIntent)
	mux.HandleFunc("GET /v1/intents/{id}/checks", s.handleIntentChecks)
	mux.HandleFunc("POST /v1/intents/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /v1/intents/{id}/refund", s.handleRefund)
	mux.HandleFunc("GET /v1/senders/{addr}/escrowed", s.handleEscrowed)
	mux.HandleFunc("GET /v1/sponsorship/reserve", s.handleReserve)
	mux.HandleFunc("GET /v1/sponsorship/{addr}", s.handleSponsorship)
	mux.HandleFunc("GET /v1/upgrades/{hash}", s.handlePendingUpgrade)
	mux.HandleFunc("GET /v1/components", s.handleComponents)
	mux.HandleFunc("GET /v1/log/verify", s.handleVerifyLog)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	executor := s.auth.Require(ChannelExecutor)
	mux.Handle("POST /v1/identities", executor(http.HandlerFunc(s.handleProvision)))
	mux.Handle("POST /v1/operations", executor(Idempotency(s.idem)(http.HandlerFunc(s.handleOperation))))
	mux.Handle("POST /v1/intents", executor(Idempotency(s.idem)(http.HandlerFunc(s.handleCreateIntent))))
	mux.Handle("POST /v1/sponsorship/evaluate", executor(http.HandlerFunc(s.handleEvaluate)))

	admin := s.auth.Require(ChannelAdmin)
	mux.Handle("POST /v1/admin/fund", admin(Idempotency(s.idem)(http.HandlerFunc(s.handleFund))))
	mux.Handle("POST /v1/admin/eligibility", admin(http.HandlerFunc(s.handleEligibility)))
	mux.Handle("POST /v1/admin/policy", admin(http.HandlerFunc(s.handlePolicy)))
	mux.Handle("POST /v1/admin/attester", admin(http.HandlerFunc(s.handleAttester)))
	mux.Handle("POST /v1/admin/reserve/deposit", admin(Idempotency(s.idem)(http.HandlerFunc(s.handleDeposit))))
	mux.Handle("POST /v1/admin/reserve/withdraw", admin(Idempotency(s.idem)(http.HandlerFunc(s.handleWithdraw))))
	mux.Handle("POST /v1/admin/upgrades", admin(http.HandlerFunc(s.handleQueueUpgrade)))
	mux.Handle("POST /v1/admin/upgrades/cancel", admin(http.HandlerFunc(s.handleCancelUpgrade)))
	mux.Handle("POST /v1/admin/upgrades/execute", admin(http.HandlerFunc(s.handleExecuteUpgrade)))

	return Chain(mux,
		RequestID,
		Instrument(s.logger, s.telemetry),
		RateLimit(s.limiter, s.policy),
	)
}

// decodeBody validates the request body against schema and decodes it.
func decodeBody[T any](s *Server, w http.ResponseWriter, r *http.Request, schema string) (T, bool) {
	var v T
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Too Large", err.Error())
		return v, false
	}
	if err := s.schemas.Validate(schema, body); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return v, false
	}
	if err := json.Unmarshal(body, &v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return v, false
	}
	return v, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (kernel.Address, bool) {
	a, err := kernel.ParseAddress(r.PathValue(name))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return "", false
	}
	return a, true
}

func queryAddress(r *http.Request, name string) (kernel.Address, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", nil
	}
	return kernel.ParseAddress(v)
}

func caller(r *http.Request) kernel.Address {
	if a, ok := CallerFrom(r.Context()); ok {
		return a
	}
	return PublicCaller
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if kernel.CategoryOf(err) == kernel.CategoryInternal {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	s.telemetry.RecordError(r.Context(), err)
	WriteKernelError(w, r, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Identities.

func (s *Server) handleComputeAddress(w http.ResponseWriter, r *http.Request) {
	salt := r.URL.Query().Get("salt")
	if salt == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "salt is required")
		return
	}
	addr, err := s.node.ComputeAddress(r.Context(), salt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"salt": salt, "identityAddress": addr})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	v, err := s.node.Identity(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type provisionRequest struct {
	Salt string `json:"salt"`
	identity.InitData
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[provisionRequest](s, w, r, "provision")
	if !ok {
		return
	}
	addr, err := s.node.Provision(r.Context(), caller(r), req.Salt, req.InitData)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"identityAddress": addr})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := decodeBody[identity.Operation](s, w, r, "operation")
	if !ok {
		return
	}
	observability.SpanFromContext(r.Context()).SetAttributes(observability.IdentityAttributes(op.Sender, op.Nonce)...)
	res, err := s.node.SubmitOperation(r.Context(), caller(r), op)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Escrow.

type createIntentRequest struct {
	IntentID            string         `json:"intentId"`
	Sender              kernel.Address `json:"sender"`
	RecipientCommitment string         `json:"recipientCommitment"`
	Amount              int64          `json:"amount"`
	Expiry              int64          `json:"expiry"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[createIntentRequest](s, w, r, "intent")
	if !ok {
		return
	}
	sender, err := kernel.ParseAddress(string(req.Sender))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	observability.SpanFromContext(r.Context()).SetAttributes(observability.IntentAttributes(req.IntentID, sender)...)
	in, err := s.node.CreateIntent(r.Context(), caller(r), req.IntentID, sender,
		req.RecipientCommitment, req.Amount, time.Unix(req.Expiry, 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "escrow.created", observability.IntentAttributes(in.ID, in.Sender)...)
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	in, err := s.node.Intent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleIntentChecks(w http.ResponseWriter, r *http.Request) {
	claimant, err := queryAddress(r, "claimant")
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	as, err := queryAddress(r, "caller")
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	checks, err := s.node.CheckIntent(r.Context(), r.PathValue("id"), as, claimant, r.URL.Query().Get("proof"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

type releaseRequest struct {
	Claimant kernel.Address `json:"claimant"`
	Proof    string         `json:"proof"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[releaseRequest](s, w, r, "release")
	if !ok {
		return
	}
	claimant, err := kernel.ParseAddress(string(req.Claimant))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	in, err := s.node.ReleaseIntent(r.Context(), PublicCaller, r.PathValue("id"), claimant, req.Proof)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "escrow.released", observability.IntentAttributes(in.ID, in.Sender)...)
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	in, err := s.node.RefundIntent(r.Context(), PublicCaller, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "escrow.refunded", observability.IntentAttributes(in.ID, in.Sender)...)
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleEscrowed(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	total, err := s.node.EscrowedTotal(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sender":   addr,
		"escrowed": total,
		"display":  s.node.Asset().Of(total).String(),
	})
}

// Sponsorship.

type evaluateRequest struct {
	Identity        kernel.Address `json:"identity"`
	DeclaredMaxCost int64          `json:"declaredMaxCost"`
}

// handleEvaluate previews the decision the engine would reach for a
// sponsored operation. Tokens are only issued inside operations.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[evaluateRequest](s, w, r, "evaluate")
	if !ok {
		return
	}
	ident, err := kernel.ParseAddress(string(req.Identity))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	d, err := s.node.CheckSponsorship(r.Context(), ident, req.DeclaredMaxCost)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSponsorship(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	acct, err := s.node.SponsorshipAccount(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	reserve, err := s.node.Reserve(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	asset := s.node.Asset()
	writeJSON(w, http.StatusOK, map[string]any{
		"reserve": reserve,
		"asset":   asset,
		"display": asset.Of(reserve).String(),
	})
}

// Governance.

func (s *Server) handlePendingUpgrade(w http.ResponseWriter, r *http.Request) {
	p, ok, err := s.node.PendingUpgrade(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		WriteNotFound(w, "no pending upgrade for "+r.PathValue("hash"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	comps, err := s.node.Components(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comps)
}

// Audit.

func (s *Server) handleVerifyLog(w http.ResponseWriter, r *http.Request) {
	valid, length, err := s.node.VerifyLog(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "length": length})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{Type: q.Get("type"), Limit: 100}
	if v := q.Get("emitter"); v != "" {
		emitter, err := kernel.ParseAddress(v)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		f.Emitter = emitter
	}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "after must be a sequence number")
			return
		}
		f.After = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be in [1, 1000]")
			return
		}
		f.Limit = limit
	}
	entries := s.node.Events().Query(f)
	if entries == nil {
		entries = []ledger.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"head": s.node.Events().Head(), "events": entries})
}

// Administration.

type fundRequest struct {
	To     kernel.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[fundRequest](s, w, r, "fund")
	if !ok {
		return
	}
	to, err := kernel.ParseAddress(string(req.To))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := s.node.Fund(r.Context(), caller(r), to, req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	bal, err := s.node.Balance(r.Context(), to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": to, "balance": bal})
}

type eligibilityRequest struct {
	Identity kernel.Address `json:"identity"`
	Eligible bool           `json:"eligible"`
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[eligibilityRequest](s, w, r, "eligibility")
	if !ok {
		return
	}
	ident, err := kernel.ParseAddress(string(req.Identity))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := s.node.SetEligible(r.Context(), caller(r), ident, req.Eligible); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type policyRequest struct {
	Field string `json:"field"`
	Value int64  `json:"value"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[policyRequest](s, w, r, "policy")
	if !ok {
		return
	}
	if err := s.node.SetPolicyValue(r.Context(), caller(r), req.Field, req.Value); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attesterRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleAttester(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[attesterRequest](s, w, r, "attester")
	if !ok {
		return
	}
	if err := s.node.SetAttester(r.Context(), caller(r), req.Key); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reserveRequest struct {
	Amount int64          `json:"amount"`
	To     kernel.Address `json:"to"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[reserveRequest](s, w, r, "reserve")
	if !ok {
		return
	}
	if err := s.node.Deposit(r.Context(), caller(r), req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleReserve(w, r)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[reserveRequest](s, w, r, "reserve")
	if !ok {
		return
	}
	to := caller(r)
	if req.To != "" {
		parsed, err := kernel.ParseAddress(string(req.To))
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		to = parsed
	}
	if err := s.node.Withdraw(r.Context(), caller(r), to, req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleReserve(w, r)
}

type upgradeRequest struct {
	CodeHash  string `json:"codeHash"`
	Component string `json:"component"`
}

func (s *Server) handleQueueUpgrade(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[upgradeRequest](s, w, r, "upgrade")
	if !ok {
		return
	}
	p, err := s.node.QueueUpgrade(r.Context(), caller(r), req.CodeHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleCancelUpgrade(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[upgradeRequest](s, w, r, "upgrade")
	if !ok {
		return
	}
	if err := s.node.CancelUpgrade(r.Context(), caller(r), req.CodeHash); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteUpgrade(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[upgradeRequest](s, w, r, "upgrade")
	if !ok {
		return
	}
	if req.Component == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "component is required")
		return
	}
	if err := s.node.Upgrade(r.Context(), caller(r), req.Component, req.CodeHash); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleComponents(w, r)
}
