// Package httpapi exposes the service over HTTP. It translates requests
// into service calls and *ServiceError values into JSON error responses;
// no domain logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/domain/order"
	domainsettlement "github.com/atelier-network/atelier/internal/app/domain/settlement"
	"github.com/atelier-network/atelier/internal/app/metrics"
	"github.com/atelier-network/atelier/internal/app/services/agents"
	"github.com/atelier-network/atelier/internal/app/services/orders"
	"github.com/atelier-network/atelier/internal/app/services/settlement"
	"github.com/atelier-network/atelier/internal/errors"
	"github.com/atelier-network/atelier/internal/ratelimit"
	"github.com/atelier-network/atelier/internal/walletauth"
	"github.com/atelier-network/atelier/pkg/logger"
)

// Limiter names consulted by the HTTP layer. Each endpoint class has its
// own named limiter so registration bursts cannot exhaust the order
// mutation budget and vice versa.
const (
	LimitPerIP         = "per_ip"
	LimitRegistration  = "registration"
	LimitOrderMutation = "order_mutation"
)

// Handler is the HTTP surface.
type Handler struct {
	agents     *agents.Service
	orders     *orders.Service
	settlement *settlement.Service
	limits     *ratelimit.Set
	metrics    *metrics.Metrics
	audit      *AuditLog
	log        *logger.Logger
}

// New creates the handler. limits and m may be nil, which disables rate
// limiting and instrumentation respectively.
func New(agentSvc *agents.Service, orderSvc *orders.Service, settlementSvc *settlement.Service, limits *ratelimit.Set, m *metrics.Metrics, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		agents:     agentSvc,
		orders:     orderSvc,
		settlement: settlementSvc,
		limits:     limits,
		metrics:    m,
		audit:      NewAuditLog(128, nil),
		log:        log,
	}
}

// SetAuditSink streams every admin audit entry to w as JSON lines, in
// addition to the in-memory ring.
func (h *Handler) SetAuditSink(w io.Writer) {
	h.audit = NewAuditLog(128, w)
}

// Routes builds the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	mux.HandleFunc("POST /agents", h.handleRegisterAgent)
	mux.HandleFunc("GET /agents/{id}", h.handleGetAgent)
	mux.HandleFunc("PATCH /agents/{id}", h.handleUpdateAgent)
	mux.HandleFunc("POST /agents/{id}/wallet", h.handleLinkWallet)
	mux.HandleFunc("GET /agents/{id}/orders", h.handleListAgentOrders)

	mux.HandleFunc("POST /orders", h.handleCreateOrder)
	mux.HandleFunc("GET /orders/{id}", h.handleGetOrder)
	mux.HandleFunc("POST /orders/{id}/quote", h.handleQuote)
	mux.HandleFunc("POST /orders/{id}/pay", h.handlePay)
	mux.HandleFunc("POST /orders/{id}/start", h.handleStart)
	mux.HandleFunc("POST /orders/{id}/deliver", h.handleDeliver)
	mux.HandleFunc("POST /orders/{id}/complete", h.handleComplete)
	mux.HandleFunc("POST /orders/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /orders/{id}/dispute", h.handleDispute)
	mux.HandleFunc("POST /orders/{id}/review", h.handleReview)
	mux.HandleFunc("GET /orders/{id}/review", h.handleGetReview)

	mux.HandleFunc("POST /settlement/sweep", h.requireAdmin(h.handleSweep))
	mux.HandleFunc("GET /settlement/sweeps", h.requireAdmin(h.handleListSweeps))
	mux.HandleFunc("POST /settlement/payouts", h.requireAdmin(h.handlePayout))
	mux.HandleFunc("GET /settlement/payouts", h.requireAdmin(h.handleListPendingPayouts))
	mux.HandleFunc("GET /settlement/payouts/{id}", h.requireAdmin(h.handleGetPayout))
	mux.HandleFunc("GET /settlement/audit", h.requireAdmin(h.handleAudit))

	var handler http.Handler = mux
	handler = h.rateLimitByIP(handler)
	if h.metrics != nil {
		handler = h.metrics.InstrumentHandler(handler)
	}
	return handler
}

// Middleware ------------------------------------------------------------------

func (h *Handler) rateLimitByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limits != nil && r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			if allowed, retry := h.limits.Check(LimitPerIP, clientIP(r)); !allowed {
				h.countDenial(LimitPerIP)
				h.writeError(w, errors.RateLimitExceeded(retry))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry := AuditEntry{
			Time:     time.Now().UTC(),
			Method:   r.Method,
			Path:     r.URL.Path,
			ClientIP: clientIP(r),
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := h.settlement.Authorize(token); err != nil {
			if se := errors.GetServiceError(err); se != nil {
				entry.Status = se.HTTPStatus
			}
			h.audit.Record(entry)
			h.writeError(w, err)
			return
		}

		rec := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		entry.Status = rec.status
		h.audit.Record(entry)
	}
}

type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (r *auditRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// checkLimit applies the named endpoint-class limiter to the caller's
// identity (agent ID, wallet, or IP depending on the endpoint).
func (h *Handler) checkLimit(w http.ResponseWriter, name, identity string) bool {
	if h.limits == nil || identity == "" {
		return true
	}
	allowed, retry := h.limits.Check(name, identity)
	if !allowed {
		h.countDenial(name)
		h.writeError(w, errors.RateLimitExceeded(retry))
		return false
	}
	return true
}

// writeError renders err as the JSON error envelope and counts wallet
// proof rejections.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if h.metrics != nil {
		if se := errors.GetServiceError(err); se != nil {
			switch se.Code {
			case errors.CodeWalletMismatch, errors.CodeSignatureExpired, errors.CodeInvalidSignature:
				h.metrics.WalletAuthFailure.WithLabelValues(string(se.Code)).Inc()
			}
		}
	}
	writeError(w, err)
}

func (h *Handler) countDenial(limiter string) {
	if h.metrics != nil {
		h.metrics.RateLimitDenials.WithLabelValues(limiter).Inc()
	}
}

func (h *Handler) countTransition(status order.Status) {
	if h.metrics != nil {
		h.metrics.OrderTransitions.WithLabelValues(string(status)).Inc()
	}
}

// Agent handlers --------------------------------------------------------------

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerAgentRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	WebhookURL   string   `json:"webhook_url"`
	Capabilities []string `json:"capabilities"`
}

type registeredAgentResponse struct {
	agent.Agent
	APIKey string `json:"api_key"`
}

func (h *Handler) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitRegistration, clientIP(r)) {
		return
	}

	created, apiKey, err := h.agents.Register(r.Context(), req.Name, req.Description, req.WebhookURL, req.Capabilities)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registeredAgentResponse{Agent: created, APIKey: apiKey})
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateAgentRequest struct {
	Description  *string  `json:"description"`
	PayoutWallet *string  `json:"payout_wallet"`
	WebhookURL   *string  `json:"webhook_url"`
	Capabilities []string `json:"capabilities"`
}

func (h *Handler) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	caller, err := h.agents.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, caller.ID) {
		return
	}

	var req updateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	updated, err := h.agents.UpdateProfile(r.Context(), caller, r.PathValue("id"), agents.ProfileUpdate{
		Description:  req.Description,
		PayoutWallet: req.PayoutWallet,
		WebhookURL:   req.WebhookURL,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type linkWalletRequest struct {
	Proof walletauth.Proof `json:"proof"`
}

func (h *Handler) handleLinkWallet(w http.ResponseWriter, r *http.Request) {
	var req linkWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, req.Proof.Wallet) {
		return
	}

	linked, err := h.agents.LinkWallet(r.Context(), r.PathValue("id"), req.Proof)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linked)
}

func (h *Handler) handleListAgentOrders(w http.ResponseWriter, r *http.Request) {
	caller, err := h.agents.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if caller.ID != r.PathValue("id") {
		h.writeError(w, errors.Forbidden(""))
		return
	}

	list, err := h.orders.ListByAgent(r.Context(), caller.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": list})
}

// Order handlers --------------------------------------------------------------

type createOrderRequest struct {
	ServiceID       string           `json:"service_id"`
	ProviderAgentID string           `json:"provider_agent_id"`
	PriceType       order.PriceType  `json:"price_type"`
	Price           float64          `json:"price"`
	QuotaTotal      int              `json:"quota_total"`
	Proof           walletauth.Proof `json:"proof"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, req.Proof.Wallet) {
		return
	}

	created, err := h.orders.Create(r.Context(), orders.CreateParams{
		ServiceID:       req.ServiceID,
		ProviderAgentID: req.ProviderAgentID,
		PriceType:       req.PriceType,
		Price:           req.Price,
		QuotaTotal:      req.QuotaTotal,
		Proof:           req.Proof,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(created.Status)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type quoteRequest struct {
	Price float64 `json:"price"`
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	caller, err := h.agents.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, caller.ID) {
		return
	}

	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	o, err := h.orders.Quote(r.Context(), caller, r.PathValue("id"), req.Price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(o.Status)
	writeJSON(w, http.StatusOK, o)
}

type proofRequest struct {
	Proof walletauth.Proof `json:"proof"`
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, req.Proof.Wallet) {
		return
	}

	o, err := h.orders.MarkPaid(r.Context(), req.Proof, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	caller, err := h.agents.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, caller.ID) {
		return
	}

	o, err := h.orders.Start(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(o.Status)
	writeJSON(w, http.StatusOK, o)
}

type deliverRequest struct {
	DeliverableURL string          `json:"deliverable_url"`
	MediaType      order.MediaType `json:"media_type"`
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	caller, err := h.agents.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, caller.ID) {
		return
	}

	var req deliverRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	o, err := h.orders.Deliver(r.Context(), caller, r.PathValue("id"), req.DeliverableURL, req.MediaType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, req.Proof.Wallet) {
		return
	}

	o, err := h.orders.Complete(r.Context(), req.Proof, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.closeOrder(w, r, (*orders.Service).Cancel)
}

func (h *Handler) handleDispute(w http.ResponseWriter, r *http.Request) {
	h.closeOrder(w, r, (*orders.Service).Dispute)
}

// closeOrder resolves the caller as either a provider agent (API key) or a
// client wallet (proof) and applies the terminal transition.
func (h *Handler) closeOrder(w http.ResponseWriter, r *http.Request, transition func(*orders.Service, context.Context, orders.Principal, string) (order.ServiceOrder, error)) {
	var caller orders.Principal
	if key := apiKey(r); key != "" {
		a, err := h.agents.Authenticate(r.Context(), key)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if !h.checkLimit(w, LimitOrderMutation, a.ID) {
			return
		}
		caller = orders.AgentPrincipal(a)
	} else {
		var req proofRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
		if !h.checkLimit(w, LimitOrderMutation, req.Proof.Wallet) {
			return
		}
		var err error
		caller, err = h.orders.ClientPrincipal(req.Proof)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}

	o, err := transition(h.orders, r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.countTransition(o.Status)
	writeJSON(w, http.StatusOK, o)
}

type reviewRequest struct {
	Rating  int              `json:"rating"`
	Comment string           `json:"comment"`
	Proof   walletauth.Proof `json:"proof"`
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.checkLimit(w, LimitOrderMutation, req.Proof.Wallet) {
		return
	}

	rev, err := h.orders.SubmitReview(r.Context(), req.Proof, r.PathValue("id"), req.Rating, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (h *Handler) handleGetReview(w http.ResponseWriter, r *http.Request) {
	rev, err := h.orders.GetReview(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// Settlement handlers ---------------------------------------------------------

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	sweep, err := h.settlement.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SweepsTotal.Inc()
	}
	writeJSON(w, http.StatusOK, sweep)
}

func (h *Handler) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := h.settlement.Sweeps(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sweeps": sweeps})
}

type payoutRequest struct {
	RecipientWallet string  `json:"recipient_wallet"`
	AgentID         string  `json:"agent_id"`
	TokenMint       string  `json:"token_mint"`
	Amount          float64 `json:"amount"`
}

func (h *Handler) handlePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	payout, err := h.settlement.Payout(r.Context(), settlement.PayoutParams{
		RecipientWallet: req.RecipientWallet,
		AgentID:         req.AgentID,
		TokenMint:       req.TokenMint,
		Amount:          req.Amount,
	})
	if err != nil {
		if h.metrics != nil {
			h.metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		}
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PayoutsTotal.WithLabelValues("completed").Inc()
	}
	writeJSON(w, http.StatusCreated, payout)
}

func (h *Handler) handleListPendingPayouts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(domainsettlement.PayoutPending)
	}

	payouts, err := h.settlement.PayoutsByStatus(r.Context(), domainsettlement.PayoutStatus(status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

func (h *Handler) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	payout, err := h.settlement.GetPayout(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (h *Handler) handleAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": h.audit.Entries()})
}

// Helpers ---------------------------------------------------------------------

func apiKey(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Validation("invalid request body")
	}
	return nil
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("", err)
	}
	writeJSON(w, se.HTTPStatus, errorResponse{Error: errorBody{
		Code:    string(se.Code),
		Message: se.Message,
		Details: se.Details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
