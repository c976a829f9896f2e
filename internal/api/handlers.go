// Package api exposes the market engine over HTTP with chi.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/approval"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
	"github.com/moltstreet/market-engine/internal/trade"
)

// Handler serves the REST API.
type Handler struct {
	svc     *trade.Service
	gw      *approval.Gateway
	limiter *AgentLimiter
}

// NewHandler creates a handler. A nil limiter disables rate limiting.
func NewHandler(svc *trade.Service, gw *approval.Gateway, limiter *AgentLimiter) *Handler {
	return &Handler{svc: svc, gw: gw, limiter: limiter}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/agents", h.RegisterAgent)
	r.Get("/agents/{agentID}", h.GetAgent)
	r.Put("/agents/{agentID}/trading-mode", h.SetTradingMode)
	r.Post("/agents/{agentID}/faucet", h.Faucet)
	r.Get("/agents/{agentID}/positions", h.ListPositions)
	r.Get("/agents/{agentID}/rewards", h.ListRewards)

	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/book", h.GetOrderBook)
	r.Get("/markets/{marketID}/trades", h.ListTrades)
	r.Post("/markets/{marketID}/resolve", h.ResolveMarket)

	r.Get("/orders", h.ListOrders)
	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders/{orderID}", h.GetOrder)
	r.Delete("/orders/{orderID}", h.CancelOrder)

	r.Post("/transfers", h.Transfer)

	r.Get("/pending-actions", h.ListPendingActions)
	r.Get("/pending-actions/{actionID}", h.GetPendingAction)
	r.Post("/pending-actions/{actionID}/approve", h.ApproveAction)
	r.Post("/pending-actions/{actionID}/reject", h.RejectAction)

	r.Get("/platform/stats", h.PlatformStats)
	r.Get("/platform/fees", h.ListPlatformFees)
}

// --- Agents ---

func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req trade.RegisterAgentRequest
	if !decode(w, r, &req) {
		return
	}
	agent, err := h.svc.RegisterAgent(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) SetTradingMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TradingMode model.TradingMode `json:"trading_mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := h.svc.SetTradingMode(r.Context(), chi.URLParam(r, "agentID"), req.TradingMode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := h.svc.Faucet(r.Context(), chi.URLParam(r, "agentID"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.svc.ListPositions(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.svc.ListModeratorRewards(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

// --- Markets ---

func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.ListMarkets(r.Context(), model.MarketStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket is routed through the approval gateway.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req trade.CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.gw.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.GetOrderBook(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.ListTrades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req trade.ResolveMarketRequest
	if !decode(w, r, &req) {
		return
	}
	req.MarketID = chi.URLParam(r, "marketID")
	sum, err := h.svc.ResolveMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Orders ---

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OrderFilter{
		AgentID:  q.Get("agent_id"),
		MarketID: q.Get("market_id"),
		Status:   model.OrderStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	orders, err := h.svc.ListOrders(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// PlaceOrder is rate limited per agent and routed through the approval gateway.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req trade.PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(req.AgentID) {
		writeError(w, "order rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	sub, err := h.gw.PlaceOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder takes the acting agent from the agent_id query parameter.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	req := trade.CancelOrderRequest{
		OrderID: chi.URLParam(r, "orderID"),
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if req.AgentID == "" {
		writeError(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	sub, err := h.gw.CancelOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req trade.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.gw.Transfer(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSubmission(w, sub)
}

// --- Pending actions ---

type reviewRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

func (h *Handler) ListPendingActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	if agentID == "" {
		writeError(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	actions, err := h.gw.List(r.Context(), agentID, model.ActionStatus(q.Get("status")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (h *Handler) GetPendingAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.gw.Get(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handler) ApproveAction(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := h.gw.Approve(r.Context(), chi.URLParam(r, "actionID"), req.AgentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handler) RejectAction(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := h.gw.Reject(r.Context(), chi.URLParam(r, "actionID"), req.AgentID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// --- Platform ---

func (h *Handler) PlatformStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.PlatformStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListPlatformFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.svc.ListPlatformFees(r.Context(), r.URL.Query().Get("market_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeSubmission answers 201 for executed actions and 202 for queued ones.
func writeSubmission(w http.ResponseWriter, sub *approval.Submission) {
	status := http.StatusAccepted
	if sub.Executed {
		status = http.StatusCreated
	}
	writeJSON(w, status, sub)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps an error class to an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCannotTrade),
		errors.Is(err, model.ErrNotModerator),
		errors.Is(err, model.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, model.ErrRuleViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
