// Package approval defers manual-mode agents' actions until their owner
// approves them. Approval re-runs the action through trade.Service, so
// balance, ownership and market state are validated again at that point.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/moltstreet/market-engine/internal/metrics"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
	"github.com/moltstreet/market-engine/internal/trade"
)

// DefaultTTL is how long a pending action stays approvable.
const DefaultTTL = 24 * time.Hour

// Submission is the outcome of routing an action: either it executed
// immediately (auto mode) or it was queued (manual mode).
type Submission struct {
	Executed bool                 `json:"executed"`
	Result   any                  `json:"result,omitempty"`
	Action   *model.PendingAction `json:"pending_action,omitempty"`
}

// Gateway routes agent actions by trading mode.
type Gateway struct {
	svc   *trade.Service
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewGateway creates a gateway. A non-positive ttl means DefaultTTL.
func NewGateway(svc *trade.Service, st store.Store, ttl time.Duration) *Gateway {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gateway{
		svc:   svc,
		store: st,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// --- Submission ---

func (g *Gateway) PlaceOrder(ctx context.Context, req trade.PlaceOrderRequest) (*Submission, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return g.submit(ctx, req.AgentID, model.ActionPlaceOrder, req)
}

func (g *Gateway) CancelOrder(ctx context.Context, req trade.CancelOrderRequest) (*Submission, error) {
	if req.OrderID == "" {
		return nil, model.Validationf("order_id is required")
	}
	return g.submit(ctx, req.AgentID, model.ActionCancelOrder, req)
}

func (g *Gateway) Transfer(ctx context.Context, req trade.TransferRequest) (*Submission, error) {
	if !req.Amount.IsPositive() {
		return nil, model.Validationf("transfer amount must be positive")
	}
	return g.submit(ctx, req.FromID, model.ActionTransfer, req)
}

func (g *Gateway) CreateMarket(ctx context.Context, req trade.CreateMarketRequest) (*Submission, error) {
	return g.submit(ctx, req.CreatorID, model.ActionCreateMarket, req)
}

// submit reads the trading mode from the locked agent row, not from a
// possibly cached read, and queues the action in the same transaction.
func (g *Gateway) submit(ctx context.Context, agentID string, typ model.ActionType, req any) (*Submission, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	var action *model.PendingAction
	err = g.store.WithTx(ctx, func(tx store.Tx) error {
		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.TradingMode == model.ModeAuto {
			return nil
		}
		now := g.now()
		action = &model.PendingAction{
			ID:        uuid.New().String(),
			AgentID:   agentID,
			Type:      typ,
			Payload:   payload,
			Status:    model.ActionPending,
			CreatedAt: now,
			ExpiresAt: now.Add(g.ttl),
		}
		return tx.InsertPendingAction(ctx, action)
	})
	if err != nil {
		return nil, err
	}

	if action == nil {
		result, err := g.execute(ctx, agentID, typ, payload)
		if err != nil {
			return nil, err
		}
		return &Submission{Executed: true, Result: result}, nil
	}

	metrics.PendingActions.WithLabelValues(string(typ), string(model.ActionPending)).Inc()
	slog.Info("action queued for approval", "id", action.ID, "agent", agentID, "type", typ, "expires_at", action.ExpiresAt)
	return &Submission{Action: action}, nil
}

// execute decodes payload and runs it through the trade service. The acting
// agent always comes from the action, never from the payload.
func (g *Gateway) execute(ctx context.Context, agentID string, typ model.ActionType, payload json.RawMessage) (any, error) {
	switch typ {
	case model.ActionPlaceOrder:
		var req trade.PlaceOrderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, model.Validationf("decode payload: %v", err)
		}
		req.AgentID = agentID
		return g.svc.PlaceOrder(ctx, req)

	case model.ActionCancelOrder:
		var req trade.CancelOrderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, model.Validationf("decode payload: %v", err)
		}
		req.AgentID = agentID
		return g.svc.CancelOrder(ctx, req)

	case model.ActionTransfer:
		var req trade.TransferRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, model.Validationf("decode payload: %v", err)
		}
		req.FromID = agentID
		return g.svc.Transfer(ctx, req)

	case model.ActionCreateMarket:
		var req trade.CreateMarketRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, model.Validationf("decode payload: %v", err)
		}
		req.CreatorID = agentID
		return g.svc.CreateMarket(ctx, req)

	default:
		return nil, model.Validationf("unknown action type %q", typ)
	}
}

// --- Review ---

// Approve executes a pending action on behalf of its agent. The action is
// claimed first so a concurrent approval cannot run it twice; if execution
// fails the claim is released and the action stays pending.
func (g *Gateway) Approve(ctx context.Context, actionID, agentID string) (*model.PendingAction, error) {
	action, err := g.claim(ctx, actionID, agentID, model.ActionApproved, "")
	if err != nil {
		return nil, err
	}

	result, execErr := g.execute(ctx, action.AgentID, action.Type, action.Payload)
	if execErr != nil {
		if err := g.release(ctx, actionID); err != nil {
			slog.Error("release pending action failed", "id", actionID, "err", err)
		}
		return nil, execErr
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	err = g.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockPendingAction(ctx, actionID)
		if err != nil {
			return err
		}
		a.Result = data
		action = a
		return tx.UpdatePendingAction(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	metrics.PendingActions.WithLabelValues(string(action.Type), string(model.ActionApproved)).Inc()
	slog.Info("action approved", "id", actionID, "agent", action.AgentID, "type", action.Type)
	return action, nil
}

// Reject marks a pending action rejected with reason.
func (g *Gateway) Reject(ctx context.Context, actionID, agentID, reason string) (*model.PendingAction, error) {
	action, err := g.claim(ctx, actionID, agentID, model.ActionRejected, reason)
	if err != nil {
		return nil, err
	}
	metrics.PendingActions.WithLabelValues(string(action.Type), string(model.ActionRejected)).Inc()
	slog.Info("action rejected", "id", actionID, "agent", action.AgentID, "reason", reason)
	return action, nil
}

// claim moves a reviewable action to status. An action found past its
// expiry is marked expired and ErrActionExpired is returned.
func (g *Gateway) claim(ctx context.Context, actionID, agentID string, status model.ActionStatus, reason string) (*model.PendingAction, error) {
	now := g.now()
	var action *model.PendingAction
	var expired bool
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockPendingAction(ctx, actionID)
		if err != nil {
			return err
		}
		if a.AgentID != agentID {
			return model.ErrNotOwner
		}
		if a.Status != model.ActionPending {
			return model.ErrActionNotPending
		}

		a.ReviewedAt = &now
		if a.Expired(now) {
			expired = true
			a.Status = model.ActionExpired
		} else {
			a.Status = status
			a.RejectionReason = reason
		}
		action = a
		return tx.UpdatePendingAction(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, model.ErrActionExpired
	}
	return action, nil
}

func (g *Gateway) release(ctx context.Context, actionID string) error {
	return g.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockPendingAction(ctx, actionID)
		if err != nil {
			return err
		}
		a.Status = model.ActionPending
		a.ReviewedAt = nil
		return tx.UpdatePendingAction(ctx, a)
	})
}

// ExpireStale marks every pending action past its expiry as expired.
func (g *Gateway) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	var types []model.ActionType
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		stale, err := tx.LockExpiredPendingActions(ctx, now)
		if err != nil {
			return err
		}
		types = types[:0]
		for _, a := range stale {
			a.Status = model.ActionExpired
			if err := tx.UpdatePendingAction(ctx, a); err != nil {
				return err
			}
			types = append(types, a.Type)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, typ := range types {
		metrics.PendingActions.WithLabelValues(string(typ), string(model.ActionExpired)).Inc()
	}
	if len(types) > 0 {
		slog.Info("expired pending actions", "count", len(types))
	}
	return len(types), nil
}

// List returns an agent's actions, newest first. An empty status lists all.
func (g *Gateway) List(ctx context.Context, agentID string, status model.ActionStatus) ([]model.PendingAction, error) {
	actions, err := g.store.ListPendingActions(ctx, agentID, status)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []model.PendingAction{}
	}
	return actions, nil
}

func (g *Gateway) Get(ctx context.Context, id string) (*model.PendingAction, error) {
	return g.store.GetPendingAction(ctx, id)
}
