// Package resolution settles markets: it clears the book, pays winning
// positions net of the settlement fee and rewards the resolving moderator.
package resolution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/fees"
	"github.com/moltstreet/market-engine/internal/ledger"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

// Summary describes what a resolution did.
type Summary struct {
	MarketID            string                `json:"market_id"`
	Outcome             model.Outcome         `json:"outcome"`
	Winners             int                   `json:"winners"`
	TotalPayout         decimal.Decimal       `json:"total_payout"`
	TotalSettlementFees decimal.Decimal       `json:"total_settlement_fees"`
	TotalWinnerProfits  decimal.Decimal       `json:"total_winner_profits"`
	CancelledOrders     int                   `json:"cancelled_orders"`
	Refunded            decimal.Decimal       `json:"refunded"`
	ModeratorReward     model.ModeratorReward `json:"moderator_reward"`
}

// Resolver resolves markets under a fee schedule.
type Resolver struct {
	fees fees.Schedule
}

func NewResolver(schedule fees.Schedule) *Resolver {
	return &Resolver{fees: schedule}
}

// ResolveMarket resolves marketID to outcome on behalf of moderatorID. All
// checks run before the first write; after that the caller's transaction
// makes the whole payout atomic.
func (r *Resolver) ResolveMarket(ctx context.Context, tx store.Tx, marketID string, outcome model.Outcome, moderatorID, evidence string) (*Summary, error) {
	if !outcome.Valid() {
		return nil, model.Validationf("outcome must be YES or NO, got %q", outcome)
	}

	mod, err := tx.LockAgent(ctx, moderatorID)
	if err != nil {
		return nil, err
	}
	if !mod.CanResolve() {
		return nil, model.ErrNotModerator
	}

	m, err := tx.LockMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.MarketResolved {
		return nil, model.ErrAlreadyResolved
	}

	now := time.Now().UTC()
	m.Status = model.MarketResolved
	m.Outcome = outcome
	m.ResolvedAt = &now
	m.ResolvedBy = moderatorID
	m.ResolutionEvidence = evidence
	if err := tx.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}

	sum := &Summary{MarketID: marketID, Outcome: outcome}

	if err := r.clearBook(ctx, tx, marketID, sum); err != nil {
		return nil, err
	}
	if err := r.payWinners(ctx, tx, marketID, outcome, sum); err != nil {
		return nil, err
	}

	platformShare, winnerFee := r.fees.ModeratorReward(sum.TotalSettlementFees, sum.TotalWinnerProfits)
	sum.ModeratorReward = model.ModeratorReward{
		ID:                 uuid.New().String(),
		ModeratorID:        moderatorID,
		MarketID:           marketID,
		PlatformShare:      platformShare,
		WinnerFee:          winnerFee,
		TotalReward:        platformShare.Add(winnerFee),
		TotalWinnerProfits: sum.TotalWinnerProfits,
		CreatedAt:          now,
	}
	if err := ledger.Credit(ctx, tx, moderatorID, sum.ModeratorReward.TotalReward); err != nil {
		return nil, err
	}
	if err := tx.InsertModeratorReward(ctx, &sum.ModeratorReward); err != nil {
		return nil, fmt.Errorf("insert moderator reward: %w", err)
	}

	// The moderator's cut is carved out of platform revenue.
	err = fees.UpdateStats(ctx, tx, fees.StatsDelta{
		SettlementFees:  sum.TotalSettlementFees.Sub(platformShare),
		MarketsResolved: 1,
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// clearBook cancels every open or partial order and returns the unfilled
// BUY reservations, fee share included. SELL orders reserve shares, not tokens.
func (r *Resolver) clearBook(ctx context.Context, tx store.Tx, marketID string, sum *Summary) error {
	orders, err := tx.LockActiveOrdersByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	sum.Refunded = decimal.Zero
	for _, o := range orders {
		if o.Type == model.OrderBuy && o.Remaining() > 0 {
			refund := r.fees.Reservation(o.Price, o.Remaining())
			if _, err := ledger.UnlockBalance(ctx, tx, o.AgentID, refund); err != nil {
				return err
			}
			sum.Refunded = sum.Refunded.Add(refund)
		}
		o.Status = model.OrderCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		sum.CancelledOrders++
	}
	return nil
}

// payWinners credits every position holding winning shares with 1.00 per
// share less the settlement fee on its profit over cost basis.
func (r *Resolver) payWinners(ctx context.Context, tx store.Tx, marketID string, outcome model.Outcome, sum *Summary) error {
	positions, err := tx.LockPositionsByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	sum.TotalPayout = decimal.Zero
	sum.TotalSettlementFees = decimal.Zero
	sum.TotalWinnerProfits = decimal.Zero

	for _, p := range positions {
		shares, avg := p.Shares(outcome)
		if shares <= 0 {
			continue
		}
		n := decimal.NewFromInt(shares)
		gross := n

		// Without a cost basis the profit counts as zero for fees.
		profit := decimal.Zero
		if avg.Valid {
			profit = gross.Sub(avg.Decimal.Mul(n))
		}
		fee := r.fees.SettlementFee(profit)
		net := gross.Sub(fee)

		a, err := tx.LockAgent(ctx, p.AgentID)
		if err != nil {
			return model.Invariantf("position holder vanished: %v", err)
		}
		a.Balance = a.Balance.Add(net)
		if avg.Valid {
			a.Reputation = a.Reputation.Add(model.One.Sub(avg.Decimal).Mul(n))
		}
		if err := ledger.Check(a); err != nil {
			return err
		}
		if err := tx.UpdateAgent(ctx, a); err != nil {
			return err
		}

		if fee.IsPositive() {
			if err := fees.RecordSettlementFee(ctx, tx, p.AgentID, marketID, fee, shares); err != nil {
				return err
			}
		}
		if profit.IsPositive() {
			sum.TotalWinnerProfits = sum.TotalWinnerProfits.Add(profit)
		}
		sum.TotalPayout = sum.TotalPayout.Add(net)
		sum.TotalSettlementFees = sum.TotalSettlementFees.Add(fee)
		sum.Winners++
	}
	return nil
}

// CloseExpiredMarkets moves open markets whose deadline has passed to
// closed. Closed markets accept no orders but can still be resolved.
func (r *Resolver) CloseExpiredMarkets(ctx context.Context, tx store.Tx, now time.Time) ([]model.Market, error) {
	expired, err := tx.LockExpiredMarkets(ctx, now)
	if err != nil {
		return nil, err
	}
	closed := make([]model.Market, 0, len(expired))
	for _, m := range expired {
		m.Status = model.MarketClosed
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return nil, err
		}
		closed = append(closed, *m)
	}
	return closed, nil
}
