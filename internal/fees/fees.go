// Package fees holds the fee schedule and the platform fee ledger: per-trade
// and per-resolution fee records plus the PlatformStats singleton.
package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

// Schedule is the set of platform fee rates.
type Schedule struct {
	TradingRate            decimal.Decimal // charged on each side of a trade
	MarketCreation         decimal.Decimal // flat, paid by the market creator
	SettlementRate         decimal.Decimal // charged on winning profit only
	ModeratorPlatformShare decimal.Decimal // moderator's cut of settlement fees
	ModeratorWinnerFee     decimal.Decimal // moderator's cut of total winner profit
}

// DefaultSchedule returns the production fee rates.
func DefaultSchedule() Schedule {
	return Schedule{
		TradingRate:            decimal.RequireFromString("0.01"),
		MarketCreation:         decimal.RequireFromString("10.00"),
		SettlementRate:         decimal.RequireFromString("0.02"),
		ModeratorPlatformShare: decimal.RequireFromString("0.30"),
		ModeratorWinnerFee:     decimal.RequireFromString("0.005"),
	}
}

// TradingFees returns the buyer and seller fee for size shares at price.
// The buyer pays on price*size, the seller on (1-price)*size.
func (s Schedule) TradingFees(price decimal.Decimal, size int64) (buyer, seller decimal.Decimal) {
	n := decimal.NewFromInt(size)
	buyer = price.Mul(n).Mul(s.TradingRate)
	seller = model.One.Sub(price).Mul(n).Mul(s.TradingRate)
	return buyer, seller
}

// Reservation is what a BUY of size shares at price locks: the cost plus
// the trading fee on it. Executions happen at or below the limit, so the
// reservation always covers both.
func (s Schedule) Reservation(price decimal.Decimal, size int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(size)).Mul(model.One.Add(s.TradingRate))
}

// SettlementFee is the fee on a winning payout's profit. Losses pay nothing.
func (s Schedule) SettlementFee(profit decimal.Decimal) decimal.Decimal {
	if !profit.IsPositive() {
		return decimal.Zero
	}
	return profit.Mul(s.SettlementRate)
}

// ModeratorReward splits a resolution's fees into the moderator's two
// reward components.
func (s Schedule) ModeratorReward(settlementFees, winnerProfits decimal.Decimal) (platformShare, winnerFee decimal.Decimal) {
	return settlementFees.Mul(s.ModeratorPlatformShare), winnerProfits.Mul(s.ModeratorWinnerFee)
}

// StatsDelta is an increment applied to PlatformStats.
type StatsDelta struct {
	TradingFees        decimal.Decimal
	MarketCreationFees decimal.Decimal
	SettlementFees     decimal.Decimal
	Volume             decimal.Decimal
	Trades             int64
	MarketsCreated     int64
	MarketsResolved    int64
}

// UpdateStats applies d to the PlatformStats row under its lock.
func UpdateStats(ctx context.Context, tx store.Tx, d StatsDelta) error {
	st, err := tx.LockPlatformStats(ctx)
	if err != nil {
		return err
	}
	st.TotalTradingFees = st.TotalTradingFees.Add(d.TradingFees)
	st.TotalMarketCreationFees = st.TotalMarketCreationFees.Add(d.MarketCreationFees)
	st.TotalSettlementFees = st.TotalSettlementFees.Add(d.SettlementFees)
	st.TotalVolume = st.TotalVolume.Add(d.Volume)
	st.TotalTrades += d.Trades
	st.TotalMarketsCreated += d.MarketsCreated
	st.TotalMarketsResolved += d.MarketsResolved
	st.UpdatedAt = time.Now().UTC()
	return tx.UpdatePlatformStats(ctx, st)
}

// RecordTradingFees writes one fee record per paying side of tr and counts
// the trade, its fees and its notional in PlatformStats.
func RecordTradingFees(ctx context.Context, tx store.Tx, tr *model.Trade) error {
	if tr.BuyerFee.IsPositive() {
		desc := fmt.Sprintf("Trading fee (buyer) on %d shares @ %s", tr.Size, tr.Price.StringFixed(2))
		if err := insert(ctx, tx, model.FeeTrading, tr.BuyerFee, tr.BuyerID, tr.MarketID, tr.ID, desc); err != nil {
			return err
		}
	}
	if tr.SellerFee.IsPositive() {
		desc := fmt.Sprintf("Trading fee (seller) on %d shares @ %s", tr.Size, model.One.Sub(tr.Price).StringFixed(2))
		if err := insert(ctx, tx, model.FeeTrading, tr.SellerFee, tr.SellerID, tr.MarketID, tr.ID, desc); err != nil {
			return err
		}
	}

	return UpdateStats(ctx, tx, StatsDelta{
		TradingFees: tr.BuyerFee.Add(tr.SellerFee),
		Volume:      tr.Notional(),
		Trades:      1,
	})
}

// RecordMarketCreationFee records the creation fee for a new market.
func RecordMarketCreationFee(ctx context.Context, tx store.Tx, agentID, marketID string, amount decimal.Decimal) error {
	if err := insert(ctx, tx, model.FeeMarketCreation, amount, agentID, marketID, "", "Market creation fee"); err != nil {
		return err
	}
	return UpdateStats(ctx, tx, StatsDelta{MarketCreationFees: amount, MarketsCreated: 1})
}

// RecordSettlementFee records a settlement fee on one winning payout. Stats
// are updated once per resolution, net of the moderator's share.
func RecordSettlementFee(ctx context.Context, tx store.Tx, agentID, marketID string, amount decimal.Decimal, shares int64) error {
	desc := fmt.Sprintf("Settlement fee on %d winning shares", shares)
	return insert(ctx, tx, model.FeeSettlement, amount, agentID, marketID, "", desc)
}

func insert(ctx context.Context, tx store.Tx, typ model.FeeType, amount decimal.Decimal, agentID, marketID, tradeID, desc string) error {
	err := tx.InsertPlatformFee(ctx, &model.PlatformFee{
		ID:          uuid.New().String(),
		Type:        typ,
		Amount:      amount,
		AgentID:     agentID,
		MarketID:    marketID,
		TradeID:     tradeID,
		Description: desc,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record %s fee: %w", typ, err)
	}
	return nil
}
