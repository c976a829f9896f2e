// Package matching matches an incoming order against the resting book.
//
// Two relations are tried in a fixed order:
//
//  1. Same-side transfer: BUY meets SELL on the same side; existing shares
//     change hands.
//  2. Complementary: BUY-YES meets BUY-NO (a new share pair is minted) or
//     SELL-YES meets SELL-NO (a pair is redeemed). Prices must sum to at
//     least 1.00.
//
// The resting (maker) order's price is always the execution price. Every
// fill runs inside the caller's transaction, so an error anywhere rolls back
// the whole matching pass.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/fees"
	"github.com/moltstreet/market-engine/internal/ledger"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/position"
	"github.com/moltstreet/market-engine/internal/store"
)

// Engine matches orders. It is stateless; all book state lives in the store.
type Engine struct {
	fees fees.Schedule
}

// NewEngine creates a matching engine charging the given fee schedule.
func NewEngine(schedule fees.Schedule) *Engine {
	return &Engine{fees: schedule}
}

// MatchOrder consumes resting orders compatible with incoming until it is
// filled or no eligible order remains. incoming must already be persisted
// and, for a BUY, have fees.Schedule.Reservation of its price and size
// locked. No match is not an error:
// the trade list is simply empty or short.
func (e *Engine) MatchOrder(ctx context.Context, tx store.Tx, incoming *model.Order) ([]model.Trade, error) {
	var trades []model.Trade

	transfer, err := tx.LockMatchCandidates(ctx, transferQuery(incoming))
	if err != nil {
		return nil, err
	}
	for _, maker := range transfer {
		if incoming.Remaining() <= 0 {
			break
		}
		tr, err := e.fillTransfer(ctx, tx, incoming, maker)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			trades = append(trades, *tr)
		}
	}

	if incoming.Remaining() > 0 {
		complementary, err := tx.LockMatchCandidates(ctx, complementaryQuery(incoming))
		if err != nil {
			return nil, err
		}
		for _, maker := range complementary {
			if incoming.Remaining() <= 0 {
				break
			}
			tr, err := e.fillComplementary(ctx, tx, incoming, maker)
			if err != nil {
				return nil, err
			}
			if tr != nil {
				trades = append(trades, *tr)
			}
		}
	}

	if len(trades) > 0 {
		if err := updateMarket(ctx, tx, incoming.MarketID, trades); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

// transferQuery selects same-side resting orders of the opposite type.
// A BUY takes the cheapest sellers at or below its price; a SELL takes the
// richest buyers at or above its price.
func transferQuery(o *model.Order) store.MatchQuery {
	q := store.MatchQuery{
		MarketID:       o.MarketID,
		Side:           o.Side,
		Type:           o.Type.Opposite(),
		ExcludeAgentID: o.AgentID,
	}
	if o.Type == model.OrderBuy {
		q.MaxPrice = decimal.NewNullDecimal(o.Price)
	} else {
		q.MinPrice = decimal.NewNullDecimal(o.Price)
		q.PriceDescending = true
	}
	return q
}

// complementaryQuery selects opposite-side resting orders of the same type
// whose price sums with o's to at least 1.00, best price first.
func complementaryQuery(o *model.Order) store.MatchQuery {
	return store.MatchQuery{
		MarketID:        o.MarketID,
		Side:            o.Side.Opposite(),
		Type:            o.Type,
		ExcludeAgentID:  o.AgentID,
		MinPrice:        decimal.NewNullDecimal(model.One.Sub(o.Price)),
		PriceDescending: true,
	}
}

func (e *Engine) fillTransfer(ctx context.Context, tx store.Tx, incoming, maker *model.Order) (*model.Trade, error) {
	size := min(incoming.Remaining(), maker.Remaining())
	if size <= 0 {
		return nil, nil
	}
	price := maker.Price

	buy, sell := incoming, maker
	if incoming.Type == model.OrderSell {
		buy, sell = maker, incoming
	}

	tr := e.newTrade(incoming.MarketID, buy, sell, incoming.Side, price, size)
	if err := fillOrders(ctx, tx, size, incoming, maker); err != nil {
		return nil, err
	}

	if _, err := position.ApplyFill(ctx, tx, buy.AgentID, tr.MarketID, tr.Side, size, price, true); err != nil {
		return nil, err
	}
	if _, err := position.ApplyFill(ctx, tx, sell.AgentID, tr.MarketID, tr.Side, -size, price, false); err != nil {
		return nil, err
	}

	if err := ledger.SettleTransfer(ctx, tx, buy.AgentID, sell.AgentID, price, size, tr.BuyerFee, tr.SellerFee); err != nil {
		return nil, err
	}
	if err := ledger.ReleaseImprovement(ctx, tx, buy.AgentID, e.improvement(buy.Price, price, size)); err != nil {
		return nil, err
	}

	return tr, record(ctx, tx, tr)
}

func (e *Engine) fillComplementary(ctx context.Context, tx store.Tx, incoming, maker *model.Order) (*model.Trade, error) {
	size := min(incoming.Remaining(), maker.Remaining())
	if size <= 0 {
		return nil, nil
	}

	// Trades are recorded from the YES perspective.
	yes, no := incoming, maker
	if incoming.Side == model.SideNo {
		yes, no = maker, incoming
	}
	yesPrice := maker.Price
	if maker.Side == model.SideNo {
		yesPrice = model.One.Sub(maker.Price)
	}
	noPrice := model.One.Sub(yesPrice)

	tr := e.newTrade(incoming.MarketID, yes, no, model.SideYes, yesPrice, size)
	if err := fillOrders(ctx, tx, size, incoming, maker); err != nil {
		return nil, err
	}

	if incoming.Type == model.OrderBuy {
		if _, err := position.ApplyFill(ctx, tx, yes.AgentID, tr.MarketID, model.SideYes, size, yesPrice, true); err != nil {
			return nil, err
		}
		if _, err := position.ApplyFill(ctx, tx, no.AgentID, tr.MarketID, model.SideNo, size, noPrice, true); err != nil {
			return nil, err
		}
		if err := ledger.Settle(ctx, tx, yes.AgentID, no.AgentID, yesPrice, size, tr.BuyerFee, tr.SellerFee); err != nil {
			return nil, err
		}
		if err := ledger.ReleaseImprovement(ctx, tx, yes.AgentID, e.improvement(yes.Price, yesPrice, size)); err != nil {
			return nil, err
		}
		if err := ledger.ReleaseImprovement(ctx, tx, no.AgentID, e.improvement(no.Price, noPrice, size)); err != nil {
			return nil, err
		}
	} else {
		if _, err := position.ApplyFill(ctx, tx, yes.AgentID, tr.MarketID, model.SideYes, -size, yesPrice, false); err != nil {
			return nil, err
		}
		if _, err := position.ApplyFill(ctx, tx, no.AgentID, tr.MarketID, model.SideNo, -size, noPrice, false); err != nil {
			return nil, err
		}
		if err := ledger.SettleRedeem(ctx, tx, yes.AgentID, no.AgentID, yesPrice, size, tr.BuyerFee, tr.SellerFee); err != nil {
			return nil, err
		}
	}

	return tr, record(ctx, tx, tr)
}

func (e *Engine) newTrade(marketID string, buy, sell *model.Order, side model.Side, price decimal.Decimal, size int64) *model.Trade {
	buyerFee, sellerFee := e.fees.TradingFees(price, size)
	return &model.Trade{
		ID:          uuid.New().String(),
		MarketID:    marketID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.AgentID,
		SellerID:    sell.AgentID,
		Side:        side,
		Price:       price,
		Size:        size,
		BuyerFee:    buyerFee,
		SellerFee:   sellerFee,
		TotalFee:    buyerFee.Add(sellerFee),
		CreatedAt:   time.Now().UTC(),
	}
}

func fillOrders(ctx context.Context, tx store.Tx, size int64, orders ...*model.Order) error {
	for _, o := range orders {
		o.Fill(size)
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// improvement is the part of a BUY reservation at limit, fee included, that
// executing at price did not use.
func (e *Engine) improvement(limit, price decimal.Decimal, size int64) decimal.Decimal {
	return e.fees.Reservation(limit, size).Sub(e.fees.Reservation(price, size))
}

func record(ctx context.Context, tx store.Tx, tr *model.Trade) error {
	if err := tx.InsertTrade(ctx, tr); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return fees.RecordTradingFees(ctx, tx, tr)
}

// updateMarket applies last-trade pricing and adds the traded notional to
// the market's volume.
func updateMarket(ctx context.Context, tx store.Tx, marketID string, trades []model.Trade) error {
	m, err := tx.LockMarket(ctx, marketID)
	if err != nil {
		return model.Invariantf("market vanished during matching: %v", err)
	}
	for i := range trades {
		m.Volume = m.Volume.Add(trades[i].Notional())
	}
	m.YesPrice = YesPrice(&trades[len(trades)-1])
	m.NoPrice = model.One.Sub(m.YesPrice)
	return tx.UpdateMarket(ctx, m)
}

// YesPrice is a trade's execution price in YES terms.
func YesPrice(tr *model.Trade) decimal.Decimal {
	if tr.Side == model.SideNo {
		return model.One.Sub(tr.Price)
	}
	return tr.Price
}
