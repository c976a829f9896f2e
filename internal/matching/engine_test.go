package matching_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltstreet/market-engine/internal/fees"
	"github.com/moltstreet/market-engine/internal/ledger"
	"github.com/moltstreet/market-engine/internal/matching"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	t      *testing.T
	ms     *store.MemoryStore
	engine *matching.Engine
	seq    int
}

func newEnv(t *testing.T, agents ...string) *env {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		for _, id := range agents {
			err := tx.InsertAgent(ctx, &model.Agent{
				ID: id, Name: id, Role: model.RoleTrader, TradingMode: model.ModeAuto,
				Balance: d("1000"), CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
		return tx.InsertMarket(ctx, &model.Market{
			ID: "m1", Question: "Will it rain?", Category: model.CategoryCulture,
			Deadline: time.Now().Add(24 * time.Hour), Status: model.MarketOpen,
			YesPrice: d("0.50"), NoPrice: d("0.50"), Volume: decimal.Zero,
		})
	})
	require.NoError(t, err)
	return &env{t: t, ms: ms, engine: matching.NewEngine(fees.DefaultSchedule())}
}

// holding gives agent shares directly, as if bought earlier at price.
func (e *env) holding(agentID string, side model.Side, shares int64, price string) {
	e.t.Helper()
	ctx := context.Background()
	err := e.ms.WithTx(ctx, func(tx store.Tx) error {
		p, found, err := tx.LockPosition(ctx, agentID, "m1")
		if err != nil {
			return err
		}
		if !found {
			p = &model.Position{AgentID: agentID, MarketID: "m1"}
		}
		if side == model.SideYes {
			p.YesShares, p.AvgYesPrice = shares, decimal.NewNullDecimal(d(price))
		} else {
			p.NoShares, p.AvgNoPrice = shares, decimal.NewNullDecimal(d(price))
		}
		return tx.SavePosition(ctx, p)
	})
	require.NoError(e.t, err)
}

// place reserves, inserts and matches an order the way the trade service does.
func (e *env) place(agentID string, side model.Side, typ model.OrderType, price string, size int64) (*model.Order, []model.Trade) {
	e.t.Helper()
	ctx := context.Background()
	e.seq++
	o := &model.Order{
		ID: fmt.Sprintf("o%d", e.seq), AgentID: agentID, MarketID: "m1",
		Side: side, Type: typ, Price: d(price), Size: size,
		Status: model.OrderOpen, CreatedAt: time.Now().UTC(),
	}
	var trades []model.Trade
	err := e.ms.WithTx(ctx, func(tx store.Tx) error {
		if typ == model.OrderBuy {
			ok, err := ledger.LockBalance(ctx, tx, agentID, fees.DefaultSchedule().Reservation(o.Price, size))
			if err != nil {
				return err
			}
			if !ok {
				return model.ErrInsufficientBalance
			}
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		var err error
		trades, err = e.engine.MatchOrder(ctx, tx, o)
		return err
	})
	require.NoError(e.t, err)
	return o, trades
}

func (e *env) agent(id string) *model.Agent {
	e.t.Helper()
	a, err := e.ms.GetAgent(context.Background(), id)
	require.NoError(e.t, err)
	return a
}

func (e *env) order(id string) *model.Order {
	e.t.Helper()
	o, err := e.ms.GetOrder(context.Background(), id)
	require.NoError(e.t, err)
	return o
}

func (e *env) position(agentID string) model.Position {
	e.t.Helper()
	positions, err := e.ms.ListPositionsByAgent(context.Background(), agentID)
	require.NoError(e.t, err)
	require.Len(e.t, positions, 1)
	return positions[0]
}

func (e *env) market() *model.Market {
	e.t.Helper()
	m, err := e.ms.GetMarket(context.Background(), "m1")
	require.NoError(e.t, err)
	return m
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func TestMatchOrder_PriceTimePriority(t *testing.T) {
	e := newEnv(t, "alice", "carol", "bob")

	first, _ := e.place("alice", model.SideYes, model.OrderBuy, "0.55", 10)
	second, _ := e.place("carol", model.SideYes, model.OrderBuy, "0.60", 10)
	incoming, trades := e.place("bob", model.SideNo, model.OrderBuy, "0.40", 10)

	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, second.ID, tr.BuyOrderID)
	assert.Equal(t, incoming.ID, tr.SellOrderID)
	assert.Equal(t, "carol", tr.BuyerID)
	assert.Equal(t, "bob", tr.SellerID)
	assert.Equal(t, model.SideYes, tr.Side)
	assertDecimal(t, "0.60", tr.Price)
	assert.Equal(t, int64(10), tr.Size)

	untouched := e.order(first.ID)
	assert.Equal(t, model.OrderOpen, untouched.Status)
	assert.Zero(t, untouched.Filled)
	assert.Equal(t, model.OrderFilled, e.order(second.ID).Status)
	assert.Equal(t, model.OrderFilled, e.order(incoming.ID).Status)
}

func TestMatchOrder_ComplementaryThreshold(t *testing.T) {
	t.Run("sum equals one", func(t *testing.T) {
		e := newEnv(t, "alice", "bob")
		e.place("alice", model.SideYes, model.OrderBuy, "0.60", 10)
		_, trades := e.place("bob", model.SideNo, model.OrderBuy, "0.40", 10)
		assert.Len(t, trades, 1)
	})

	t.Run("sum below one", func(t *testing.T) {
		e := newEnv(t, "alice", "bob")
		yes, _ := e.place("alice", model.SideYes, model.OrderBuy, "0.60", 10)
		no, trades := e.place("bob", model.SideNo, model.OrderBuy, "0.35", 10)
		assert.Empty(t, trades)
		assert.Equal(t, model.OrderOpen, e.order(yes.ID).Status)
		assert.Equal(t, model.OrderOpen, e.order(no.ID).Status)
		assertDecimal(t, "0.50", e.market().YesPrice)
	})
}

func TestMatchOrder_ComplementarySettlement(t *testing.T) {
	e := newEnv(t, "alice", "bob")

	e.place("bob", model.SideNo, model.OrderBuy, "0.45", 10)
	_, trades := e.place("alice", model.SideYes, model.OrderBuy, "0.60", 10)
	require.Len(t, trades, 1)

	// Maker price: NO 0.45 is YES 0.55.
	tr := trades[0]
	assertDecimal(t, "0.55", tr.Price)
	assertDecimal(t, "0.055", tr.BuyerFee)
	assertDecimal(t, "0.045", tr.SellerFee)
	assertDecimal(t, "0.1", tr.TotalFee)

	alice := e.agent("alice")
	assertDecimal(t, "994.445", alice.Balance)
	assertDecimal(t, "0", alice.LockedBalance, "price improvement released")
	bob := e.agent("bob")
	assertDecimal(t, "995.455", bob.Balance)
	assertDecimal(t, "0", bob.LockedBalance)

	pa := e.position("alice")
	assert.Equal(t, int64(10), pa.YesShares)
	assertDecimal(t, "0.55", pa.AvgYesPrice.Decimal)
	pb := e.position("bob")
	assert.Equal(t, int64(10), pb.NoShares)
	assertDecimal(t, "0.45", pb.AvgNoPrice.Decimal)

	m := e.market()
	assertDecimal(t, "0.55", m.YesPrice)
	assertDecimal(t, "0.45", m.NoPrice)
	assertDecimal(t, "5.5", m.Volume)
}

func TestMatchOrder_PartialFillRests(t *testing.T) {
	e := newEnv(t, "alice", "bob")

	e.place("bob", model.SideNo, model.OrderBuy, "0.40", 30)
	o, trades := e.place("alice", model.SideYes, model.OrderBuy, "0.60", 100)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(30), trades[0].Size)

	got := e.order(o.ID)
	assert.Equal(t, model.OrderPartial, got.Status)
	assert.Equal(t, int64(30), got.Filled)
	// 70 remaining at 0.60 stay reserved with their fee.
	assertDecimal(t, "42.42", e.agent("alice").LockedBalance)
}

func TestMatchOrder_SameSideTransfer(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	e.holding("alice", model.SideYes, 20, "0.50")

	e.place("alice", model.SideYes, model.OrderSell, "0.70", 10)
	_, trades := e.place("bob", model.SideYes, model.OrderBuy, "0.75", 10)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "bob", tr.BuyerID)
	assert.Equal(t, "alice", tr.SellerID)
	assert.Equal(t, model.SideYes, tr.Side)
	assertDecimal(t, "0.70", tr.Price)

	bob := e.agent("bob")
	assertDecimal(t, "992.93", bob.Balance)
	assertDecimal(t, "0", bob.LockedBalance)
	assertDecimal(t, "1006.97", e.agent("alice").Balance)

	pa := e.position("alice")
	assert.Equal(t, int64(10), pa.YesShares)
	assertDecimal(t, "0.50", pa.AvgYesPrice.Decimal)
	pb := e.position("bob")
	assert.Equal(t, int64(10), pb.YesShares)
	assertDecimal(t, "0.70", pb.AvgYesPrice.Decimal)

	assertDecimal(t, "0.70", e.market().YesPrice)
}

func TestMatchOrder_SameSidePreferredOverComplementary(t *testing.T) {
	e := newEnv(t, "alice", "bob", "carol")
	e.holding("alice", model.SideYes, 10, "0.50")

	e.place("carol", model.SideNo, model.OrderBuy, "0.45", 10)
	e.place("alice", model.SideYes, model.OrderSell, "0.60", 10)
	_, trades := e.place("bob", model.SideYes, model.OrderBuy, "0.60", 10)

	require.Len(t, trades, 1)
	assert.Equal(t, "alice", trades[0].SellerID)
}

func TestMatchOrder_NoSideTransferPricesInYesTerms(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	e.holding("alice", model.SideNo, 10, "0.30")

	e.place("alice", model.SideNo, model.OrderSell, "0.35", 10)
	_, trades := e.place("bob", model.SideNo, model.OrderBuy, "0.35", 10)
	require.Len(t, trades, 1)
	assert.Equal(t, model.SideNo, trades[0].Side)

	m := e.market()
	assertDecimal(t, "0.65", m.YesPrice)
	assertDecimal(t, "0.35", m.NoPrice)
}

func TestMatchOrder_SellSellRedeems(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	e.holding("alice", model.SideYes, 10, "0.50")
	e.holding("bob", model.SideNo, 10, "0.50")

	e.place("alice", model.SideYes, model.OrderSell, "0.40", 10)
	_, trades := e.place("bob", model.SideNo, model.OrderSell, "0.60", 10)
	require.Len(t, trades, 1)
	assertDecimal(t, "0.40", trades[0].Price)

	assertDecimal(t, "1003.96", e.agent("alice").Balance)
	assertDecimal(t, "1005.94", e.agent("bob").Balance)
	assert.Zero(t, e.position("alice").YesShares)
	assert.Zero(t, e.position("bob").NoShares)
}

func TestMatchOrder_SellSellPaysIncomingAtMakerComplement(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	e.holding("alice", model.SideNo, 10, "0.50")
	e.holding("bob", model.SideYes, 10, "0.50")

	// 0.40 + 0.70 >= 1.00, so the orders cross. The maker's NO 0.40 sets the
	// YES price at 0.60, below the incoming seller's 0.70 ask.
	e.place("alice", model.SideNo, model.OrderSell, "0.40", 10)
	_, trades := e.place("bob", model.SideYes, model.OrderSell, "0.70", 10)
	require.Len(t, trades, 1)
	assert.Equal(t, "bob", trades[0].BuyerID)
	assertDecimal(t, "0.60", trades[0].Price)

	// bob: 6.00 less 0.06 fee. alice: 4.00 less 0.04 fee.
	assertDecimal(t, "1005.94", e.agent("bob").Balance)
	assertDecimal(t, "1003.96", e.agent("alice").Balance)
}

func TestMatchOrder_SkipsOwnOrders(t *testing.T) {
	e := newEnv(t, "alice")
	e.place("alice", model.SideYes, model.OrderBuy, "0.60", 10)
	_, trades := e.place("alice", model.SideNo, model.OrderBuy, "0.40", 10)
	assert.Empty(t, trades)
}

func TestMatchOrder_Invariants(t *testing.T) {
	e := newEnv(t, "alice", "bob", "carol")
	ctx := context.Background()

	e.place("alice", model.SideYes, model.OrderBuy, "0.62", 40)
	e.place("bob", model.SideNo, model.OrderBuy, "0.41", 25)
	e.place("carol", model.SideNo, model.OrderBuy, "0.38", 30)
	e.place("bob", model.SideYes, model.OrderBuy, "0.65", 10)
	e.place("carol", model.SideNo, model.OrderBuy, "0.45", 50)
	e.place("alice", model.SideYes, model.OrderSell, "0.55", 10)
	e.place("carol", model.SideYes, model.OrderBuy, "0.57", 5)

	total := decimal.Zero
	var yes, no int64
	for _, id := range []string{"alice", "bob", "carol"} {
		a := e.agent(id)
		assert.False(t, a.LockedBalance.IsNegative(), id)
		assert.True(t, a.LockedBalance.LessThanOrEqual(a.Balance), id)
		total = total.Add(a.Balance)

		positions, err := e.ms.ListPositionsByAgent(ctx, id)
		require.NoError(t, err)
		for _, p := range positions {
			yes += p.YesShares
			no += p.NoShares
		}
	}
	stats, err := e.ms.GetPlatformStats(ctx)
	require.NoError(t, err)

	// Every outstanding YES share has a NO twin, and each pair holds 1.00.
	assert.Equal(t, yes, no)
	escrow := decimal.NewFromInt(yes)
	assertDecimal(t, "3000", total.Add(stats.TotalTradingFees).Add(escrow), "conservation")

	m := e.market()
	assertDecimal(t, "1", m.YesPrice.Add(m.NoPrice))

	records, err := e.ms.ListPlatformFees(ctx, "m1")
	require.NoError(t, err)
	sum := decimal.Zero
	for _, f := range records {
		sum = sum.Add(f.Amount)
	}
	assertDecimal(t, stats.TotalTradingFees.String(), sum, "stats match fee records")
}
