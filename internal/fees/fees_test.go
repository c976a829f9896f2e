package fees_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltstreet/market-engine/internal/fees"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTradingFees(t *testing.T) {
	buyer, seller := fees.DefaultSchedule().TradingFees(d("0.60"), 100)
	assert.True(t, buyer.Equal(d("0.60")), buyer.String())
	assert.True(t, seller.Equal(d("0.40")), seller.String())
}

func TestReservation(t *testing.T) {
	s := fees.DefaultSchedule()

	got := s.Reservation(d("0.60"), 100)
	assert.True(t, got.Equal(d("60.60")), got.String())

	// Any execution at or below the limit spends no more than was reserved.
	for _, price := range []string{"0.60", "0.55", "0.01"} {
		buyer, _ := s.TradingFees(d(price), 100)
		spent := d(price).Mul(decimal.NewFromInt(100)).Add(buyer)
		assert.True(t, spent.LessThanOrEqual(got), "price %s spends %s", price, spent)
	}
}

func TestSettlementFee(t *testing.T) {
	s := fees.DefaultSchedule()
	tests := []struct {
		profit string
		want   string
	}{
		{"30", "0.6"},
		{"5", "0.1"},
		{"0", "0"},
		{"-10", "0"},
	}
	for _, tt := range tests {
		got := s.SettlementFee(d(tt.profit))
		assert.True(t, got.Equal(d(tt.want)), "profit %s: got %s", tt.profit, got)
	}
}

func TestModeratorReward(t *testing.T) {
	share, winner := fees.DefaultSchedule().ModeratorReward(d("0.80"), d("40"))
	assert.True(t, share.Equal(d("0.24")), share.String())
	assert.True(t, winner.Equal(d("0.2")), winner.String())
}

func TestRecordTradingFees(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	tr := &model.Trade{
		ID: "t1", MarketID: "m1", BuyerID: "alice", SellerID: "bob",
		Side: model.SideYes, Price: d("0.60"), Size: 100,
		BuyerFee: d("0.60"), SellerFee: d("0.40"), TotalFee: d("1.00"),
	}
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if err := fees.RecordTradingFees(ctx, tx, tr); err != nil {
			return err
		}
		return fees.RecordMarketCreationFee(ctx, tx, "carol", "m1", d("10"))
	})
	require.NoError(t, err)

	records, err := ms.ListPlatformFees(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	byAgent := map[string]model.PlatformFee{}
	for _, f := range records {
		byAgent[f.AgentID] = f
	}
	assert.Equal(t, "Trading fee (buyer) on 100 shares @ 0.60", byAgent["alice"].Description)
	assert.Equal(t, "Trading fee (seller) on 100 shares @ 0.40", byAgent["bob"].Description)
	assert.Equal(t, "t1", byAgent["bob"].TradeID)
	assert.Equal(t, model.FeeMarketCreation, byAgent["carol"].Type)

	stats, err := ms.GetPlatformStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.TotalTradingFees.Equal(d("1")))
	assert.True(t, stats.TotalMarketCreationFees.Equal(d("10")))
	assert.True(t, stats.TotalVolume.Equal(d("60")))
	assert.Equal(t, int64(1), stats.TotalTrades)
	assert.Equal(t, int64(1), stats.TotalMarketsCreated)
}

func TestRecordTradingFees_ZeroFeeWritesNoRecord(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	tr := &model.Trade{
		ID: "t1", MarketID: "m1", BuyerID: "alice", SellerID: "bob",
		Price: d("0.50"), Size: 1, BuyerFee: decimal.Zero, SellerFee: decimal.Zero,
	}
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return fees.RecordTradingFees(ctx, tx, tr)
	})
	require.NoError(t, err)

	records, err := ms.ListPlatformFees(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)

	stats, err := ms.GetPlatformStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTrades)
}
