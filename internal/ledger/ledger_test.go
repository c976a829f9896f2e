package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltstreet/market-engine/internal/ledger"
	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newStore(t *testing.T, balances map[string]string) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		for id, bal := range balances {
			err := tx.InsertAgent(context.Background(), &model.Agent{
				ID: id, Name: id, Role: model.RoleTrader, TradingMode: model.ModeAuto,
				Balance: d(bal), CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ms
}

func agent(t *testing.T, ms *store.MemoryStore, id string) *model.Agent {
	t.Helper()
	a, err := ms.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func assertBalance(t *testing.T, a *model.Agent, balance, locked string) {
	t.Helper()
	assert.True(t, a.Balance.Equal(d(balance)), "balance: want %s, got %s", balance, a.Balance)
	assert.True(t, a.LockedBalance.Equal(d(locked)), "locked: want %s, got %s", locked, a.LockedBalance)
}

func TestCheck(t *testing.T) {
	ok := &model.Agent{ID: "a", Balance: d("10"), LockedBalance: d("10")}
	assert.NoError(t, ledger.Check(ok))

	over := &model.Agent{ID: "a", Balance: d("10"), LockedBalance: d("10.01")}
	assert.ErrorIs(t, ledger.Check(over), model.ErrInsufficientBalance)

	negLock := &model.Agent{ID: "a", Balance: d("10"), LockedBalance: d("-1")}
	assert.ErrorIs(t, ledger.Check(negLock), model.ErrInvariant)

	negBal := &model.Agent{ID: "a", Balance: d("-1"), LockedBalance: decimal.Zero}
	assert.ErrorIs(t, ledger.Check(negBal), model.ErrInvariant)
}

func TestLockBalance(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"alice": "100"})

	var ok bool
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ok, err = ledger.LockBalance(ctx, tx, "alice", d("60"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assertBalance(t, agent(t, ms, "alice"), "100", "60")

	// Only 40 available now.
	err = ms.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ok, err = ledger.LockBalance(ctx, tx, "alice", d("40.01"))
		return err
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assertBalance(t, agent(t, ms, "alice"), "100", "60")
}

func TestUnlockBalance_BelowZeroIsInvariant(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"alice": "100"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ledger.LockBalance(ctx, tx, "alice", d("10")); err != nil {
			return err
		}
		_, err := ledger.UnlockBalance(ctx, tx, "alice", d("10.01"))
		return err
	})
	assert.ErrorIs(t, err, model.ErrInvariant)
	// The whole transaction rolled back, including the lock.
	assertBalance(t, agent(t, ms, "alice"), "100", "0")
}

func TestSettle_ComplementaryBuy(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"yes": "1000", "no": "1000"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ledger.LockBalance(ctx, tx, "yes", d("60.60")); err != nil {
			return err
		}
		if _, err := ledger.LockBalance(ctx, tx, "no", d("40.40")); err != nil {
			return err
		}
		return ledger.Settle(ctx, tx, "yes", "no", d("0.60"), 100, d("0.60"), d("0.40"))
	})
	require.NoError(t, err)

	assertBalance(t, agent(t, ms, "yes"), "939.40", "0")
	assertBalance(t, agent(t, ms, "no"), "959.60", "0")
}

func TestSettle_SpendsFeeFromReservation(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"yes": "100", "no": "100"})

	// Each side reserves cost plus fee and keeps a second resting order's
	// reservation on top.
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ledger.LockBalance(ctx, tx, "yes", d("50.50").Add(d("49.49"))); err != nil {
			return err
		}
		if _, err := ledger.LockBalance(ctx, tx, "no", d("50.50")); err != nil {
			return err
		}
		return ledger.Settle(ctx, tx, "yes", "no", d("0.50"), 100, d("0.50"), d("0.50"))
	})
	require.NoError(t, err)

	// What is left locked is still fully funded.
	assertBalance(t, agent(t, ms, "yes"), "49.50", "49.49")
	assertBalance(t, agent(t, ms, "no"), "49.50", "0")
}

func TestSettle_WithoutReservationFails(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"yes": "1000", "no": "1000"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Settle(ctx, tx, "yes", "no", d("0.60"), 100, d("0.60"), d("0.40"))
	})
	assert.ErrorIs(t, err, model.ErrInvariant)
	assertBalance(t, agent(t, ms, "yes"), "1000", "0")
}

func TestSettle_MissingCounterpartyIsInvariant(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"yes": "1000"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Settle(ctx, tx, "yes", "ghost", d("0.50"), 1, decimal.Zero, decimal.Zero)
	})
	assert.ErrorIs(t, err, model.ErrInvariant)
}

func TestSettleTransfer(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"buyer": "100", "seller": "100"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ledger.LockBalance(ctx, tx, "buyer", d("7.07")); err != nil {
			return err
		}
		return ledger.SettleTransfer(ctx, tx, "buyer", "seller", d("0.70"), 10, d("0.07"), d("0.03"))
	})
	require.NoError(t, err)

	assertBalance(t, agent(t, ms, "buyer"), "92.93", "0")
	assertBalance(t, agent(t, ms, "seller"), "106.97", "0")
}

func TestSettleRedeem(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"yes": "0", "no": "0"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.SettleRedeem(ctx, tx, "yes", "no", d("0.40"), 10, d("0.04"), d("0.06"))
	})
	require.NoError(t, err)

	assertBalance(t, agent(t, ms, "yes"), "3.96", "0")
	assertBalance(t, agent(t, ms, "no"), "5.94", "0")
}

func TestReleaseImprovement(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"alice": "100"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ledger.LockBalance(ctx, tx, "alice", d("6")); err != nil {
			return err
		}
		if err := ledger.ReleaseImprovement(ctx, tx, "alice", decimal.Zero); err != nil {
			return err
		}
		return ledger.ReleaseImprovement(ctx, tx, "alice", d("0.50"))
	})
	require.NoError(t, err)
	assertBalance(t, agent(t, ms, "alice"), "100", "5.50")
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"alice": "100", "bob": "0"})

	tests := []struct {
		name    string
		from    string
		to      string
		amount  string
		wantErr error
	}{
		{"zero amount", "alice", "bob", "0", model.ErrValidation},
		{"negative amount", "alice", "bob", "-5", model.ErrValidation},
		{"self transfer", "alice", "alice", "5", model.ErrValidation},
		{"unknown recipient", "alice", "ghost", "5", model.ErrNotFound},
		{"exceeds available", "alice", "bob", "80.01", model.ErrInsufficientBalance},
		{"ok", "alice", "bob", "25", nil},
	}

	// Lock 20 so only 80 is available.
	err := ms.WithTx(ctx, func(tx store.Tx) error {
		_, err := ledger.LockBalance(ctx, tx, "alice", d("20"))
		return err
	})
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ms.WithTx(ctx, func(tx store.Tx) error {
				return ledger.Transfer(ctx, tx, tt.from, tt.to, d(tt.amount))
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	assertBalance(t, agent(t, ms, "alice"), "75", "20")
	assertBalance(t, agent(t, ms, "bob"), "25", "0")
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	ms := newStore(t, map[string]string{"alice": "10"})

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Credit(ctx, tx, "alice", d("5"))
	})
	require.NoError(t, err)

	err = ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Debit(ctx, tx, "alice", d("15.01"))
	})
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	err = ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Credit(ctx, tx, "alice", d("-1"))
	})
	assert.ErrorIs(t, err, model.ErrInvariant)

	err = ms.WithTx(ctx, func(tx store.Tx) error {
		return ledger.Debit(ctx, tx, "alice", d("15"))
	})
	require.NoError(t, err)
	assertBalance(t, agent(t, ms, "alice"), "0", "0")
}
