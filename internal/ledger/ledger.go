// Package ledger implements the balance primitives every other component
// builds on. Each function locks the agent rows it touches, mutates them and
// checks the lock bound 0 <= locked_balance <= balance before writing back.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/moltstreet/market-engine/internal/model"
	"github.com/moltstreet/market-engine/internal/store"
)

// Check verifies the lock bound on a. A negative lock is an invariant
// failure; a lock above the balance means the agent could not cover a debit.
func Check(a *model.Agent) error {
	if a.LockedBalance.IsNegative() {
		return model.Invariantf("agent %s locked balance %s is negative", a.ID, a.LockedBalance)
	}
	if a.Balance.IsNegative() {
		return model.Invariantf("agent %s balance %s is negative", a.ID, a.Balance)
	}
	if a.LockedBalance.GreaterThan(a.Balance) {
		return fmt.Errorf("%w: agent %s balance %s below locked %s",
			model.ErrInsufficientBalance, a.ID, a.Balance, a.LockedBalance)
	}
	return nil
}

func save(ctx context.Context, tx store.Tx, a *model.Agent) error {
	if err := Check(a); err != nil {
		return err
	}
	return tx.UpdateAgent(ctx, a)
}

// LockBalance reserves cost against the agent's available balance. It
// returns false, leaving state unchanged, when available < cost.
func LockBalance(ctx context.Context, tx store.Tx, agentID string, cost decimal.Decimal) (bool, error) {
	if cost.IsNegative() {
		return false, model.Validationf("lock amount must not be negative")
	}
	a, err := tx.LockAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if a.AvailableBalance().LessThan(cost) {
		return false, nil
	}
	a.LockedBalance = a.LockedBalance.Add(cost)
	if err := save(ctx, tx, a); err != nil {
		return false, err
	}
	return true, nil
}

// UnlockBalance releases amount of the agent's lock and returns it.
func UnlockBalance(ctx context.Context, tx store.Tx, agentID string, amount decimal.Decimal) (decimal.Decimal, error) {
	a, err := tx.LockAgent(ctx, agentID)
	if err != nil {
		return decimal.Zero, err
	}
	a.LockedBalance = a.LockedBalance.Sub(amount)
	if err := save(ctx, tx, a); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// ReleaseImprovement unlocks the part of a BUY order's reservation that a
// better execution price left unused. Non-positive amounts are a no-op.
func ReleaseImprovement(ctx context.Context, tx store.Tx, agentID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	_, err := UnlockBalance(ctx, tx, agentID, amount)
	return err
}

// Settle realizes a complementary BUY-YES x BUY-NO match. Both sides are
// BUY orders whose reservations include their fee: the YES buyer's
// price*size+fee and the NO buyer's (1-price)*size+fee leave locked and
// balance together.
func Settle(ctx context.Context, tx store.Tx, buyerID, sellerID string, price decimal.Decimal, size int64, buyerFee, sellerFee decimal.Decimal) error {
	n := decimal.NewFromInt(size)
	buyerCost := price.Mul(n)
	sellerCost := model.One.Sub(price).Mul(n)

	return settled(withPair(ctx, tx, buyerID, sellerID, func(buyer, seller *model.Agent) {
		buyerSpent := buyerCost.Add(buyerFee)
		sellerSpent := sellerCost.Add(sellerFee)
		buyer.LockedBalance = buyer.LockedBalance.Sub(buyerSpent)
		buyer.Balance = buyer.Balance.Sub(buyerSpent)
		seller.LockedBalance = seller.LockedBalance.Sub(sellerSpent)
		seller.Balance = seller.Balance.Sub(sellerSpent)
	}))
}

// SettleTransfer realizes a same-side share transfer. The buyer's
// reservation of price*size plus fee is spent; the seller, who holds no
// token reservation for a SELL order, is paid price*size less its fee.
func SettleTransfer(ctx context.Context, tx store.Tx, buyerID, sellerID string, price decimal.Decimal, size int64, buyerFee, sellerFee decimal.Decimal) error {
	value := price.Mul(decimal.NewFromInt(size))

	return settled(withPair(ctx, tx, buyerID, sellerID, func(buyer, seller *model.Agent) {
		spent := value.Add(buyerFee)
		buyer.LockedBalance = buyer.LockedBalance.Sub(spent)
		buyer.Balance = buyer.Balance.Sub(spent)
		seller.Balance = seller.Balance.Add(value.Sub(sellerFee))
	}))
}

// SettleRedeem realizes a SELL-YES x SELL-NO match: the paired shares are
// redeemed for 1.00 each, split price : 1-price between the YES and NO
// holders net of their fees.
func SettleRedeem(ctx context.Context, tx store.Tx, yesID, noID string, price decimal.Decimal, size int64, yesFee, noFee decimal.Decimal) error {
	n := decimal.NewFromInt(size)
	yesValue := price.Mul(n)
	noValue := model.One.Sub(price).Mul(n)

	return settled(withPair(ctx, tx, yesID, noID, func(yes, no *model.Agent) {
		yes.Balance = yes.Balance.Add(yesValue.Sub(yesFee))
		no.Balance = no.Balance.Add(noValue.Sub(noFee))
	}))
}

// settled turns a counterparty that vanished mid-match into an invariant
// failure.
func settled(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return model.Invariantf("settlement counterparty missing: %v", err)
	}
	return err
}

// Transfer moves amount from one agent's available balance to another's.
func Transfer(ctx context.Context, tx store.Tx, fromID, toID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.Validationf("transfer amount must be positive")
	}
	if fromID == toID {
		return model.Validationf("cannot transfer to self")
	}

	var short bool
	err := withPair(ctx, tx, fromID, toID, func(from, to *model.Agent) {
		if from.AvailableBalance().LessThan(amount) {
			short = true
			return
		}
		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)
	})
	if short {
		return model.ErrInsufficientBalance
	}
	return err
}

// Credit adds amount to the agent's balance.
func Credit(ctx context.Context, tx store.Tx, agentID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return model.Invariantf("credit of negative amount %s", amount)
	}
	a, err := tx.LockAgent(ctx, agentID)
	if err != nil {
		return err
	}
	a.Balance = a.Balance.Add(amount)
	return save(ctx, tx, a)
}

// Debit removes amount from the agent's available balance.
func Debit(ctx context.Context, tx store.Tx, agentID string, amount decimal.Decimal) error {
	a, err := tx.LockAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.AvailableBalance().LessThan(amount) {
		return model.ErrInsufficientBalance
	}
	a.Balance = a.Balance.Sub(amount)
	return save(ctx, tx, a)
}

// withPair locks two distinct agents in id order, applies fn and saves both.
func withPair(ctx context.Context, tx store.Tx, firstID, secondID string, fn func(first, second *model.Agent)) error {
	if firstID == secondID {
		return model.Invariantf("settlement between agent %s and itself", firstID)
	}
	ids := [2]string{firstID, secondID}
	if ids[1] < ids[0] {
		ids[0], ids[1] = ids[1], ids[0]
	}

	locked := make(map[string]*model.Agent, 2)
	for _, id := range ids {
		a, err := tx.LockAgent(ctx, id)
		if err != nil {
			return err
		}
		locked[id] = a
	}

	first, second := locked[firstID], locked[secondID]
	fn(first, second)

	if err := save(ctx, tx, first); err != nil {
		return err
	}
	return save(ctx, tx, second)
}
