package model

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the core wraps exactly one of these,
// so callers can classify with errors.Is.
var (
	// ErrValidation marks malformed input, rejected before any mutation.
	ErrValidation = errors.New("validation error")

	// ErrRuleViolation marks a well-formed request the current state forbids.
	ErrRuleViolation = errors.New("business rule violation")

	// ErrNotFound marks an unknown agent, market, order or action.
	ErrNotFound = errors.New("not found")

	// ErrInvariant marks an accounting invariant that would break. It always
	// aborts the enclosing transaction.
	ErrInvariant = errors.New("invariant violation")
)

var (
	ErrAgentNotFound  = fmt.Errorf("agent %w", ErrNotFound)
	ErrMarketNotFound = fmt.Errorf("market %w", ErrNotFound)
	ErrOrderNotFound  = fmt.Errorf("order %w", ErrNotFound)
	ErrActionNotFound = fmt.Errorf("pending action %w", ErrNotFound)

	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrRuleViolation)
	ErrInsufficientShares  = fmt.Errorf("%w: insufficient shares", ErrRuleViolation)
	ErrMarketNotOpen       = fmt.Errorf("%w: market is not open", ErrRuleViolation)
	ErrAlreadyResolved     = fmt.Errorf("%w: market already resolved", ErrRuleViolation)
	ErrCannotTrade         = fmt.Errorf("%w: agent cannot trade", ErrRuleViolation)
	ErrNotModerator        = fmt.Errorf("%w: only moderators can resolve markets", ErrRuleViolation)
	ErrNotOwner            = fmt.Errorf("%w: order belongs to another agent", ErrRuleViolation)
	ErrNotCancellable      = fmt.Errorf("%w: order cannot be cancelled", ErrRuleViolation)
	ErrActionNotPending    = fmt.Errorf("%w: action is not pending", ErrRuleViolation)
	ErrActionExpired       = fmt.Errorf("%w: action expired", ErrRuleViolation)
	ErrDuplicateName       = fmt.Errorf("%w: name already taken", ErrRuleViolation)
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Invariantf builds an invariant error with a formatted message.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
