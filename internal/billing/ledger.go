// Package billing wraps the credit ledger with debit and refund semantics.
package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// ErrInsufficientCredits is returned when a debit would take the balance
// below zero. Re-exported so callers don't import the store package just
// for the sentinel.
var ErrInsufficientCredits = store.ErrInsufficientCredits

// Ledger debits and refunds analysis credits. Debits are conditional on
// the remaining balance: a user is never charged past zero.
type Ledger struct {
	store store.Store
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Debit charges amount credits from the user's balance.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, amount int) error {
	if err := l.store.DebitCredits(ctx, userID, amount); err != nil {
		return fmt.Errorf("debiting %d credits for user %s: %w", amount, userID, err)
	}
	return nil
}

// Refund returns amount credits to the user's balance. Used as
// compensation when an analysis fails permanently after its credit was
// already consumed at submission.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, amount int) error {
	if err := l.store.CreditCredits(ctx, userID, amount); err != nil {
		return fmt.Errorf("refunding %d credits for user %s: %w", amount, userID, err)
	}
	return nil
}

// Balance returns the user's current credit row.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error) {
	return l.store.GetUserCredit(ctx, userID)
}
