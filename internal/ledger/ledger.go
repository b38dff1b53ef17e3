// Package ledger meters generation work against per-user credit balances.
//
// The Ledger is a façade over a persistent Store. All balance mutations are
// delegated to the store as single atomic operations so that concurrent
// requests, possibly on different processes, can never drive a balance
// below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"doodle-forge/backend/pkg/models"
)

var (
	// ErrInsufficientCredits is returned by Debit when the balance does not cover the amount.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNotDevMode is returned by SimulateCost for accounts outside dev mode.
	ErrNotDevMode = errors.New("account is not in dev mode")
	// ErrInvalidAmount is returned for negative amounts, or zero grants.
	ErrInvalidAmount = errors.New("invalid credit amount")
	// ErrAccountNotFound is returned by stores for unknown accounts.
	ErrAccountNotFound = errors.New("credit account not found")
)

// Store is the persistent backing store for credit accounts.
type Store interface {
	// EnsureAccount returns the account, creating it with initialBalance
	// when it does not exist yet.
	EnsureAccount(ctx context.Context, userID string, initialBalance int64) (*models.CreditAccount, error)
	// Debit atomically decrements the balance by amount when it is
	// covered, recording entry debitID. Dev-mode accounts keep their
	// balance and get a simulated entry instead; simulated reports which
	// happened. Returns ErrInsufficientCredits when the balance is short.
	Debit(ctx context.Context, debitID, userID string, amount int64) (simulated bool, err error)
	// Refund restores a committed, non-simulated debit exactly once.
	// It reports false when there was nothing to restore.
	Refund(ctx context.Context, debitID string) (bool, error)
	// RecordSimulated writes a simulated entry without touching the balance.
	RecordSimulated(ctx context.Context, entryID, userID string, amount int64) error
	// Grant adds credits to an existing account.
	Grant(ctx context.Context, userID string, amount int64) (*models.CreditAccount, error)
	// SetDevMode toggles dev mode on an existing account.
	SetDevMode(ctx context.Context, userID string, enabled bool) (*models.CreditAccount, error)
	// Entries returns the most recent ledger entries, newest first.
	Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
}

// Handle identifies a debit for a later refund.
type Handle struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Simulated bool   `json:"simulated"`
}

// Ledger is the credit accounting façade used by the pipeline and the admin API.
type Ledger struct {
	store          Store
	initialBalance int64
}

// New creates a Ledger. New accounts start with initialBalance credits.
func New(store Store, initialBalance int64) *Ledger {
	return &Ledger{store: store, initialBalance: initialBalance}
}

// Debit charges amount to the user's account and returns a handle for a
// possible refund. Dev-mode accounts are never charged.
//
// When the store fails for any reason other than an insufficient balance
// the debit may still have committed, so the handle is returned alongside
// the error. Refunding it is safe either way.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (Handle, error) {
	if amount < 0 {
		return Handle{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if _, err := l.store.EnsureAccount(ctx, userID, l.initialBalance); err != nil {
		return Handle{}, fmt.Errorf("ensure account: %w", err)
	}

	handle := Handle{ID: uuid.NewString(), UserID: userID, Amount: amount}
	if amount == 0 {
		return handle, nil
	}

	simulated, err := l.store.Debit(ctx, handle.ID, userID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return Handle{}, err
		}
		return handle, fmt.Errorf("debit: %w", err)
	}
	handle.Simulated = simulated
	return handle, nil
}

// Refund restores the credits of a real debit. Repeated refunds, refunds
// of simulated debits and refunds of zero-cost debits are no-ops; the
// boolean reports whether credits actually moved.
func (l *Ledger) Refund(ctx context.Context, handle Handle) (bool, error) {
	if handle.ID == "" || handle.Simulated || handle.Amount == 0 {
		return false, nil
	}
	refunded, err := l.store.Refund(ctx, handle.ID)
	if err != nil {
		return false, fmt.Errorf("refund %s: %w", handle.ID, err)
	}
	return refunded, nil
}

// SimulateCost records what a request would have cost without charging it.
// Only dev-mode accounts may simulate.
func (l *Ledger) SimulateCost(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	account, err := l.store.EnsureAccount(ctx, userID, l.initialBalance)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if !account.DevMode {
		return ErrNotDevMode
	}
	return l.store.RecordSimulated(ctx, uuid.NewString(), userID, amount)
}

// Balance returns the user's account, creating it on first sight.
func (l *Ledger) Balance(ctx context.Context, userID string) (*models.CreditAccount, error) {
	return l.store.EnsureAccount(ctx, userID, l.initialBalance)
}

// Grant adds credits to the user's account.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) (*models.CreditAccount, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if _, err := l.store.EnsureAccount(ctx, userID, l.initialBalance); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return l.store.Grant(ctx, userID, amount)
}

// SetDevMode switches the account between real and simulated charging.
func (l *Ledger) SetDevMode(ctx context.Context, userID string, enabled bool) (*models.CreditAccount, error) {
	if _, err := l.store.EnsureAccount(ctx, userID, l.initialBalance); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return l.store.SetDevMode(ctx, userID, enabled)
}

// History returns recent ledger entries for the user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.Entries(ctx, userID, limit)
}
