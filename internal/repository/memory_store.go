package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/pkg/models"
)

// InMemoryStore is a process-local Repository used in development and tests.
// A single mutex makes every ledger operation atomic.
type InMemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*models.CreditAccount
	entries  []*models.LedgerEntry
	byID     map[string]*models.LedgerEntry
	users    map[string]*models.User
	runs     []models.GenerationRun
	now      func() time.Time
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts: make(map[string]*models.CreditAccount),
		byID:     make(map[string]*models.LedgerEntry),
		users:    make(map[string]*models.User),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *InMemoryStore) appendEntry(e *models.LedgerEntry) {
	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
}

func (s *InMemoryStore) EnsureAccount(ctx context.Context, userID string, initialBalance int64) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		now := s.now()
		account = &models.CreditAccount{UserID: userID, Balance: initialBalance, CreatedAt: now, UpdatedAt: now}
		s.accounts[userID] = account
		if initialBalance > 0 {
			s.appendEntry(&models.LedgerEntry{
				ID: uuid.NewString(), UserID: userID, Kind: models.EntryGrant, Amount: initialBalance, CreatedAt: now,
			})
		}
	}
	copied := *account
	return &copied, nil
}

func (s *InMemoryStore) Debit(ctx context.Context, debitID, userID string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return false, ledger.ErrAccountNotFound
	}
	if !account.DevMode && account.Balance < amount {
		return false, ledger.ErrInsufficientCredits
	}

	now := s.now()
	kind := models.EntrySimulated
	if !account.DevMode {
		account.Balance -= amount
		account.UpdatedAt = now
		kind = models.EntryDebit
	}
	s.appendEntry(&models.LedgerEntry{ID: debitID, UserID: userID, Kind: kind, Amount: amount, CreatedAt: now})
	return account.DevMode, nil
}

func (s *InMemoryStore) Refund(ctx context.Context, debitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	debit, ok := s.byID[debitID]
	if !ok || debit.Kind != models.EntryDebit || debit.RefundedAt != nil {
		return false, nil
	}
	account, ok := s.accounts[debit.UserID]
	if !ok {
		return false, ledger.ErrAccountNotFound
	}

	now := s.now()
	debit.RefundedAt = &now
	account.Balance += debit.Amount
	account.UpdatedAt = now
	id := debit.ID
	s.appendEntry(&models.LedgerEntry{
		ID: uuid.NewString(), UserID: debit.UserID, Kind: models.EntryRefund, Amount: debit.Amount, DebitID: &id, CreatedAt: now,
	})
	return true, nil
}

func (s *InMemoryStore) RecordSimulated(ctx context.Context, entryID, userID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return ledger.ErrAccountNotFound
	}
	s.appendEntry(&models.LedgerEntry{ID: entryID, UserID: userID, Kind: models.EntrySimulated, Amount: amount, CreatedAt: s.now()})
	return nil
}

func (s *InMemoryStore) Grant(ctx context.Context, userID string, amount int64) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	now := s.now()
	account.Balance += amount
	account.UpdatedAt = now
	s.appendEntry(&models.LedgerEntry{ID: uuid.NewString(), UserID: userID, Kind: models.EntryGrant, Amount: amount, CreatedAt: now})
	copied := *account
	return &copied, nil
}

func (s *InMemoryStore) SetDevMode(ctx context.Context, userID string, enabled bool) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	account.DevMode = enabled
	account.UpdatedAt = s.now()
	copied := *account
	return &copied, nil
}

func (s *InMemoryStore) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := s.entries[i]; e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) IsAdmin(ctx context.Context, uid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	return ok && u.IsAdmin, nil
}

func (s *InMemoryStore) SetAdmin(ctx context.Context, uid string, isAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u, ok := s.users[uid]
	if !ok {
		u = &models.User{UID: uid, CreatedAt: now}
		s.users[uid] = u
	}
	u.IsAdmin = isAdmin
	u.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, uid string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *InMemoryStore) RecordRun(ctx context.Context, run models.GenerationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Stages = append([]string(nil), run.Stages...)
	s.runs = append(s.runs, run)
	return nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, userID string, limit int) ([]models.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.GenerationRun
	for _, r := range s.runs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
