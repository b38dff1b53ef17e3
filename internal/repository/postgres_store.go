package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const accountColumns = "user_id, balance, dev_mode, created_at, updated_at"

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	if err := row.Scan(&a.UserID, &a.Balance, &a.DevMode, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// EnsureAccount returns the account, creating it with initialBalance on first use.
func (s *PostgresStore) EnsureAccount(ctx context.Context, userID string, initialBalance int64) (*models.CreditAccount, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var created bool
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING true`, userID, initialBalance).Scan(&created)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	if created && initialBalance > 0 {
		if _, err := tx.Exec(ctx,
			"INSERT INTO credit_entries (id, user_id, kind, amount) VALUES ($1, $2, $3, $4)",
			uuid.NewString(), userID, models.EntryGrant, initialBalance); err != nil {
			return nil, fmt.Errorf("insert initial grant: %w", err)
		}
	}

	account, err := scanAccount(tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM credit_accounts WHERE user_id = $1", userID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return account, nil
}

// Debit performs the compare-and-decrement in a single UPDATE so that
// concurrent debits serialise on the row lock and re-check the balance.
func (s *PostgresStore) Debit(ctx context.Context, debitID, userID string, amount int64) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var devMode bool
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = CASE WHEN dev_mode THEN balance ELSE balance - $2 END,
		    updated_at = now()
		WHERE user_id = $1 AND (dev_mode OR balance >= $2)
		RETURNING dev_mode`, userID, amount).Scan(&devMode)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ledger.ErrInsufficientCredits
	}
	if err != nil {
		return false, fmt.Errorf("decrement balance: %w", err)
	}

	kind := models.EntryDebit
	if devMode {
		kind = models.EntrySimulated
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO credit_entries (id, user_id, kind, amount) VALUES ($1, $2, $3, $4)",
		debitID, userID, kind, amount); err != nil {
		return false, fmt.Errorf("insert debit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return devMode, nil
}

// Refund marks the debit refunded and restores its amount in one
// transaction. A debit that is unknown, simulated or already refunded
// matches no row and nothing changes.
func (s *PostgresStore) Refund(ctx context.Context, debitID string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_entries SET refunded_at = now()
		WHERE id = $1 AND kind = 'debit' AND refunded_at IS NULL
		RETURNING user_id, amount`, debitID).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE credit_accounts SET balance = balance + $2, updated_at = now() WHERE user_id = $1",
		userID, amount); err != nil {
		return false, fmt.Errorf("restore balance: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO credit_entries (id, user_id, kind, amount, debit_id) VALUES ($1, $2, $3, $4, $5)",
		uuid.NewString(), userID, models.EntryRefund, amount, debitID); err != nil {
		return false, fmt.Errorf("insert refund entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RecordSimulated writes a simulated entry without touching the balance.
func (s *PostgresStore) RecordSimulated(ctx context.Context, entryID, userID string, amount int64) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO credit_entries (id, user_id, kind, amount) VALUES ($1, $2, $3, $4)",
		entryID, userID, models.EntrySimulated, amount)
	return err
}

// Grant adds credits to an existing account.
func (s *PostgresStore) Grant(ctx context.Context, userID string, amount int64) (*models.CreditAccount, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := scanAccount(tx.QueryRow(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1
		RETURNING `+accountColumns, userID, amount))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO credit_entries (id, user_id, kind, amount) VALUES ($1, $2, $3, $4)",
		uuid.NewString(), userID, models.EntryGrant, amount); err != nil {
		return nil, fmt.Errorf("insert grant entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return account, nil
}

// SetDevMode toggles dev mode on an existing account.
func (s *PostgresStore) SetDevMode(ctx context.Context, userID string, enabled bool) (*models.CreditAccount, error) {
	return scanAccount(s.db.QueryRow(ctx, `
		UPDATE credit_accounts SET dev_mode = $2, updated_at = now()
		WHERE user_id = $1
		RETURNING `+accountColumns, userID, enabled))
}

// Entries returns recent ledger entries, newest first.
func (s *PostgresStore) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, kind, amount, debit_id, created_at, refunded_at
		FROM credit_entries WHERE user_id = $1
		ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.DebitID, &e.CreatedAt, &e.RefundedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsAdmin reports whether uid carries the admin flag.
func (s *PostgresStore) IsAdmin(ctx context.Context, uid string) (bool, error) {
	var isAdmin bool
	err := s.db.QueryRow(ctx, "SELECT is_admin FROM users WHERE uid = $1", uid).Scan(&isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return isAdmin, err
}

// SetAdmin creates or updates the directory record for uid.
func (s *PostgresStore) SetAdmin(ctx context.Context, uid string, isAdmin bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (uid, is_admin) VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE SET is_admin = EXCLUDED.is_admin, updated_at = now()`,
		uid, isAdmin)
	return err
}

// GetUser returns the directory record for uid.
func (s *PostgresStore) GetUser(ctx context.Context, uid string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		"SELECT uid, is_admin, created_at, updated_at FROM users WHERE uid = $1", uid).
		Scan(&u.UID, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// RecordRun stores a finished generation summary.
func (s *PostgresStore) RecordRun(ctx context.Context, run models.GenerationRun) error {
	if run.Stages == nil {
		run.Stages = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO generation_runs (id, user_id, recipe, stages, status, reason, cost, refunded, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.UserID, run.Recipe, run.Stages, run.Status, run.Reason, run.Cost, run.Refunded, run.StartedAt, run.FinishedAt)
	return err
}

// ListRuns returns the user's most recent runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, userID string, limit int) ([]models.GenerationRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, recipe, stages, status, reason, cost, refunded, started_at, finished_at
		FROM generation_runs WHERE user_id = $1
		ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.GenerationRun
	for rows.Next() {
		var r models.GenerationRun
		if err := rows.Scan(&r.ID, &r.UserID, &r.Recipe, &r.Stages, &r.Status, &r.Reason, &r.Cost, &r.Refunded, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
