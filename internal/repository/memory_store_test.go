package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/pkg/models"
)

func TestInMemoryStore_Ledger(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	account, err := store.EnsureAccount(ctx, "kid-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	// second call does not re-grant
	account, err = store.EnsureAccount(ctx, "kid-1", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	debitID := uuid.NewString()
	simulated, err := store.Debit(ctx, debitID, "kid-1", 4)
	require.NoError(t, err)
	assert.False(t, simulated)

	_, err = store.Debit(ctx, uuid.NewString(), "kid-1", 7)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	refunded, err := store.Refund(ctx, debitID)
	require.NoError(t, err)
	assert.True(t, refunded)

	refunded, err = store.Refund(ctx, debitID)
	require.NoError(t, err)
	assert.False(t, refunded)

	account, err = store.EnsureAccount(ctx, "kid-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	entries, err := store.Entries(ctx, "kid-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.EntryRefund, entries[0].Kind)
	require.NotNil(t, entries[0].DebitID)
	assert.Equal(t, debitID, *entries[0].DebitID)
	assert.Equal(t, models.EntryDebit, entries[1].Kind)
	assert.NotNil(t, entries[1].RefundedAt)
	assert.Equal(t, models.EntryGrant, entries[2].Kind)
}

func TestInMemoryStore_DevMode(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, err := store.EnsureAccount(ctx, "dev", 0)
	require.NoError(t, err)
	_, err = store.SetDevMode(ctx, "dev", true)
	require.NoError(t, err)

	debitID := uuid.NewString()
	simulated, err := store.Debit(ctx, debitID, "dev", 50)
	require.NoError(t, err)
	assert.True(t, simulated)

	refunded, err := store.Refund(ctx, debitID)
	require.NoError(t, err)
	assert.False(t, refunded, "simulated entries are never refunded")

	account, err := store.EnsureAccount(ctx, "dev", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
}

func TestInMemoryStore_UnknownAccount(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, err := store.Debit(ctx, "d", "ghost", 1)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = store.Grant(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = store.SetDevMode(ctx, "ghost", true)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	refunded, err := store.Refund(ctx, "no-such-debit")
	require.NoError(t, err)
	assert.False(t, refunded)
}

func TestInMemoryStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_, err := store.EnsureAccount(ctx, "kid", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, short atomic.Int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Debit(ctx, uuid.NewString(), "kid", 3)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientCredits):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), ok.Load())
	assert.Equal(t, int64(37), short.Load())
	account, err := store.EnsureAccount(ctx, "kid", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.Balance)
}

func TestInMemoryStore_ConcurrentRefundsApplyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_, err := store.EnsureAccount(ctx, "kid", 5)
	require.NoError(t, err)
	debitID := uuid.NewString()
	_, err = store.Debit(ctx, debitID, "kid", 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var applied atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Refund(ctx, debitID); ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), applied.Load())
	account, err := store.EnsureAccount(ctx, "kid", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.Balance)
}

func TestInMemoryStore_Directory(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	isAdmin, err := store.IsAdmin(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	_, err = store.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetAdmin(ctx, "root", true))
	isAdmin, err = store.IsAdmin(ctx, "root")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	require.NoError(t, store.SetAdmin(ctx, "root", false))
	user, err := store.GetUser(ctx, "root")
	require.NoError(t, err)
	assert.False(t, user.IsAdmin)
}

func TestInMemoryStore_Runs(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []models.GenerationStatus{models.StatusSucceeded, models.StatusDenied, models.StatusRejected} {
		require.NoError(t, store.RecordRun(ctx, models.GenerationRun{
			ID: uuid.NewString(), UserID: "kid", Recipe: "full", Status: status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.RecordRun(ctx, models.GenerationRun{ID: "other", UserID: "someone-else", StartedAt: base}))

	runs, err := store.ListRuns(ctx, "kid", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.StatusRejected, runs[0].Status)
	assert.Equal(t, models.StatusDenied, runs[1].Status)
}
