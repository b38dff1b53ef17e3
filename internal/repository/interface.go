package repository

import (
	"context"
	"errors"

	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/pkg/models"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Repository is everything the service persists: credit accounts, the
// admin directory and generation run summaries.
type Repository interface {
	ledger.Store

	// IsAdmin reports whether uid carries the admin flag. Unknown users are not admins.
	IsAdmin(ctx context.Context, uid string) (bool, error)
	// SetAdmin creates or updates the directory record for uid.
	SetAdmin(ctx context.Context, uid string, isAdmin bool) error
	// GetUser returns the directory record or ErrNotFound.
	GetUser(ctx context.Context, uid string) (*models.User, error)

	// RecordRun stores a finished generation summary.
	RecordRun(ctx context.Context, run models.GenerationRun) error
	// ListRuns returns the user's most recent runs, newest first.
	ListRuns(ctx context.Context, userID string, limit int) ([]models.GenerationRun, error)

	Ping(ctx context.Context) error
}
