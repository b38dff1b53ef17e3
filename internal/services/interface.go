package services

import (
	"context"
	"encoding/json"

	"doodle-forge/backend/pkg/models"
)

// ModelClient is an interface for communicating with the model sidecar.
type ModelClient interface {
	// RunFlow runs a named flow and returns its raw output.
	RunFlow(ctx context.Context, flow string, input json.RawMessage) (json.RawMessage, error)
	// Health checks that the sidecar is reachable.
	Health(ctx context.Context) error
}

// UserDirectory is the admin directory the AdminService mutates.
type UserDirectory interface {
	IsAdmin(ctx context.Context, uid string) (bool, error)
	SetAdmin(ctx context.Context, uid string, isAdmin bool) error
	GetUser(ctx context.Context, uid string) (*models.User, error)
}

// CreditAdmin is the part of the credit ledger behind admin endpoints.
type CreditAdmin interface {
	Grant(ctx context.Context, userID string, amount int64) (*models.CreditAccount, error)
	SetDevMode(ctx context.Context, userID string, enabled bool) (*models.CreditAccount, error)
}
