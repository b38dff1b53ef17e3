package services

import (
	"context"
	"errors"
	"fmt"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/pkg/models"
)

// ErrForbidden is returned when the acting user is not an admin.
var ErrForbidden = errors.New("forbidden: admin privileges required")

// AdminService performs privileged mutations on other users' records.
// Every call re-checks the actor against the directory; the admin flag
// carried in the session is not trusted for mutations.
type AdminService struct {
	directory UserDirectory
	credits   CreditAdmin
}

// NewAdminService creates a new AdminService.
func NewAdminService(directory UserDirectory, credits CreditAdmin) *AdminService {
	return &AdminService{directory: directory, credits: credits}
}

func (s *AdminService) authorize(ctx context.Context, actor auth.Session) error {
	if actor.UID == "" {
		return ErrForbidden
	}
	isAdmin, err := s.directory.IsAdmin(ctx, actor.UID)
	if err != nil {
		return fmt.Errorf("admin lookup: %w", err)
	}
	if !isAdmin {
		return ErrForbidden
	}
	return nil
}

// SetAdmin grants or revokes the admin flag of target.
func (s *AdminService) SetAdmin(ctx context.Context, actor auth.Session, target string, isAdmin bool) (*models.User, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, errors.New("target uid is required")
	}
	if err := s.directory.SetAdmin(ctx, target, isAdmin); err != nil {
		return nil, err
	}
	return s.directory.GetUser(ctx, target)
}

// GrantCredits adds credits to target's account.
func (s *AdminService) GrantCredits(ctx context.Context, actor auth.Session, target string, amount int64) (*models.CreditAccount, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return nil, err
	}
	return s.credits.Grant(ctx, target, amount)
}

// SetDevMode toggles dev mode on target's account.
func (s *AdminService) SetDevMode(ctx context.Context, actor auth.Session, target string, enabled bool) (*models.CreditAccount, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return nil, err
	}
	return s.credits.SetDevMode(ctx, target, enabled)
}
