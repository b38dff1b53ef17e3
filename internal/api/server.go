// Package api contains the HTTP handlers for the doodle-forge service
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/flows"
	"doodle-forge/backend/internal/pipeline"
	"doodle-forge/backend/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Logger is the logging surface the API needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Generator runs generation submissions.
type Generator interface {
	Run(ctx context.Context, sub pipeline.Submission) (*pipeline.Result, error)
	Catalog() *pipeline.Catalog
}

// Credits reads a caller's own account.
type Credits interface {
	Balance(ctx context.Context, userID string) (*models.CreditAccount, error)
	History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	SimulateCost(ctx context.Context, userID string, amount int64) error
}

// RunLister lists persisted generation outcomes.
type RunLister interface {
	ListRuns(ctx context.Context, userID string, limit int) ([]models.GenerationRun, error)
}

// Admin performs privileged mutations on behalf of an actor.
type Admin interface {
	SetAdmin(ctx context.Context, actor auth.Session, target string, isAdmin bool) (*models.User, error)
	GrantCredits(ctx context.Context, actor auth.Session, target string, amount int64) (*models.CreditAccount, error)
	SetDevMode(ctx context.Context, actor auth.Session, target string, enabled bool) (*models.CreditAccount, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	Generator Generator
	Credits   Credits
	Runs      RunLister
	Admin     Admin
}

// NewServer creates a new Server.
func NewServer(generator Generator, credits Credits, runs RunLister, admin Admin) *Server {
	return &Server{Generator: generator, Credits: credits, Runs: runs, Admin: admin}
}

// Register mounts the versioned API on e. requireAuth guards every route
// except the catalog and generation submission, which verify their own token.
func (s *Server) Register(e *echo.Echo, requireAuth echo.MiddlewareFunc) {
	v1 := e.Group("/api/v1")
	v1.GET("/flows", s.ListFlows)
	v1.POST("/generations", s.CreateGeneration)

	authed := v1.Group("", requireAuth)
	authed.GET("/generations", s.ListGenerations)
	authed.GET("/credits", s.GetCredits)
	authed.GET("/credits/history", s.GetCreditHistory)
	authed.POST("/credits/simulate", s.SimulateCost)

	admin := authed.Group("/admin/users/:uid")
	admin.PUT("/admin", s.SetAdmin)
	admin.POST("/credits", s.GrantCredits)
	admin.PUT("/dev-mode", s.SetDevMode)
}

// ListFlows returns the visible flows and recipes with their costs
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Generator.Catalog().Describe())
}

// CreateGeneration runs a generation request to a terminal status
// (POST /api/v1/generations)
func (s *Server) CreateGeneration(c echo.Context) error {
	var req models.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Generator.Run(c.Request().Context(), pipeline.Submission{
		Token:   auth.TokenFromRequest(c.Request()),
		Recipe:  req.Recipe,
		Stages:  req.Stages,
		Payload: req.Payload,
	})
	if err != nil {
		return err
	}
	return c.JSON(generationStatusCode(result), result.Response())
}

// generationStatusCode maps a terminal outcome onto an HTTP status.
func generationStatusCode(r *pipeline.Result) int {
	switch r.Status {
	case models.StatusSucceeded:
		return http.StatusOK
	case models.StatusDenied:
		return http.StatusPaymentRequired
	case models.StatusRejected:
		return http.StatusUnprocessableEntity
	}
	var inputErr *flows.InputValidationError
	if errors.As(r.Cause, &inputErr) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// ListGenerations returns the caller's most recent generation outcomes
// (GET /api/v1/generations)
func (s *Server) ListGenerations(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	limit, err := listLimit(c)
	if err != nil {
		return err
	}
	runs, err := s.Runs.ListRuns(c.Request().Context(), session.UID, limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []models.GenerationRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetCredits returns the caller's credit account
// (GET /api/v1/credits)
func (s *Server) GetCredits(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	account, err := s.Credits.Balance(c.Request().Context(), session.UID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, account)
}

// GetCreditHistory returns the caller's ledger entries, newest first
// (GET /api/v1/credits/history)
func (s *Server) GetCreditHistory(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	limit, err := listLimit(c)
	if err != nil {
		return err
	}
	entries, err := s.Credits.History(c.Request().Context(), session.UID, limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// SimulateCost prices a recipe or stage list and records a simulated entry
// without charging; only dev-mode accounts may call it
// (POST /api/v1/credits/simulate)
func (s *Server) SimulateCost(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	var req models.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	plan, err := s.Generator.Catalog().Plan(req.Recipe, req.Stages)
	if err != nil {
		return err
	}
	quote := models.CostQuote{Recipe: req.Recipe, Cost: pipeline.TotalCost(plan), Simulated: true}
	for _, stage := range plan {
		quote.Stages = append(quote.Stages, stage.Flow)
	}
	if err := s.Credits.SimulateCost(c.Request().Context(), session.UID, quote.Cost); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, quote)
}

type setAdminRequest struct {
	IsAdmin bool `json:"is_admin"`
}

type grantRequest struct {
	Amount int64 `json:"amount"`
}

type devModeRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAdmin grants or revokes the admin flag of a user
// (PUT /api/v1/admin/users/:uid/admin)
func (s *Server) SetAdmin(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	var body setAdminRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	user, err := s.Admin.SetAdmin(c.Request().Context(), session, c.Param("uid"), body.IsAdmin)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

// GrantCredits adds credits to a user's account
// (POST /api/v1/admin/users/:uid/credits)
func (s *Server) GrantCredits(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	var body grantRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	account, err := s.Admin.GrantCredits(c.Request().Context(), session, c.Param("uid"), body.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, account)
}

// SetDevMode toggles dev mode on a user's account
// (PUT /api/v1/admin/users/:uid/dev-mode)
func (s *Server) SetDevMode(c echo.Context) error {
	session, err := sessionOf(c)
	if err != nil {
		return err
	}
	var body devModeRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	account, err := s.Admin.SetDevMode(c.Request().Context(), session, c.Param("uid"), body.Enabled)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, account)
}

func sessionOf(c echo.Context) (auth.Session, error) {
	session, ok := auth.SessionFromContext(c.Request().Context())
	if !ok {
		return auth.Session{}, echo.NewHTTPError(http.StatusUnauthorized, "Session not found in context")
	}
	return session, nil
}

func listLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}
