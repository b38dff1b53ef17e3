package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/flows"
	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/internal/pipeline"
	"doodle-forge/backend/internal/repository"
	"doodle-forge/backend/internal/services"
	"doodle-forge/backend/pkg/models"
)

const serviceName = "doodle-forge"

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler contains the plain net/http handlers of the service.
type Handler struct {
	version string
	checks  map[string]HealthCheck
}

// NewHandler creates a new Handler. Each check is run on every health request.
func NewHandler(version string, checks map[string]HealthCheck) *Handler {
	return &Handler{version: version, checks: checks}
}

// HandleHealth returns the service status. A failing check turns the
// response into a 503 with status "degraded".
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   serviceName,
		Version:   h.version,
	}
	code := http.StatusOK
	if len(h.checks) > 0 {
		status.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status.Checks[name] = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[name] = "ok"
	}
	writeJSON(w, code, status)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// problemFor maps an error to its RFC 7807 representation.
func problemFor(ctx context.Context, err error) models.ProblemDetails {
	status, title := http.StatusInternalServerError, "Internal Server Error"

	var httpErr *echo.HTTPError
	var inputErr *flows.InputValidationError
	switch {
	case errors.As(err, &httpErr):
		status, title = httpErr.Code, http.StatusText(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			err = errors.New(msg)
		}
	case errors.Is(err, pipeline.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		status, title = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, services.ErrForbidden), errors.Is(err, ledger.ErrNotDevMode):
		status, title = http.StatusForbidden, "Forbidden"
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		status, title = http.StatusNotFound, "Not Found"
	case errors.Is(err, pipeline.ErrUnknownRecipe),
		errors.Is(err, pipeline.ErrEmptyPlan),
		errors.Is(err, pipeline.ErrReservedStage),
		errors.Is(err, pipeline.ErrInvalidPayload),
		errors.Is(err, flows.ErrUnknownFlow),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.As(err, &inputErr):
		status, title = http.StatusBadRequest, "Bad Request"
	}

	problem := models.ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
	}
	if status < http.StatusInternalServerError {
		problem.Detail = err.Error()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		problem.TraceID = sc.TraceID().String()
	}
	return problem
}

// ErrorHandler renders every error returned by an echo handler as a problem
// document. Server-side failures are logged; their details are not exposed.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := problemFor(c.Request().Context(), err)
		if problem.Status >= http.StatusInternalServerError && logger != nil {
			logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
		}
		problem.Instance = c.Request().URL.Path
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if err := c.JSON(problem.Status, problem); err != nil && logger != nil {
			logger.Error("failed to write problem response", "error", err)
		}
	}
}
