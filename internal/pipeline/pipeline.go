// Package pipeline runs a generation request end to end: it resolves the
// caller, charges credits, invokes each stage in order, moderates whatever
// will be shown and refunds on every exit that does not deliver.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/flows"
	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/internal/logging"
	"doodle-forge/backend/internal/moderation"
	"doodle-forge/backend/pkg/models"
)

const instrumentationName = "doodle-forge/backend/internal/pipeline"

var (
	// ErrUnauthorized means the submission's token did not verify. Nothing was charged.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidPayload means the payload is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")
)

// Reasons reported to the caller.
const (
	ReasonInsufficientCredits = "insufficient credits"
	ReasonCancelled           = "request was cancelled"
	ReasonChargeFailed        = "credits could not be charged"
	ReasonDeliveryFailed      = "artifacts could not be delivered"
)

// Verifier resolves a token into a session.
type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Session, error)
}

// Ledger charges and refunds credits.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64) (ledger.Handle, error)
	Refund(ctx context.Context, handle ledger.Handle) (bool, error)
}

// Invoker runs a registered flow.
type Invoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// Moderator decides whether content may be shown.
type Moderator interface {
	Evaluate(ctx context.Context, content string) moderation.Decision
}

// Recorder persists the summary of a finished request.
type Recorder interface {
	RecordRun(ctx context.Context, run models.GenerationRun) error
}

// Uploader moves an inline data URI into storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, userID, dataURI string) (string, error)
}

// Logger is the logging surface the pipeline needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options tunes a Pipeline. Zero values pick sensible defaults.
type Options struct {
	// MaxAttempts bounds executor calls per stage, including the first.
	MaxAttempts  int
	RetryBackoff time.Duration
	// StageTimeout limits a single executor attempt.
	StageTimeout time.Duration
	Recorder     Recorder
	Uploader     Uploader
	Logger       Logger
}

// Submission is one generation request.
type Submission struct {
	Token   string
	Recipe  string
	Stages  []string
	Payload json.RawMessage
}

// Result is the terminal outcome of a request. Artifacts are only set when
// Status is models.StatusSucceeded.
type Result struct {
	RequestID string
	UserID    string
	Status    models.GenerationStatus
	Artifacts []models.Artifact
	Reason    string
	Cost      int64
	Simulated bool
	Refunded  bool
	// Cause is the error behind a Failed status, if any.
	Cause error
}

// Response converts r to its wire shape.
func (r *Result) Response() models.GenerateResponse {
	return models.GenerateResponse{
		RequestID: r.RequestID,
		Status:    r.Status,
		Artifacts: r.Artifacts,
		Reason:    r.Reason,
		Cost:      r.Cost,
	}
}

// Pipeline executes submissions. It holds no per-request state and is safe
// for concurrent use.
type Pipeline struct {
	verifier  Verifier
	catalog   *Catalog
	invoker   Invoker
	ledger    Ledger
	moderator Moderator
	opts      Options
	logger    Logger

	tracer   trace.Tracer
	runs     metric.Int64Counter
	debited  metric.Int64Counter
	refunded metric.Int64Counter
}

// New creates a Pipeline.
func New(verifier Verifier, catalog *Catalog, invoker Invoker, l Ledger, moderator Moderator, opts Options) (*Pipeline, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	runs, err := meter.Int64Counter("generation.runs",
		metric.WithDescription("Finished generation requests by status"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	debited, err := meter.Int64Counter("credits.debited",
		metric.WithDescription("Credits charged for generation"))
	if err != nil {
		return nil, fmt.Errorf("create debited counter: %w", err)
	}
	refunded, err := meter.Int64Counter("credits.refunded",
		metric.WithDescription("Credits returned after undelivered generation"))
	if err != nil {
		return nil, fmt.Errorf("create refunded counter: %w", err)
	}

	return &Pipeline{
		verifier:  verifier,
		catalog:   catalog,
		invoker:   invoker,
		ledger:    l,
		moderator: moderator,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		runs:      runs,
		debited:   debited,
		refunded:  refunded,
	}, nil
}

// Catalog returns the catalog used to resolve submissions.
func (p *Pipeline) Catalog() *Catalog {
	return p.catalog
}

// request is the state a single Run owns.
type request struct {
	id        string
	session   auth.Session
	recipe    string
	plan      []Stage
	cost      int64
	started   time.Time
	machine   *machine
	handle    ledger.Handle
	debited   bool
	artifacts []stageOutput
}

type stageOutput struct {
	index  int
	stage  Stage
	output json.RawMessage
	fields map[string]any
}

// Run executes sub. It returns an error only when the submission is
// rejected before any credit moves: ErrUnauthorized, an unknown recipe or
// flow, an empty plan or a malformed payload. Every other outcome is a
// Result with a terminal status.
func (p *Pipeline) Run(ctx context.Context, sub Submission) (*Result, error) {
	req := &request{
		id:      ulid.Make().String(),
		recipe:  sub.Recipe,
		started: time.Now().UTC(),
		machine: newMachine(),
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("generation.request_id", req.id),
		attribute.String("generation.recipe", sub.Recipe),
	))
	defer span.End()

	req.machine.advance(StateAuthorizing)
	session, err := p.verifier.Verify(ctx, sub.Token)
	if err != nil {
		span.SetStatus(codes.Error, "unauthorized")
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	req.session = session
	span.SetAttributes(attribute.String("generation.user_id", session.UID))

	plan, err := p.catalog.Plan(sub.Recipe, sub.Stages)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(sub.Payload)
	if err != nil {
		return nil, err
	}
	req.plan = plan
	req.cost = TotalCost(plan)

	if err := ctx.Err(); err != nil {
		return p.finish(ctx, req, StateFailed, ReasonCancelled, err), nil
	}

	handle, err := p.ledger.Debit(ctx, session.UID, req.cost)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return p.finish(ctx, req, StateDenied, ReasonInsufficientCredits, nil), nil
		}
		p.logger.Error("debit failed", "request_id", req.id, "user_id", session.UID, "error", err)
		// the store may have committed before failing
		req.handle = handle
		req.debited = handle.ID != ""
		return p.finish(ctx, req, StateFailed, ReasonChargeFailed, err), nil
	}
	req.handle = handle
	req.debited = true
	req.machine.advance(StateDebited)
	if !handle.Simulated && handle.Amount > 0 {
		p.debited.Add(ctx, handle.Amount)
	}

	req.machine.advance(StateGenerating)
	if err := p.generate(ctx, req, payload); err != nil {
		if ctx.Err() != nil {
			return p.finish(ctx, req, StateFailed, ReasonCancelled, ctx.Err()), nil
		}
		return p.finish(ctx, req, StateFailed, failureReason(err), err), nil
	}

	req.machine.advance(StateModerating)
	decision := p.moderate(ctx, req)
	if ctx.Err() != nil {
		return p.finish(ctx, req, StateFailed, ReasonCancelled, ctx.Err()), nil
	}
	if !decision.IsSafe {
		return p.finish(ctx, req, StateRejected, decision.Reason, nil), nil
	}

	if err := p.upload(ctx, req); err != nil {
		p.logger.Error("artifact upload failed", "request_id", req.id, "error", err)
		return p.finish(ctx, req, StateFailed, ReasonDeliveryFailed, err), nil
	}
	return p.finish(ctx, req, StateSucceeded, "", nil), nil
}

// generate invokes every stage in order. Each stage sees its static params,
// then the payload, then every earlier output, later keys winning.
func (p *Pipeline) generate(ctx context.Context, req *request, payload map[string]any) error {
	carry := make(map[string]any, len(payload))
	for k, v := range payload {
		carry[k] = v
	}

	for i, stage := range req.plan {
		input := make(map[string]any, len(stage.Params)+len(carry))
		for k, v := range stage.Params {
			input[k] = v
		}
		for k, v := range carry {
			input[k] = v
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("encode input for %s: %w", stage.Flow, err)
		}

		output, err := p.invokeStage(ctx, req, i, stage, raw)
		if err != nil {
			return err
		}

		var fields map[string]any
		if err := json.Unmarshal(output, &fields); err == nil {
			for k, v := range fields {
				carry[k] = v
			}
		}
		req.artifacts = append(req.artifacts, stageOutput{index: i, stage: stage, output: output, fields: fields})
	}
	return nil
}

func (p *Pipeline) invokeStage(ctx context.Context, req *request, index int, stage Stage, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("generation.flow", stage.Flow),
		attribute.Int("generation.stage", index),
	))
	defer span.End()

	var output json.RawMessage
	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx := ctx
		if p.opts.StageTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.opts.StageTimeout)
			defer cancel()
		}
		out, err := p.invoker.Invoke(attemptCtx, stage.Flow, input)
		if err != nil {
			if flows.IsRetryable(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		output = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		p.logger.Warn("stage failed, retrying",
			"request_id", req.id, "flow", stage.Flow, "attempt", attempt, "wait", wait, "error", err)
	})
	span.SetAttributes(attribute.Int("generation.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		return nil, err
	}
	return output, nil
}

// moderate gates every visible artifact. The first unsafe decision wins.
func (p *Pipeline) moderate(ctx context.Context, req *request) moderation.Decision {
	for _, a := range req.artifacts {
		if !a.stage.Visible {
			continue
		}
		content := moderationContent(a)
		_, span := p.tracer.Start(ctx, "pipeline.moderate", trace.WithAttributes(
			attribute.String("generation.flow", a.stage.Flow),
		))
		decision := p.moderator.Evaluate(ctx, content)
		span.SetAttributes(attribute.Bool("moderation.safe", decision.IsSafe))
		span.End()
		if !decision.IsSafe {
			return decision
		}
	}
	return moderation.Decision{IsSafe: true}
}

// upload swaps inline images in the declared image fields of visible
// artifacts for stored URLs.
func (p *Pipeline) upload(ctx context.Context, req *request) error {
	if p.opts.Uploader == nil {
		return nil
	}
	for i := range req.artifacts {
		a := &req.artifacts[i]
		if !a.stage.Visible || a.fields == nil {
			continue
		}
		changed := false
		for _, k := range a.stage.ImageFields {
			s, ok := a.fields[k].(string)
			if !ok || !strings.HasPrefix(s, "data:") {
				continue
			}
			url, err := p.opts.Uploader.Upload(ctx, req.session.UID, s)
			if err != nil {
				return fmt.Errorf("upload %s.%s: %w", a.stage.Flow, k, err)
			}
			a.fields[k] = url
			changed = true
		}
		if changed {
			out, err := json.Marshal(a.fields)
			if err != nil {
				return err
			}
			a.output = out
		}
	}
	return nil
}

// finish moves req to its terminal state, refunds when credits were
// charged but nothing was delivered, then records and reports the outcome.
func (p *Pipeline) finish(ctx context.Context, req *request, to State, reason string, cause error) *Result {
	req.machine.advance(to)

	// refunds and records must land even when the caller has gone away
	detached := context.WithoutCancel(ctx)

	res := &Result{
		RequestID: req.id,
		UserID:    req.session.UID,
		Status:    to.Status(),
		Reason:    reason,
		Cost:      req.cost,
		Simulated: req.handle.Simulated,
		Cause:     cause,
	}

	if req.debited && to != StateSucceeded {
		res.Refunded = p.refund(detached, req)
	}

	if to == StateSucceeded {
		for _, a := range req.artifacts {
			if a.stage.Visible {
				res.Artifacts = append(res.Artifacts, models.Artifact{Stage: a.index, Flow: a.stage.Flow, Output: a.output})
			}
		}
	}

	p.runs.Add(detached, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("generation.status", string(res.Status)))
	if to == StateFailed {
		span.SetStatus(codes.Error, reason)
	}

	logArgs := []any{"request_id", req.id, "user_id", req.session.UID, "status", res.Status, "cost", req.cost}
	if reason != "" {
		logArgs = append(logArgs, "reason", reason)
	}
	if cause != nil {
		logArgs = append(logArgs, "error", cause)
	}
	p.logger.Info("generation finished", logArgs...)

	if p.opts.Recorder != nil {
		stages := make([]string, len(req.plan))
		for i, s := range req.plan {
			stages[i] = s.Flow
		}
		run := models.GenerationRun{
			ID:         req.id,
			UserID:     req.session.UID,
			Recipe:     req.recipe,
			Stages:     stages,
			Status:     res.Status,
			Reason:     reason,
			Cost:       req.cost,
			Refunded:   res.Refunded,
			StartedAt:  req.started,
			FinishedAt: time.Now().UTC(),
		}
		if err := p.opts.Recorder.RecordRun(detached, run); err != nil {
			p.logger.Warn("failed to record generation run", "request_id", req.id, "error", err)
		}
	}
	return res
}

// refund retries a few times; Refund is idempotent so a retry after an
// ambiguous failure cannot credit twice.
func (p *Pipeline) refund(ctx context.Context, req *request) bool {
	var moved bool
	operation := func() error {
		ok, err := p.ledger.Refund(ctx, req.handle)
		if err != nil {
			return err
		}
		moved = ok
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryBackoff
	if err := backoff.Retry(operation, backoff.WithMaxRetries(b, 3)); err != nil {
		p.logger.Error("refund failed", "request_id", req.id, "debit_id", req.handle.ID, "error", err)
		return false
	}
	if moved {
		p.refunded.Add(ctx, req.handle.Amount)
	}
	return moved
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// moderationContent renders the text of an artifact that a user will read.
// Images are judged through the descriptions that accompany them; an
// artifact with nothing readable is still described to the classifier.
func moderationContent(a stageOutput) string {
	if a.fields == nil {
		text := strings.TrimSpace(string(a.output))
		if text == "" || text == "null" {
			return undescribedArtifact(a.stage.Flow)
		}
		return text
	}

	if text := joinFields(a.fields, a.stage.ModerateFields); text != "" {
		return text
	}
	var keys []string
	for k, v := range a.fields {
		if _, ok := v.(string); ok && !slices.Contains(a.stage.ImageFields, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if text := joinFields(a.fields, keys); text != "" {
		return text
	}
	return undescribedArtifact(a.stage.Flow)
}

func joinFields(fields map[string]any, keys []string) string {
	var parts []string
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func undescribedArtifact(flow string) string {
	return fmt.Sprintf("An image produced by the %s flow with no accompanying description.", flow)
}

func failureReason(err error) string {
	var inErr *flows.InputValidationError
	var outErr *flows.OutputValidationError
	var execErr *flows.ExecutorError
	switch {
	case errors.As(err, &inErr):
		return fmt.Sprintf("invalid input for %s: %v", inErr.Flow, inErr.Err)
	case errors.As(err, &outErr):
		return fmt.Sprintf("%s returned a malformed result", outErr.Flow)
	case errors.As(err, &execErr):
		return fmt.Sprintf("%s could not be completed", execErr.Flow)
	case errors.Is(err, flows.ErrUnknownFlow):
		return "unknown flow"
	default:
		return "generation failed"
	}
}
