// Package moderation decides whether generated content may be shown on a
// child-facing surface. The gate fails closed: when a classification cannot
// be completed the content is treated as unsafe.
package moderation

import (
	"context"
	"strings"
	"time"
)

// Reasons reported when the classifier does not supply one.
const (
	ReasonUnverified = "content could not be verified as safe"
	ReasonUnsafe     = "content was judged unsafe"
)

// Decision is the outcome of one moderation call. Reason is always set when
// IsSafe is false.
type Decision struct {
	IsSafe bool   `json:"isSafe"`
	Reason string `json:"reason,omitempty"`
}

// Classifier performs the actual safety classification.
type Classifier interface {
	Classify(ctx context.Context, content string) (Decision, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Gate wraps a Classifier with the fail-closed policy and a per-call timeout.
type Gate struct {
	classifier Classifier
	timeout    time.Duration
	logger     Logger
}

// NewGate creates a Gate. A zero timeout means the caller's deadline only.
func NewGate(classifier Classifier, timeout time.Duration, logger Logger) *Gate {
	return &Gate{classifier: classifier, timeout: timeout, logger: logger}
}

// Evaluate classifies content. It never returns an error: every failure of
// the classifier becomes an unsafe decision.
func (g *Gate) Evaluate(ctx context.Context, content string) Decision {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	decision, err := g.classifier.Classify(ctx, content)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("moderation check failed, rejecting content", "error", err)
		}
		return Decision{IsSafe: false, Reason: ReasonUnverified}
	}

	if !decision.IsSafe && strings.TrimSpace(decision.Reason) == "" {
		decision.Reason = ReasonUnsafe
	}
	if decision.IsSafe {
		decision.Reason = ""
	}
	return decision
}
