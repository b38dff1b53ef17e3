package moderation

import (
	"context"
	"encoding/json"
	"fmt"

	"doodle-forge/backend/internal/flows"
)

// Invoker runs a registered flow.
type Invoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// FlowClassifier classifies content with the registry's moderate flow.
type FlowClassifier struct {
	invoker Invoker
	flow    string
}

// NewFlowClassifier creates a FlowClassifier backed by flows.FlowModerate.
func NewFlowClassifier(invoker Invoker) *FlowClassifier {
	return &FlowClassifier{invoker: invoker, flow: flows.FlowModerate}
}

// Classify implements Classifier.
func (c *FlowClassifier) Classify(ctx context.Context, content string) (Decision, error) {
	input, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return Decision{}, fmt.Errorf("marshal moderation input: %w", err)
	}

	output, err := c.invoker.Invoke(ctx, c.flow, input)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	if err := json.Unmarshal(output, &decision); err != nil {
		return Decision{}, fmt.Errorf("parse moderation decision: %w", err)
	}
	return decision, nil
}
