// Package flows provides the typed catalogue of named generation operations.
//
// Every flow declares an input and an output contract. The registry checks
// input before spending an executor call and refuses to hand back output
// that does not match the declared shape.
package flows

import (
	"context"
	"encoding/json"
)

// Executor runs a flow against the model backend.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// ExecutorSource hands out executors by flow name. The model sidecar client
// implements it.
type ExecutorSource interface {
	Executor(flow string) Executor
}

// Flow is a registered generation operation.
type Flow struct {
	Name        string
	Description string
	Input       *Contract
	Output      *Contract
	executor    Executor
}
