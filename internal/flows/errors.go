package flows

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateFlow is returned when a flow name is registered twice.
	ErrDuplicateFlow = errors.New("flow already registered")
	// ErrUnknownFlow is returned when invoking a name that was never registered.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("flow registry is frozen")
)

// InputValidationError means the input did not satisfy the flow's input
// contract. The executor was not called.
type InputValidationError struct {
	Flow string
	Err  error
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("flow %s: invalid input: %v", e.Flow, e.Err)
}

func (e *InputValidationError) Unwrap() error { return e.Err }

// OutputValidationError means the executor succeeded but returned a value
// that violates the output contract. The value is discarded.
type OutputValidationError struct {
	Flow string
	Err  error
}

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("flow %s: invalid output: %v", e.Flow, e.Err)
}

func (e *OutputValidationError) Unwrap() error { return e.Err }

// ExecutorError wraps any failure of the executor itself: transport,
// quota, timeout, malformed model output.
type ExecutorError struct {
	Flow string
	Err  error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("flow %s: executor failed: %v", e.Flow, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt. Only executor
// failures qualify; contract and lookup errors are deterministic.
func IsRetryable(err error) bool {
	var execErr *ExecutorError
	return errors.As(err, &execErr)
}
