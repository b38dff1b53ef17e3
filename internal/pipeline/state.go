package pipeline

import (
	"errors"
	"fmt"

	"doodle-forge/backend/pkg/models"
)

// State is a step of the per-request state machine.
type State string

const (
	StateCreated     State = "created"
	StateAuthorizing State = "authorizing"
	StateDebited     State = "debited"
	StateGenerating  State = "generating"
	StateModerating  State = "moderating"
	StateSucceeded   State = "succeeded"
	StateRejected    State = "rejected"
	StateDenied      State = "denied"
	StateFailed      State = "failed"
)

// ErrIllegalTransition is returned for a move the state machine does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateCreated:     {StateAuthorizing},
	StateAuthorizing: {StateDebited, StateDenied, StateFailed},
	StateDebited:     {StateGenerating, StateFailed},
	StateGenerating:  {StateModerating, StateFailed},
	StateModerating:  {StateSucceeded, StateRejected, StateFailed},
}

// Terminal reports whether s ends the request.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateRejected, StateDenied, StateFailed:
		return true
	}
	return false
}

// Status maps a terminal state to its caller-visible status.
func (s State) Status() models.GenerationStatus {
	switch s {
	case StateSucceeded:
		return models.StatusSucceeded
	case StateRejected:
		return models.StatusRejected
	case StateDenied:
		return models.StatusDenied
	default:
		return models.StatusFailed
	}
}

// Transition checks that from may move to to.
func Transition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// machine tracks one request's current state.
type machine struct {
	state State
}

func newMachine() *machine {
	return &machine{state: StateCreated}
}

// advance panics on an illegal move; only pipeline code drives the machine.
func (m *machine) advance(to State) {
	if err := Transition(m.state, to); err != nil {
		panic(err)
	}
	m.state = to
}
