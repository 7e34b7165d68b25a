package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// State is the plugin lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned for a transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// stateMachine validates lifecycle transitions. Crashed means the store is
// unreachable beyond the reconnect budget; ingestion keeps accepting until
// the queues fill, and the plugin returns to running once a reconnect succeeds.
type stateMachine struct {
	mu       sync.RWMutex
	state    State
	log      zerolog.Logger
	onChange func(State)
}

func newStateMachine(log zerolog.Logger, onChange func(State)) *stateMachine {
	return &stateMachine{state: StateStopped, log: log, onChange: onChange}
}

// observe replaces the logger and change hook, for a new load.
func (m *stateMachine) observe(log zerolog.Logger, onChange func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log, m.onChange = log, onChange
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func allowed(from, to State) bool {
	switch from {
	case StateStopped:
		return to == StateStarting
	case StateStarting:
		// a failed load goes straight back to stopped
		return to == StateRunning || to == StateStopped
	case StateRunning:
		return to == StateStopping || to == StateCrashed
	case StateCrashed:
		return to == StateRunning || to == StateStopping
	case StateStopping:
		return to == StateStopped
	default:
		return false
	}
}

// TransitionTo moves to next or returns ErrInvalidTransition.
func (m *stateMachine) TransitionTo(next State, reason string) error {
	m.mu.Lock()
	prev := m.state
	if !allowed(prev, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	m.state = next
	log, onChange := m.log, m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(next)
	}
	log.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Str("reason", reason).
		Msg("state_transition")
	return nil
}
