package types

// ConnectorState is the single authoritative lifecycle state of a
// connector runtime. Transitions are strictly forward except into
// StateError, which is terminal and reachable from any state.
type ConnectorState int32

const (
	StateCreated ConnectorState = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s ConnectorState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s ConnectorState) CanTransition(next ConnectorState) bool {
	if next == StateError {
		return s != StateError
	}
	switch s {
	case StateCreated:
		return next == StateInitializing
	case StateInitializing:
		return next == StateRunning
	case StateRunning:
		return next == StateStopping
	case StateStopping:
		return next == StateStopped
	default:
		return false
	}
}
