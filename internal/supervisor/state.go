package supervisor

import "fmt"

// Supervisor lifecycle states
const (
	StateIdle    State = "idle"    // No child running
	StateRunning State = "running" // Child process active
	StateStopped State = "stopped" // Terminal, reached only via cancellation
)

// State represents the supervisor's position in its lifecycle
type State string

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateRunning: true, // Idle → Running (child launched)
		StateStopped: true, // Idle → Stopped (cancelled between attempts)
	},
	StateRunning: {
		StateIdle:    true, // Running → Idle (child exited, any cause)
		StateStopped: true, // Running → Stopped (cancelled, child terminated)
	},
	// Terminal state (no transitions allowed)
	StateStopped: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are possible
func IsTerminalState(state State) bool {
	return state == StateStopped
}
