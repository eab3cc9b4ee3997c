package supervisor

import "time"

// Default policy values, matching the historical launch script behavior:
// a clean exit respawns instantly, anything else waits out the backoff.
const (
	DefaultBackoff     = 5 * time.Second
	DefaultGracePeriod = 5 * time.Second
)

// Decision is the restart action chosen after observing an exit
type Decision string

const (
	DecisionRestartNow     Decision = "restart_now"     // Relaunch with no delay
	DecisionRestartBackoff Decision = "restart_backoff" // Relaunch after the backoff delay
	DecisionStop           Decision = "stop"            // Shutdown in progress, no relaunch
)

// Policy describes how the supervisor reacts to each exit outcome
type Policy struct {
	// ImmediateRestartCodes are exit codes that bypass the backoff delay
	ImmediateRestartCodes map[int]bool

	// Backoff is the delay before relaunching after any other outcome
	Backoff time.Duration

	// GracePeriod bounds how long a signaled child may take to exit
	// before it is forcibly killed during shutdown
	GracePeriod time.Duration
}

// DefaultPolicy returns the stock policy: exit 0 restarts immediately,
// everything else waits 5 seconds.
func DefaultPolicy() Policy {
	return NewPolicy([]int{0}, DefaultBackoff, DefaultGracePeriod)
}

// NewPolicy builds a policy from a list of immediate-restart codes
func NewPolicy(immediateCodes []int, backoff, gracePeriod time.Duration) Policy {
	codes := make(map[int]bool, len(immediateCodes))
	for _, c := range immediateCodes {
		codes[c] = true
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return Policy{
		ImmediateRestartCodes: codes,
		Backoff:               backoff,
		GracePeriod:           gracePeriod,
	}
}

// Decide maps an exit status to a restart decision and the delay to apply.
// The loop never gives up: every outcome maps to some relaunch.
func (p Policy) Decide(status ExitStatus) (Decision, time.Duration) {
	if status.Kind == ExitKindExited && p.ImmediateRestartCodes[status.Code] {
		return DecisionRestartNow, 0
	}
	// Signal deaths and launch failures always take the backoff path
	return DecisionRestartBackoff, p.Backoff
}
