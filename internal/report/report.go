// Package report keeps a bounded history of child attempts for the
// status endpoint and the end-of-run summary.
package report

import (
	"sync"
	"time"

	"github.com/LittleBlackStarVisualEffects/ayon-backend/internal/supervisor"
)

// Result is the immutable record of one child attempt. Set once, never
// changed.
type Result struct {
	Attempt   int       `json:"attempt"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	Runtime   float64   `json:"runtime_seconds"`
	Decision  string    `json:"decision"`
	Delay     float64   `json:"delay_seconds"`
}

// Recorder collects attempt results, keeping at most maxResults of the
// most recent ones. It implements supervisor.Observer.
type Recorder struct {
	mu         sync.RWMutex
	maxResults int
	results    []Result
	pending    map[int]time.Time // attempt -> start time

	started   int
	immediate int
	backedOff int
}

// DefaultMaxResults bounds the in-memory history
const DefaultMaxResults = 64

// NewRecorder creates a recorder holding up to maxResults attempts.
// Zero or negative means DefaultMaxResults.
func NewRecorder(maxResults int) *Recorder {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Recorder{
		maxResults: maxResults,
		pending:    make(map[int]time.Time),
	}
}

// ChildStarted implements supervisor.Observer
func (r *Recorder) ChildStarted(attempt, pid int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	r.pending[attempt] = at
}

// ChildExited implements supervisor.Observer
func (r *Recorder) ChildExited(attempt, pid int, status supervisor.ExitStatus, runtime time.Duration, decision supervisor.Decision, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	startedAt := r.pending[attempt]
	delete(r.pending, attempt)

	switch decision {
	case supervisor.DecisionRestartNow:
		r.immediate++
	case supervisor.DecisionRestartBackoff:
		r.backedOff++
	}

	r.results = append(r.results, Result{
		Attempt:   attempt,
		PID:       pid,
		StartedAt: startedAt,
		Status:    status.String(),
		Runtime:   runtime.Seconds(),
		Decision:  string(decision),
		Delay:     delay.Seconds(),
	})
	if len(r.results) > r.maxResults {
		r.results = r.results[len(r.results)-r.maxResults:]
	}
}

// Results returns a copy of the recorded attempts, oldest first
func (r *Recorder) Results() []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Summary holds aggregate counters for the status endpoint
type Summary struct {
	Started          int `json:"started"`
	ImmediateRestart int `json:"immediate_restarts"`
	BackoffRestart   int `json:"backoff_restarts"`
}

// Summarize returns aggregate counters over all attempts, including
// ones that have rotated out of the history
func (r *Recorder) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Summary{
		Started:          r.started,
		ImmediateRestart: r.immediate,
		BackoffRestart:   r.backedOff,
	}
}
