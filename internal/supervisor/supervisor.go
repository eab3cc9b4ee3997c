// Package supervisor implements a restart loop around a single child
// process. It runs a one-shot precondition command, then launches the
// supervised command forever, restarting it on exit: instantly for exit
// codes in the immediate-restart set, after a fixed backoff otherwise.
// The loop terminates only through context cancellation, which forwards
// the termination signal to the child and bounds its shutdown with a
// grace period.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/LittleBlackStarVisualEffects/ayon-backend/pkg/logging"
	"github.com/LittleBlackStarVisualEffects/ayon-backend/pkg/retry"
)

// Observer receives lifecycle notifications for every child attempt.
// Callbacks are invoked from the supervising goroutine, in order.
type Observer interface {
	ChildStarted(attempt, pid int, at time.Time)
	ChildExited(attempt, pid int, status ExitStatus, runtime time.Duration, decision Decision, delay time.Duration)
}

// Config holds the immutable supervisor configuration
type Config struct {
	// Command and Args form the supervised command line
	Command string
	Args    []string

	// Precondition is a one-shot command that must exit 0 before the
	// loop starts. Empty means no precondition.
	Precondition     string
	PreconditionArgs []string

	// PreconditionRetries is the number of extra attempts before the
	// precondition is declared failed. Zero means a single attempt.
	PreconditionRetries int

	Policy Policy

	// Stdout and Stderr default to the supervisor's own streams so the
	// child's output stays visible
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor owns the child-process slot and the restart policy.
// All of its logic runs on the goroutine that calls Supervise; the
// "at most one child" invariant is structural.
type Supervisor struct {
	cfg       Config
	policy    Policy
	log       *logging.Logger
	observers []Observer

	stateMu sync.RWMutex
	state   State
	attempt int

	// stopSignal reports which termination signal was received, so it
	// can be forwarded to the child verbatim. Nil falls back to SIGTERM.
	stopSignal func() os.Signal
}

// New validates the configuration and builds a supervisor
func New(cfg Config, log *logging.Logger) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no supervised command configured")
	}
	if cfg.Policy.ImmediateRestartCodes == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Supervisor{
		cfg:    cfg,
		policy: cfg.Policy,
		log:    log,
		state:  StateIdle,
	}, nil
}

// AddObserver registers a lifecycle observer. Not safe to call once
// Supervise is running.
func (s *Supervisor) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// SetStopSignal installs the source of the received termination signal
func (s *Supervisor) SetStopSignal(fn func() os.Signal) {
	s.stopSignal = fn
}

// State returns the current lifecycle state. Safe to call from other
// goroutines, e.g. the status endpoint.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// RunPrecondition executes the configured one-shot command synchronously.
// A non-zero exit or a launch failure yields *PreconditionError; the
// restart loop must not be entered in that case.
func (s *Supervisor) RunPrecondition(ctx context.Context) error {
	if s.cfg.Precondition == "" {
		return nil
	}

	s.log.Info("running precondition", map[string]interface{}{
		"command": s.cfg.Precondition,
	})

	var status ExitStatus
	retryCfg := retry.Config{
		MaxRetries:     s.cfg.PreconditionRetries,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
	err := retry.Do(ctx, retryCfg, func() error {
		cmd := exec.CommandContext(ctx, s.cfg.Precondition, s.cfg.PreconditionArgs...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = s.cfg.Stdout
		cmd.Stderr = s.cfg.Stderr

		if err := cmd.Run(); err != nil {
			status = statusFromWait(err)
			return err
		}
		return nil
	})
	if err != nil {
		return &PreconditionError{Command: s.cfg.Precondition, Status: status}
	}

	s.log.Info("precondition completed")
	return nil
}

// Supervise runs the restart loop until ctx is cancelled. It never
// returns because of child failures; cancellation is the only exit,
// and it returns nil so the supervisor process can exit 0.
func (s *Supervisor) Supervise(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.transition(StateStopped)
			return nil
		}

		s.attempt++
		startedAt := time.Now()

		cmd, err := s.launch()
		if err != nil {
			// Executable missing, permission denied and friends are
			// transient as far as the loop is concerned
			status := LaunchFailed(err)
			decision, delay := s.policy.Decide(status)
			s.log.Warn("child failed to launch", map[string]interface{}{
				"attempt": s.attempt,
				"error":   err.Error(),
				"backoff": delay.String(),
			})
			s.notifyExited(s.attempt, 0, status, 0, decision, delay)
			if !s.sleep(ctx, delay) {
				s.transition(StateStopped)
				return nil
			}
			continue
		}

		pid := cmd.Process.Pid
		s.transition(StateRunning)
		s.log.Info("child started", map[string]interface{}{
			"attempt": s.attempt,
			"pid":     pid,
		})
		s.notifyStarted(s.attempt, pid, startedAt)

		exitCh := make(chan error, 1)
		go func() {
			exitCh <- cmd.Wait()
		}()

		select {
		case <-ctx.Done():
			status := s.terminate(pid, exitCh)
			runtime := time.Since(startedAt)
			s.transition(StateStopped)
			s.notifyExited(s.attempt, pid, status, runtime, DecisionStop, 0)
			s.log.Info("supervisor stopped", map[string]interface{}{
				"pid":     pid,
				"status":  status.String(),
				"runtime": runtime.String(),
			})
			return nil

		case waitErr := <-exitCh:
			status := statusFromWait(waitErr)
			runtime := time.Since(startedAt)
			s.transition(StateIdle)

			decision, delay := s.policy.Decide(status)
			switch decision {
			case DecisionRestartNow:
				s.log.Info("child exited, restarting immediately", map[string]interface{}{
					"attempt": s.attempt,
					"pid":     pid,
					"status":  status.String(),
					"runtime": runtime.String(),
				})
			default:
				s.log.Warn("child exited abnormally, backing off", map[string]interface{}{
					"attempt": s.attempt,
					"pid":     pid,
					"status":  status.String(),
					"runtime": runtime.String(),
					"backoff": delay.String(),
				})
			}
			s.notifyExited(s.attempt, pid, status, runtime, decision, delay)

			if !s.sleep(ctx, delay) {
				s.transition(StateStopped)
				return nil
			}
		}
	}
}

// launch starts one child attempt in its own process group, with the
// supervisor's standard streams attached
func (s *Supervisor) launch() (*exec.Cmd, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)

	// Own process group, so forwarded signals reach the whole child tree
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// terminate forwards the received termination signal to the child's
// process group, waits up to GracePeriod for it to exit, then kills it
func (s *Supervisor) terminate(pid int, exitCh <-chan error) ExitStatus {
	sig := syscall.SIGTERM
	if s.stopSignal != nil {
		if received, ok := s.stopSignal().(syscall.Signal); ok && received != 0 {
			sig = received
		}
	}

	s.log.Info("forwarding signal to child", map[string]interface{}{
		"pid":    pid,
		"signal": SignalName(sig),
	})
	if err := syscall.Kill(-pid, sig); err != nil {
		s.log.Warn("failed to signal child", map[string]interface{}{
			"pid":   pid,
			"error": err.Error(),
		})
	}

	select {
	case waitErr := <-exitCh:
		return statusFromWait(waitErr)
	case <-time.After(s.policy.GracePeriod):
		s.log.Warn("grace period expired, killing child", map[string]interface{}{
			"pid":   pid,
			"grace": s.policy.GracePeriod.String(),
		})
		syscall.Kill(-pid, syscall.SIGKILL)
		return statusFromWait(<-exitCh)
	}
}

// sleep waits for the given delay, returning false if ctx is cancelled
// first. A zero delay only checks for cancellation.
func (s *Supervisor) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// transition moves the lifecycle state, logging invalid transitions
// instead of failing: the loop structure is the real guarantee
func (s *Supervisor) transition(to State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == to {
		return
	}
	if err := ValidateTransition(s.state, to); err != nil {
		s.log.Error("state transition rejected", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.state = to
}

func (s *Supervisor) notifyStarted(attempt, pid int, at time.Time) {
	for _, o := range s.observers {
		o.ChildStarted(attempt, pid, at)
	}
}

func (s *Supervisor) notifyExited(attempt, pid int, status ExitStatus, runtime time.Duration, decision Decision, delay time.Duration) {
	for _, o := range s.observers {
		o.ChildExited(attempt, pid, status, runtime, decision, delay)
	}
}
