package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/LittleBlackStarVisualEffects/ayon-backend/pkg/logging"
)

// recordingObserver tracks lifecycle callbacks and can cancel the
// supervision context once enough starts or exits have been seen
type recordingObserver struct {
	mu      sync.Mutex
	starts  []time.Time
	exits   []exitRecord
	running bool
	overlap bool

	onStart func(count int)
	onExit  func(count int)
}

type exitRecord struct {
	status   ExitStatus
	decision Decision
	delay    time.Duration
	at       time.Time
}

func (o *recordingObserver) ChildStarted(attempt, pid int, at time.Time) {
	o.mu.Lock()
	if o.running {
		o.overlap = true
	}
	o.running = true
	o.starts = append(o.starts, at)
	count := len(o.starts)
	fn := o.onStart
	o.mu.Unlock()

	if fn != nil {
		fn(count)
	}
}

func (o *recordingObserver) ChildExited(attempt, pid int, status ExitStatus, runtime time.Duration, decision Decision, delay time.Duration) {
	o.mu.Lock()
	o.running = false
	o.exits = append(o.exits, exitRecord{status: status, decision: decision, delay: delay, at: time.Now()})
	count := len(o.exits)
	fn := o.onExit
	o.mu.Unlock()

	if fn != nil {
		fn(count)
	}
}

func (o *recordingObserver) snapshot() ([]time.Time, []exitRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	starts := make([]time.Time, len(o.starts))
	copy(starts, o.starts)
	exits := make([]exitRecord, len(o.exits))
	copy(exits, o.exits)
	return starts, exits, o.overlap
}

func quietLogger() *logging.Logger {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	return log
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	cfg.Stdout = io.Discard
	cfg.Stderr = io.Discard
	sup, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

// Scenario A: clean exits relaunch with no injected delay
func TestImmediateRestartOnCleanExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	obs.onStart = func(count int) {
		if count >= 3 {
			cancel()
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "true",
		Policy:  NewPolicy([]int{0}, 5*time.Second, time.Second),
	})
	sup.AddObserver(obs)

	begin := time.Now()
	if err := sup.Supervise(ctx); err != nil {
		t.Fatalf("Supervise: %v", err)
	}
	elapsed := time.Since(begin)

	starts, exits, overlap := obs.snapshot()
	if len(starts) < 3 {
		t.Fatalf("expected at least 3 launches, got %d", len(starts))
	}
	if overlap {
		t.Error("observed overlapping child processes")
	}
	// Three clean exits with a 5s backoff configured: finishing fast
	// proves no backoff was injected
	if elapsed > 2*time.Second {
		t.Errorf("immediate restarts took %s, backoff was applied", elapsed)
	}
	for _, exit := range exits {
		if exit.decision == DecisionStop {
			continue
		}
		if exit.status.Kind == ExitKindExited && exit.status.Code == 0 && exit.decision != DecisionRestartNow {
			t.Errorf("clean exit decided %s, want %s", exit.decision, DecisionRestartNow)
		}
	}
	if sup.State() != StateStopped {
		t.Errorf("state after cancellation = %s, want %s", sup.State(), StateStopped)
	}
}

// Scenario B: a nonzero exit waits out the backoff before relaunching
func TestBackoffOnAbnormalExit(t *testing.T) {
	const backoff = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	obs.onStart = func(count int) {
		if count >= 2 {
			cancel()
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "sh",
		Args:    []string{"-c", "exit 1"},
		Policy:  NewPolicy([]int{0}, backoff, time.Second),
	})
	sup.AddObserver(obs)

	if err := sup.Supervise(ctx); err != nil {
		t.Fatalf("Supervise: %v", err)
	}

	starts, exits, _ := obs.snapshot()
	if len(starts) < 2 {
		t.Fatalf("expected a relaunch, got %d starts", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < backoff {
		t.Errorf("relaunch after %s, want at least %s", gap, backoff)
	}
	if exits[0].status.Kind != ExitKindExited || exits[0].status.Code != 1 {
		t.Errorf("first exit = %s, want exit code 1", exits[0].status)
	}
	if exits[0].decision != DecisionRestartBackoff {
		t.Errorf("decision = %s, want %s", exits[0].decision, DecisionRestartBackoff)
	}
}

// Scenario D: a child killed by SIGKILL takes the backoff path
func TestSignalDeathBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	obs.onExit = func(count int) {
		if count >= 1 {
			cancel()
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "sh",
		Args:    []string{"-c", "kill -9 $$"},
		Policy:  NewPolicy([]int{0}, 200*time.Millisecond, time.Second),
	})
	sup.AddObserver(obs)

	if err := sup.Supervise(ctx); err != nil {
		t.Fatalf("Supervise: %v", err)
	}

	_, exits, _ := obs.snapshot()
	if len(exits) == 0 {
		t.Fatal("no exit recorded")
	}
	if exits[0].status.Kind != ExitKindSignaled || exits[0].status.Signal != syscall.SIGKILL {
		t.Errorf("exit = %s, want killed by SIGKILL", exits[0].status)
	}
	if exits[0].decision != DecisionRestartBackoff {
		t.Errorf("decision = %s, want %s", exits[0].decision, DecisionRestartBackoff)
	}
}

// A missing executable is an abnormal outcome, never fatal
func TestLaunchFailureBacksOffAndRetries(t *testing.T) {
	const backoff = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	obs.onExit = func(count int) {
		if count >= 2 {
			cancel()
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "/nonexistent/definitely-not-a-binary",
		Policy:  NewPolicy([]int{0}, backoff, time.Second),
	})
	sup.AddObserver(obs)

	if err := sup.Supervise(ctx); err != nil {
		t.Fatalf("Supervise must absorb launch failures, got %v", err)
	}

	starts, exits, _ := obs.snapshot()
	if len(starts) != 0 {
		t.Errorf("launch failures must not report starts, got %d", len(starts))
	}
	if len(exits) < 2 {
		t.Fatalf("expected repeated launch attempts, got %d", len(exits))
	}
	for _, exit := range exits {
		if exit.status.Kind != ExitKindLaunchFailure {
			t.Errorf("exit = %s, want launch failure", exit.status)
		}
		if exit.delay != backoff {
			t.Errorf("delay = %s, want %s", exit.delay, backoff)
		}
	}
	if gap := exits[1].at.Sub(exits[0].at); gap < backoff {
		t.Errorf("retry after %s, want at least %s", gap, backoff)
	}
}

// Cancellation forwards the signal to the child and exits without a
// relaunch
func TestCancellationStopsChildWithoutRelaunch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 1)
	obs := &recordingObserver{}
	obs.onStart = func(count int) {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "sleep",
		Args:    []string{"60"},
		Policy:  NewPolicy([]int{0}, 5*time.Second, 2*time.Second),
	})
	sup.AddObserver(obs)
	sup.SetStopSignal(func() os.Signal { return syscall.SIGTERM })

	done := make(chan error, 1)
	go func() {
		done <- sup.Supervise(ctx)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("child never started")
	}

	begin := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Supervise: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	if elapsed := time.Since(begin); elapsed > 3*time.Second {
		t.Errorf("shutdown took %s, SIGTERM should end sleep immediately", elapsed)
	}

	starts, _, _ := obs.snapshot()
	if len(starts) != 1 {
		t.Errorf("expected no relaunch after cancellation, got %d starts", len(starts))
	}
	if sup.State() != StateStopped {
		t.Errorf("state = %s, want %s", sup.State(), StateStopped)
	}
}

// A child that ignores the forwarded signal is killed after the grace
// period
func TestGracePeriodForcesKill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 1)
	obs := &recordingObserver{}
	obs.onStart = func(count int) {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "sh",
		Args:    []string{"-c", `trap "" TERM; while true; do sleep 1; done`},
		Policy:  NewPolicy([]int{0}, 5*time.Second, 300*time.Millisecond),
	})
	sup.AddObserver(obs)

	done := make(chan error, 1)
	go func() {
		done <- sup.Supervise(ctx)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("child never started")
	}
	// Give the shell a moment to install its trap
	time.Sleep(200 * time.Millisecond)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Supervise: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor hung on a child that ignores SIGTERM")
	}
}

// The status endpoint reads State from its own goroutine while the
// supervision loop transitions through restarts
func TestStateReadableDuringSupervision(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	obs.onStart = func(count int) {
		if count >= 3 {
			cancel()
		}
	}

	sup := newTestSupervisor(t, Config{
		Command: "true",
		Policy:  NewPolicy([]int{0}, 5*time.Second, time.Second),
	})
	sup.AddObserver(obs)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if st := sup.State(); st != StateIdle && st != StateRunning && st != StateStopped {
				t.Errorf("observed unknown state %q", st)
				return
			}
		}
	}()

	if err := sup.Supervise(ctx); err != nil {
		t.Fatalf("Supervise: %v", err)
	}
	close(stop)
	wg.Wait()

	if sup.State() != StateStopped {
		t.Errorf("state = %s, want %s", sup.State(), StateStopped)
	}
}

func TestRunPrecondition(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		sup := newTestSupervisor(t, Config{
			Command:      "true",
			Precondition: "true",
		})
		if err := sup.RunPrecondition(context.Background()); err != nil {
			t.Fatalf("RunPrecondition: %v", err)
		}
	})

	t.Run("no precondition configured", func(t *testing.T) {
		sup := newTestSupervisor(t, Config{Command: "true"})
		if err := sup.RunPrecondition(context.Background()); err != nil {
			t.Fatalf("RunPrecondition without precondition: %v", err)
		}
	})

	// Scenario C: a failing precondition aborts before any launch
	t.Run("failure", func(t *testing.T) {
		sup := newTestSupervisor(t, Config{
			Command:      "true",
			Precondition: "false",
		})
		err := sup.RunPrecondition(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		var preErr *PreconditionError
		if !errors.As(err, &preErr) {
			t.Fatalf("expected *PreconditionError, got %T", err)
		}
		if preErr.Status.Kind != ExitKindExited || preErr.Status.Code != 1 {
			t.Errorf("status = %s, want exit code 1", preErr.Status)
		}
	})

	t.Run("missing command", func(t *testing.T) {
		sup := newTestSupervisor(t, Config{
			Command:      "true",
			Precondition: "/nonexistent/definitely-not-a-binary",
		})
		var preErr *PreconditionError
		if err := sup.RunPrecondition(context.Background()); !errors.As(err, &preErr) {
			t.Fatalf("expected *PreconditionError, got %v", err)
		}
	})

	t.Run("retries until success", func(t *testing.T) {
		dir := t.TempDir()
		marker := dir + "/ran-once"

		sup := newTestSupervisor(t, Config{
			Command:             "true",
			Precondition:        "sh",
			PreconditionArgs:    []string{"-c", "test -f " + marker + " || { touch " + marker + "; exit 1; }"},
			PreconditionRetries: 2,
		})
		if err := sup.RunPrecondition(context.Background()); err != nil {
			t.Fatalf("RunPrecondition with retries: %v", err)
		}
	})
}
