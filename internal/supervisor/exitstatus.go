package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitKind classifies how a child process attempt ended
type ExitKind string

const (
	ExitKindExited        ExitKind = "exited"         // Normal exit with a code
	ExitKindSignaled      ExitKind = "signaled"       // Terminated by a signal
	ExitKindLaunchFailure ExitKind = "launch_failure" // Process never started
)

// ExitStatus is the immutable outcome of a single child attempt.
// Exactly one of Code, Signal or Err is meaningful, selected by Kind.
type ExitStatus struct {
	Kind   ExitKind
	Code   int
	Signal syscall.Signal
	Err    error
}

// Exited builds a status for a normal exit with the given code
func Exited(code int) ExitStatus {
	return ExitStatus{Kind: ExitKindExited, Code: code}
}

// Signaled builds a status for a child killed by a signal
func Signaled(sig syscall.Signal) ExitStatus {
	return ExitStatus{Kind: ExitKindSignaled, Signal: sig}
}

// LaunchFailed builds a status for a child that could not be started
func LaunchFailed(err error) ExitStatus {
	return ExitStatus{Kind: ExitKindLaunchFailure, Err: err}
}

// String renders the status for logs and reports
func (s ExitStatus) String() string {
	switch s.Kind {
	case ExitKindExited:
		return fmt.Sprintf("exit code %d", s.Code)
	case ExitKindSignaled:
		return fmt.Sprintf("killed by %s", SignalName(s.Signal))
	case ExitKindLaunchFailure:
		return fmt.Sprintf("launch failure: %v", s.Err)
	default:
		return "unknown"
	}
}

// statusFromWait converts the error from exec.Cmd.Wait into a typed status
func statusFromWait(err error) ExitStatus {
	if err == nil {
		return Exited(0)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Signaled(status.Signal())
		}
		return Exited(exitErr.ExitCode())
	}

	// Wait itself failed without the process producing an exit status
	return LaunchFailed(err)
}

// SignalName returns the symbolic name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}
