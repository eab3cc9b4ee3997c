package supervisor

import "fmt"

// PreconditionError reports a failed precondition step. It is the only
// child-related failure that surfaces out of the supervisor: the restart
// loop is never entered and the process must exit non-zero.
type PreconditionError struct {
	Command string
	Status  ExitStatus
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %q failed: %s", e.Command, e.Status)
}

// Unwrap exposes the underlying launch error, if any
func (e *PreconditionError) Unwrap() error {
	return e.Status.Err
}
