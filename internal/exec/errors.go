package exec

import (
	"errors"
	"fmt"
)

// ErrProtocol marks responses from a remote executor that violate the
// remote execution protocol. Errors matching it make Fallback run locally.
var ErrProtocol = errors.New("remote execution protocol violation")

// ErrorKind classifies execution failures.
type ErrorKind int

const (
	// Timeout means the process outlived its action timeout.
	Timeout ErrorKind = iota + 1
	// NonZeroExit is reported only after retries of a non-cacheable action
	// are exhausted; otherwise a non-zero exit is a normal Result.
	NonZeroExit
	// SandboxSetupFailure covers everything that prevents the process from
	// starting: materializing inputs, creating the sandbox, exec failures.
	SandboxSetupFailure
	// RemoteUnavailable means the remote cluster could not be reached.
	RemoteUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case NonZeroExit:
		return "NonZeroExit"
	case SandboxSetupFailure:
		return "SandboxSetupFailure"
	case RemoteUnavailable:
		return "RemoteUnavailable"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ExecutionError is returned by runners when an action could not produce a
// Result.
type ExecutionError struct {
	Kind        ErrorKind
	Description string
	// ExitCode is set for NonZeroExit.
	ExitCode int
	// Result is the last result observed, if any.
	Result *Result
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := e.Kind.String()
	if e.Description != "" {
		msg = fmt.Sprintf("%s: %s", e.Description, msg)
	}
	if e.Kind == NonZeroExit {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsKind reports whether err is an *ExecutionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Kind == kind
}
