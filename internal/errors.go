package internal

import "strings"

// ErrorKind classifies failures surfaced to Connection and UDP Endpoint
// consumers. Engine-internal failures (bad packet, pool exhaustion) never
// reach this far; only conditions meaningful to the caller do.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrConnectionReset
	ErrConnectionRefused
	ErrConnectionAborted
	ErrClosedRemotely
	ErrIO
	ErrCapacity
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnectionReset:
		return "connection_reset"
	case ErrConnectionRefused:
		return "connection_refused"
	case ErrConnectionAborted:
		return "connection_aborted"
	case ErrClosedRemotely:
		return "closed_remotely"
	case ErrIO:
		return "io"
	case ErrCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// StackError wraps an ErrorKind with the underlying cause, if any.
type StackError struct {
	Kind  ErrorKind
	Cause error
}

func (e *StackError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *StackError) Unwrap() error { return e.Cause }

func newStackError(kind ErrorKind, cause error) *StackError {
	return &StackError{Kind: kind, Cause: cause}
}

// classifyEngineError maps an error surfaced by the engine (gonet's Read or
// Write, which wraps gVisor's own tcpip errors as plain errors) to an
// ErrorKind by inspecting its text, the same technique the teacher's
// failureReason in metrics.go uses to bucket dial failures.
func classifyEngineError(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "reset"):
		return ErrConnectionReset
	case strings.Contains(s, "refused"):
		return ErrConnectionRefused
	case strings.Contains(s, "aborted"):
		return ErrConnectionAborted
	case strings.Contains(s, "closed") || strings.Contains(s, "eof"):
		return ErrClosedRemotely
	case strings.Contains(s, "would block") || strings.Contains(s, "no buffer space"):
		return ErrCapacity
	default:
		return ErrIO
	}
}
