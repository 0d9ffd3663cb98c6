package turn

import "fmt"

// ErrorKind classifies every turn-fatal error into one of these so the
// caller (and the host-facing
// Error event) can tell a configuration mistake from a transient
// transport failure from an internal invariant violation.
type ErrorKind string

const (
	ErrorConfiguration ErrorKind = "configuration"
	ErrorTransport     ErrorKind = "transport"
	ErrorRateLimit     ErrorKind = "rate_limit"
	ErrorValidation    ErrorKind = "validation"
	ErrorSandbox       ErrorKind = "sandbox_violation"
	ErrorExecution     ErrorKind = "execution"
	ErrorCancellation  ErrorKind = "cancellation"
	ErrorInternal      ErrorKind = "internal"
)

// EngineError wraps a turn-fatal cause with its classification. Tool-local
// errors (validation, sandbox violation, execution) never get wrapped into
// one of these — they stay as models.ToolResult{IsError: true} so the
// model can see and correct them instead of aborting the turn.
type EngineError struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("turn: %s: %s", e.Kind, e.Msg)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Retryable reports whether the Turn Engine's backoff loop should retry
// the operation that produced this error. Only Transport and RateLimit
// are retryable; every other kind is surfaced and the turn aborts.
func (e *EngineError) Retryable() bool {
	switch e.Kind {
	case ErrorTransport, ErrorRateLimit:
		return true
	default:
		return false
	}
}

func newEngineError(kind ErrorKind, msg string, cause error) *EngineError {
	return &EngineError{Kind: kind, Msg: msg, Cause: cause}
}
