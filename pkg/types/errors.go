package types

import "fmt"

// ErrorKind enumerates the error taxonomy the core reports: which
// failures are fatal to the current rebalance versus which default to a
// deny-and-continue outcome.
type ErrorKind string

const (
	ErrConfigInvalid            ErrorKind = "config_invalid"
	ErrScorerUnavailable        ErrorKind = "scorer_unavailable"
	ErrRegimeUnavailable        ErrorKind = "regime_unavailable"
	ErrLedgerInvariantViolation ErrorKind = "ledger_invariant_violation"
	ErrProtectionCheckError     ErrorKind = "protection_check_error"
	ErrEventLogUnavailable      ErrorKind = "event_log_unavailable"
)

// CoreError is a typed error carrying one of the ErrorKind values. Fatal
// kinds (everything except ErrProtectionCheckError) abort the current
// rebalance; ErrProtectionCheckError defaults the affected target to
// denied without aborting the batch.
type CoreError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Fatal reports whether this error kind aborts the current rebalance.
func (e *CoreError) Fatal() bool { return e.Kind != ErrProtectionCheckError }

// NewCoreError constructs a CoreError, optionally wrapping a cause.
func NewCoreError(kind ErrorKind, msg string, cause error) *CoreError {
	return &CoreError{Kind: kind, Msg: msg, Err: cause}
}
