package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout ends monitoring when MaxAttempts or Timeout is exhausted
	// before the transaction is finalized.
	ErrTimeout = errors.New("confirmation timed out")

	// ErrTransactionFailed means the ledger included the transaction but
	// its execution failed.
	ErrTransactionFailed = errors.New("transaction failed on ledger")

	// ErrAlreadyStarted is returned by Start on a monitor that was started
	// or stopped before.
	ErrAlreadyStarted = errors.New("monitor already started")
)

// NetworkError wraps a failed status query.
type NetworkError struct {
	Signature string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("status query for %s failed: %v", e.Signature, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Reason classifies a terminal error for metrics and events.
func Reason(err error) string {
	var nerr *NetworkError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionFailed):
		return "ledger_error"
	case errors.As(err, &nerr):
		return "network"
	default:
		return "unknown"
	}
}
