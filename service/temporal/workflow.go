package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/campuspay/service/monitor"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultMaxAttempts bounds a confirmation workflow that did not set
// MaxAttempts: 150 polls at the default 2s interval is five minutes.
const DefaultMaxAttempts = 150

// ConfirmTransactionInput contains the input parameters for confirming a transaction.
type ConfirmTransactionInput struct {
	RecordID     string        `json:"record_id"`
	Signature    string        `json:"signature"`
	PollInterval time.Duration `json:"poll_interval"`
	MaxAttempts  int           `json:"max_attempts"`
}

// ConfirmTransactionResult contains the outcome of a confirmation workflow.
type ConfirmTransactionResult struct {
	RecordID  string         `json:"record_id"`
	Signature string         `json:"signature"`
	Status    monitor.Status `json:"status"`
	Steps     []monitor.Step `json:"steps"`
	Attempts  int            `json:"attempts"`
	Reason    string         `json:"reason,omitempty"`
	Error     *string        `json:"error,omitempty"`
}

// ConfirmTransactionWorkflow polls the ledger for a signature until it is
// finalized, fails, or runs out of attempts. It drives the same step
// machine as an in-process monitor and records every transition through
// the RecordStatus activity.
//
// A transaction that fails to confirm is a successful workflow run with
// Status failed; the workflow itself only errors when a transition cannot
// be recorded.
func ConfirmTransactionWorkflow(ctx workflow.Context, input ConfirmTransactionInput) (*ConfirmTransactionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ConfirmTransactionWorkflow started",
		"record_id", input.RecordID,
		"signature", input.Signature,
	)

	if input.PollInterval <= 0 {
		input.PollInterval = monitor.DefaultPollInterval
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = DefaultMaxAttempts
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	tracker := monitor.NewTracker(func() time.Time { return workflow.Now(ctx) })
	result := &ConfirmTransactionResult{
		RecordID:  input.RecordID,
		Signature: input.Signature,
	}

	record := func(confirmations *uint64, cause error) error {
		in := RecordStatusInput{
			RecordID:      input.RecordID,
			Signature:     input.Signature,
			Status:        tracker.Status(),
			Confirmations: confirmations,
			Steps:         tracker.Steps(),
		}
		if cause != nil {
			in.Error = cause.Error()
			in.Reason = monitor.Reason(cause)
		}
		return workflow.ExecuteActivity(ctx, a.RecordStatus, in).Get(ctx, nil)
	}

	finish := func(cause error) (*ConfirmTransactionResult, error) {
		if cause != nil && tracker.Fail() {
			if err := record(nil, cause); err != nil {
				return result, fmt.Errorf("failed to record failure: %w", err)
			}
			msg := cause.Error()
			result.Error = &msg
			result.Reason = monitor.Reason(cause)
			logger.Warn("transaction failed to confirm",
				"record_id", input.RecordID,
				"reason", result.Reason,
				"error", cause,
			)
		}
		result.Status = tracker.Status()
		result.Steps = tracker.Steps()
		return result, nil
	}

	tracker.Begin()
	if err := record(nil, nil); err != nil {
		return result, fmt.Errorf("failed to record processing: %w", err)
	}

	for result.Attempts < input.MaxAttempts {
		if err := workflow.Sleep(ctx, input.PollInterval); err != nil {
			// cancelled
			return finish(nil)
		}
		result.Attempts++

		var status *monitor.SignatureStatus
		err := workflow.ExecuteActivity(ctx, a.CheckSignatureStatus, CheckSignatureStatusInput{
			Signature: input.Signature,
		}).Get(ctx, &status)
		if err != nil {
			return finish(&monitor.NetworkError{Signature: input.Signature, Err: err})
		}
		if status == nil {
			continue
		}
		if status.Err != "" {
			return finish(fmt.Errorf("%w: %s", monitor.ErrTransactionFailed, status.Err))
		}

		next, changed := tracker.Observe(status.ConfirmationStatus)
		if !changed {
			continue
		}
		logger.Info("transaction status changed",
			"record_id", input.RecordID,
			"status", next,
			"attempt", result.Attempts,
		)
		if err := record(status.Confirmations, nil); err != nil {
			return result, fmt.Errorf("failed to record %s: %w", next, err)
		}
		if next.Terminal() {
			return finish(nil)
		}
	}

	return finish(fmt.Errorf("%w after %d attempts", monitor.ErrTimeout, result.Attempts))
}

// causeFromReason rebuilds a failure cause that classifies to reason, so
// recorded events carry the same reason as in-process monitors.
func causeFromReason(reason, signature, msg string) error {
	if msg == "" {
		return nil
	}
	switch reason {
	case "timeout":
		return fmt.Errorf("%w: %s", monitor.ErrTimeout, msg)
	case "ledger_error":
		return fmt.Errorf("%w: %s", monitor.ErrTransactionFailed, msg)
	case "network":
		return &monitor.NetworkError{Signature: signature, Err: errors.New(msg)}
	default:
		return errors.New(msg)
	}
}
