package temporal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/brojonat/campuspay/service/monitor"
)

// CheckSignatureStatusInput contains parameters for the CheckSignatureStatus activity.
type CheckSignatureStatusInput struct {
	Signature string `json:"signature"`
}

// RecordStatusInput carries one confirmation transition to the RecordStatus activity.
type RecordStatusInput struct {
	RecordID      string         `json:"record_id"`
	Signature     string         `json:"signature"`
	Status        monitor.Status `json:"status"`
	Confirmations *uint64        `json:"confirmations,omitempty"`
	Steps         []monitor.Step `json:"steps"`
	Error         string         `json:"error,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// StatusRecorder persists and announces a confirmation update.
// This allows for easy mocking in tests.
type StatusRecorder interface {
	Record(ctx context.Context, recordID string, u monitor.Update) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	ledger   monitor.LedgerClient
	recorder StatusRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(ledger monitor.LedgerClient, recorder StatusRecorder, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Activities{
		ledger:   ledger,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

func (a *Activities) observe(activity string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(activity, status, time.Since(start).Seconds())
}

// CheckSignatureStatus queries the ledger for the signature's confirmation status.
func (a *Activities) CheckSignatureStatus(ctx context.Context, input CheckSignatureStatusInput) (status *monitor.SignatureStatus, err error) {
	start := time.Now()
	defer func() { a.observe("CheckSignatureStatus", start, err) }()

	status, err = a.ledger.SignatureStatus(ctx, input.Signature)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to check signature status",
			"signature", input.Signature,
			"error", err,
		)
		return nil, fmt.Errorf("failed to check signature status: %w", err)
	}

	a.logger.DebugContext(ctx, "checked signature status",
		"signature", input.Signature,
		"status", status.ConfirmationStatus,
	)
	return status, nil
}

// RecordStatus writes a confirmation transition to the store and publishes it.
func (a *Activities) RecordStatus(ctx context.Context, input RecordStatusInput) (err error) {
	start := time.Now()
	defer func() { a.observe("RecordStatus", start, err) }()

	update := monitor.Update{
		Signature:     input.Signature,
		Status:        input.Status,
		Confirmations: input.Confirmations,
		Steps:         input.Steps,
		Err:           causeFromReason(input.Reason, input.Signature, input.Error),
	}
	if err := a.recorder.Record(ctx, input.RecordID, update); err != nil {
		a.logger.ErrorContext(ctx, "failed to record status",
			"record_id", input.RecordID,
			"status", input.Status,
			"error", err,
		)
		return err
	}

	a.logger.InfoContext(ctx, "recorded status",
		"record_id", input.RecordID,
		"status", input.Status,
	)
	return nil
}
