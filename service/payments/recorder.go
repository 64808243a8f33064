package payments

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/campuspay/service/monitor"
	"github.com/brojonat/campuspay/service/nats"
	"github.com/brojonat/campuspay/service/store"
)

// Recorder writes confirmation updates back into the transaction store and
// announces them on NATS. It is shared by in-process monitors and the
// durable confirmation workflow.
type Recorder struct {
	store     *store.Store
	publisher nats.Publisher
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. publisher and logger may be nil.
func NewRecorder(s *store.Store, publisher nats.Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{store: s, publisher: publisher, logger: logger}
}

// Record applies u to the record with recordID. The signature is attached
// the first time the transaction is confirmed. Publishing is best effort;
// only store failures are returned.
func (r *Recorder) Record(ctx context.Context, recordID string, u monitor.Update) error {
	patch, ok := patchFor(u)
	if ok {
		if rec, found := r.store.Get(ctx, recordID); found && rec.Signature != "" {
			patch.Signature = nil
		}
		if err := r.store.Update(ctx, recordID, patch); err != nil {
			return fmt.Errorf("failed to record %s for %s: %w", u.Status, recordID, err)
		}
	}

	r.publish(ctx, recordID, u)
	return nil
}

func (r *Recorder) publish(ctx context.Context, recordID string, u monitor.Update) {
	if r.publisher == nil {
		return
	}
	event := nats.FromUpdate(recordID, u)
	if err := r.publisher.PublishStatus(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish status event",
			"record_id", recordID,
			"status", u.Status,
			"error", err,
		)
	}
}

// patchFor maps a monitor update onto a record patch. Submitted and
// processing updates leave the record pending.
func patchFor(u monitor.Update) (store.Patch, bool) {
	var status store.Status
	switch u.Status {
	case monitor.StatusConfirmed:
		status = store.StatusConfirmed
	case monitor.StatusFinalized:
		status = store.StatusFinalized
	case monitor.StatusFailed:
		status = store.StatusFailed
	default:
		return store.Patch{}, false
	}

	patch := store.Patch{Status: &status}
	if status != store.StatusFailed && u.Signature != "" {
		sig := u.Signature
		patch.Signature = &sig
	}
	return patch, true
}
