package server

import (
	"log/slog"
	"net/http"

	"github.com/brojonat/campuspay/service/store"
	"github.com/brojonat/campuspay/service/temporal"
)

// handleStartConfirmation returns a handler that starts a durable
// confirmation workflow for a pending record.
// POST /api/v1/transactions/{id}/confirm
func handleStartConfirmation(s *store.Store, confirmer Confirmer, defaults temporal.ConfirmTransactionInput, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var req struct {
			Signature string `json:"signature"`
		}
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if req.Signature == "" {
			writeError(w, "signature is required", http.StatusBadRequest)
			return
		}
		if validateAddress(req.Signature) != nil {
			writeError(w, "invalid signature: must be base58", http.StatusBadRequest)
			return
		}

		rec, ok := s.Get(r.Context(), id)
		if !ok {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if rec.Signature != "" && rec.Signature != req.Signature {
			writeError(w, store.ErrSignatureImmutable.Error(), http.StatusConflict)
			return
		}
		if rec.Status.Terminal() {
			writeError(w, "transaction is already "+string(rec.Status), http.StatusConflict)
			return
		}

		input := defaults
		input.RecordID = id
		input.Signature = req.Signature

		runID, err := confirmer.StartConfirmation(r.Context(), input)
		if err != nil {
			status := statusForError(err)
			if status == http.StatusInternalServerError {
				logger.Error("failed to start confirmation", "id", id, "error", err)
				writeError(w, "failed to start confirmation", status)
				return
			}
			writeError(w, err.Error(), status)
			return
		}

		logger.Info("confirmation workflow started", "id", id, "run_id", runID)
		writeJSON(w, map[string]interface{}{
			"workflow_id": temporal.WorkflowID(id),
			"run_id":      runID,
			"record_id":   id,
			"signature":   req.Signature,
		}, http.StatusAccepted)
	})
}

// handleCancelConfirmation returns a handler that cancels a durable confirmation.
// DELETE /api/v1/transactions/{id}/confirm
func handleCancelConfirmation(confirmer Confirmer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := confirmer.CancelConfirmation(r.Context(), id); err != nil {
			logger.Warn("failed to cancel confirmation", "id", id, "error", err)
			writeError(w, "failed to cancel confirmation", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
