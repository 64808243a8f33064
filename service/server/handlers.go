package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/store"
	"github.com/brojonat/campuspay/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB - plenty for JSON bodies
	maxImportBodySize  = 10 << 20 // CSV exports of a few thousand rows
	maxAddressLength   = 100      // Solana addresses are 44 chars, give buffer
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// handleCreatePaymentRequest returns a handler that builds a payment request
// and records it as a pending transaction.
// POST /api/v1/payment-requests
func handleCreatePaymentRequest(svc *payments.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params payments.CreateRequestParams
		if !decodeJSON(w, r, &params, logger) {
			return
		}

		created, err := svc.CreateRequest(r.Context(), params)
		if err != nil {
			var verr *payreq.ValidationError
			if errors.As(err, &verr) {
				logger.Debug("payment request rejected", "code", verr.Code, "error", err)
				writeValidationError(w, verr, http.StatusBadRequest)
				return
			}
			logger.Error("failed to create payment request", "error", err)
			writeError(w, "failed to create payment request", http.StatusInternalServerError)
			return
		}

		qr, err := payreq.QRCodeBase64(created.URI)
		if err != nil {
			// QR code is optional
			logger.Warn("failed to render QR code", "record_id", created.Record.ID, "error", err)
		}

		writeJSON(w, map[string]interface{}{
			"uri":          created.URI,
			"reference":    created.Request.Reference,
			"qr_code_data": qr,
			"request":      created.Request,
			"record":       created.Record,
		}, http.StatusCreated)
	})
}

type uriRequest struct {
	URI string `json:"uri"`
}

// handleParsePaymentRequest returns a handler that decodes a payment request URI.
// POST /api/v1/payment-requests/parse
func handleParsePaymentRequest(codec *payreq.Codec, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req uriRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if strings.TrimSpace(req.URI) == "" {
			writeError(w, "uri is required", http.StatusBadRequest)
			return
		}

		parsed, ok := parseURI(w, codec, req.URI, logger)
		if !ok {
			return
		}

		writeJSON(w, map[string]interface{}{
			"recognized": true,
			"request":    parsed,
		}, http.StatusOK)
	})
}

// handlePaymentRequestQR returns a handler that renders a payment request URI
// as a PNG QR code. The URI must decode cleanly.
// POST /api/v1/payment-requests/qr?size=N
func handlePaymentRequestQR(codec *payreq.Codec, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req uriRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if _, ok := parseURI(w, codec, req.URI, logger); !ok {
			return
		}

		size := payreq.DefaultQRSize
		if s := r.URL.Query().Get("size"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 64 || n > 2048 {
				writeError(w, "size must be an integer between 64 and 2048", http.StatusBadRequest)
				return
			}
			size = n
		}

		png, err := payreq.QRCode(req.URI, size)
		if err != nil {
			logger.Error("failed to render QR code", "error", err)
			writeError(w, "failed to render QR code", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	})
}

// parseURI decodes raw and writes the error response when it cannot. A URI
// for another scheme is answered with 404 and recognized=false.
func parseURI(w http.ResponseWriter, codec *payreq.Codec, raw string, logger *slog.Logger) (*payreq.PaymentRequest, bool) {
	parsed, err := codec.ParseURI(raw)
	if err != nil {
		var verr *payreq.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr, http.StatusUnprocessableEntity)
			return nil, false
		}
		logger.Debug("malformed payment request", "error", err)
		writeJSON(w, map[string]interface{}{
			"recognized": true,
			"error":      err.Error(),
		}, http.StatusUnprocessableEntity)
		return nil, false
	}
	if parsed == nil {
		writeJSON(w, map[string]interface{}{
			"recognized": false,
		}, http.StatusNotFound)
		return nil, false
	}
	return parsed, true
}

// handleListTransactions returns a handler that lists transactions, newest first.
// GET /api/v1/transactions?address=ADDRESS&limit=N&offset=N
//
// With an address, local records are reconciled with the address's ledger
// history. Without one only local records are returned.
func handleListTransactions(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		address := query.Get("address")
		if address != "" {
			if err := validateAddress(address); err != nil {
				logger.Debug("invalid address", "address", address, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		limit, offset, err := parsePagination(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records := s.All(r.Context(), address)
		total := len(records)
		if offset > len(records) {
			offset = len(records)
		}
		records = records[offset:]
		if len(records) > limit {
			records = records[:limit]
		}

		logger.Debug("transactions listed", "address", address, "count", len(records), "total", total)

		writeJSON(w, map[string]interface{}{
			"transactions": records,
			"count":        len(records),
			"total":        total,
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// handleAddTransaction returns a handler that records a local transaction.
// POST /api/v1/transactions
func handleAddTransaction(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n store.NewRecord
		if !decodeJSON(w, r, &n, logger) {
			return
		}
		if n.Amount.IsNegative() {
			writeError(w, "amount cannot be negative", http.StatusBadRequest)
			return
		}
		if n.Status != "" && !n.Status.Valid() {
			writeError(w, fmt.Sprintf("unknown status %q", n.Status), http.StatusBadRequest)
			return
		}
		if n.Type != "" && n.Type != store.TypeIncoming && n.Type != store.TypeOutgoing {
			writeError(w, fmt.Sprintf("unknown type %q", n.Type), http.StatusBadRequest)
			return
		}

		rec, err := s.Add(r.Context(), n)
		if err != nil {
			logger.Error("failed to add transaction", "error", err)
			writeError(w, "failed to add transaction", http.StatusInternalServerError)
			return
		}

		logger.Info("transaction added", "id", rec.ID, "status", rec.Status)
		writeJSON(w, rec, http.StatusCreated)
	})
}

// handleGetTransaction returns a handler that fetches one local transaction.
// GET /api/v1/transactions/{id}
func handleGetTransaction(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.Get(r.Context(), r.PathValue("id"))
		if !ok {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec, http.StatusOK)
	})
}

// handleUpdateTransaction returns a handler that patches a local transaction.
// PATCH /api/v1/transactions/{id}
func handleUpdateTransaction(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var patch store.Patch
		if !decodeJSON(w, r, &patch, logger) {
			return
		}

		if _, ok := s.Get(r.Context(), id); !ok {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}

		if err := s.Update(r.Context(), id, patch); err != nil {
			logger.Debug("transaction update rejected", "id", id, "error", err)
			writeError(w, err.Error(), statusForError(err))
			return
		}

		rec, _ := s.Get(r.Context(), id)
		logger.Info("transaction updated", "id", id, "status", rec.Status)
		writeJSON(w, rec, http.StatusOK)
	})
}

// handleDeleteTransaction returns a handler that deletes a local transaction
// and stops tracking it.
// DELETE /api/v1/transactions/{id}
func handleDeleteTransaction(s *store.Store, svc *payments.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		existed, err := s.Delete(r.Context(), id)
		if err != nil {
			logger.Error("failed to delete transaction", "id", id, "error", err)
			writeError(w, "failed to delete transaction", http.StatusInternalServerError)
			return
		}
		if !existed {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}

		// Not tracked is fine.
		_ = svc.StopTracking(id)

		logger.Info("transaction deleted", "id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleClearTransactions returns a handler that removes every local transaction.
// DELETE /api/v1/transactions
func handleClearTransactions(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Clear(r.Context()); err != nil {
			logger.Error("failed to clear transactions", "error", err)
			writeError(w, "failed to clear transactions", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleRefreshTransactions returns a handler that refetches ledger history
// for an address, bypassing the cache.
// POST /api/v1/transactions/refresh?address=ADDRESS
func handleRefreshTransactions(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.Refresh(r.Context(), address); err != nil {
			if errors.Is(err, store.ErrNoLedger) {
				writeError(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			logger.Warn("failed to refresh ledger history", "address", address, "error", err)
			writeError(w, "failed to refresh ledger history", http.StatusBadGateway)
			return
		}

		records := s.All(r.Context(), address)
		writeJSON(w, map[string]interface{}{
			"transactions": records,
			"count":        len(records),
		}, http.StatusOK)
	})
}

// handleExportTransactions returns a handler that downloads transactions as CSV.
// GET /api/v1/transactions/export?address=ADDRESS
func handleExportTransactions(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("address")
		if address != "" {
			if err := validateAddress(address); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
		if err := s.Export(r.Context(), w, address); err != nil {
			// Headers are already sent.
			logger.Error("failed to export transactions", "error", err)
		}
	})
}

// handleImportTransactions returns a handler that merges a CSV body into the
// local transactions.
// POST /api/v1/transactions/import
func handleImportTransactions(s *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)

		added, err := s.Import(r.Context(), r.Body)
		if err != nil {
			logger.Debug("failed to import transactions", "error", err)
			writeError(w, fmt.Sprintf("invalid CSV: %v", err), http.StatusBadRequest)
			return
		}

		logger.Info("transactions imported", "added", added)
		writeJSON(w, map[string]interface{}{
			"imported": added,
		}, http.StatusOK)
	})
}

// handleTrackTransaction returns a handler that starts confirmation tracking.
// POST /api/v1/transactions/{id}/track
func handleTrackTransaction(svc *payments.Service, logger *slog.Logger) http.Handler {
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

		if err := svc.Track(r.Context(), id, req.Signature); err != nil {
			status := statusForError(err)
			if status == http.StatusInternalServerError {
				logger.Error("failed to start tracking", "id", id, "error", err)
			}
			writeError(w, err.Error(), status)
			return
		}

		logger.Info("tracking started", "id", id, "signature", req.Signature)
		progress, _ := svc.Steps(id)
		writeJSON(w, progress, http.StatusAccepted)
	})
}

// handleStopTracking returns a handler that stops confirmation tracking.
// DELETE /api/v1/transactions/{id}/track
func handleStopTracking(svc *payments.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := svc.StopTracking(id); err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		logger.Info("tracking stopped", "id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleTransactionSteps returns a handler that reports confirmation progress.
// GET /api/v1/transactions/{id}/steps
func handleTransactionSteps(svc *payments.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		progress, ok := svc.Steps(r.PathValue("id"))
		if !ok {
			writeError(w, "transaction is not being tracked", http.StatusNotFound)
			return
		}
		writeJSON(w, progress, http.StatusOK)
	})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	var verr *payreq.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrSignatureRequired):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrRecordNotFound), errors.Is(err, payments.ErrNotTracking):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotEditable):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrSignatureImmutable),
		errors.Is(err, payments.ErrAlreadyTracking),
		errors.Is(err, temporal.ErrConfirmationRunning):
		return http.StatusConflict
	case errors.Is(err, store.ErrNoLedger), errors.Is(err, payments.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parsePagination parses limit (default 100, max 1000) and offset (default 0).
func parsePagination(limitStr, offsetStr string) (int, int, error) {
	limit := defaultListLimit
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if n < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if n > maxListLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = n
	}

	offset := 0
	if offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if n < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = n
	}
	return limit, offset, nil
}

// decodeJSON reads a size-limited JSON body into v. On failure it writes a
// 400 response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request body", "path", r.URL.Path, "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeValidationError writes a JSON error carrying the rejected field and rule.
func writeValidationError(w http.ResponseWriter, verr *payreq.ValidationError, statusCode int) {
	writeJSON(w, map[string]string{
		"error": verr.Message,
		"code":  string(verr.Code),
		"field": verr.Field,
	}, statusCode)
}

// validateAddress validates a ledger address or signature for safety and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !payreq.IsBase58(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
