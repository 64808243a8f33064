package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/brojonat/campuspay/service/monitor"
	"github.com/brojonat/campuspay/service/nats"
	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/store"
	"github.com/brojonat/campuspay/service/temporal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress   = "Campus1"
	testSignature = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

// finalizedLedger reports every signature as finalized.
type finalizedLedger struct{}

func (finalizedLedger) SignatureStatus(ctx context.Context, signature string) (*monitor.SignatureStatus, error) {
	return &monitor.SignatureStatus{ConfirmationStatus: monitor.ConfirmationFinalized}, nil
}

// staticHistory returns the same ledger records for every address.
type staticHistory struct {
	records []store.Record
	err     error
}

func (h *staticHistory) TransactionsForAddress(ctx context.Context, address string, limit int) ([]store.Record, error) {
	return h.records, h.err
}

type testServer struct {
	handler   http.Handler
	store     *store.Store
	payments  *payments.Service
	publisher *nats.MockPublisher
	confirmer *temporal.MockConfirmer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	history := &staticHistory{records: []store.Record{{
		ID:          "ledger-sig-1",
		Signature:   "ledger-sig-1",
		Amount:      decimal.RequireFromString("3"),
		FromAddress: "Someone1",
		ToAddress:   testAddress,
		Timestamp:   time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
		Status:      store.StatusFinalized,
		Type:        store.TypeIncoming,
		Origin:      store.OriginLedger,
	}}}

	st := store.New(store.NewMemoryBackend(), history, store.Config{}, nil, logger)
	codec := payreq.NewCodec(
		payreq.WithAddressValidator(payreq.Base58Syntax),
		payreq.WithCategoryLimit("food", decimal.NewFromInt(20)),
	)
	pub := nats.NewMockPublisher()
	svc := payments.New(codec, st, finalizedLedger{}, payments.NewRecorder(st, pub, logger),
		monitor.Config{PollInterval: 5 * time.Millisecond}, nil, logger)
	confirmer := temporal.NewMockConfirmer()

	srv := New(":0", svc, st, Config{
		Confirmer:    confirmer,
		ConfirmInput: temporal.ConfirmTransactionInput{PollInterval: time.Second, MaxAttempts: 30},
		Metrics:      metrics.NewMetrics(prometheus.NewRegistry()),
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &testServer{
		handler:   srv.Handler(),
		store:     st,
		payments:  svc,
		publisher: pub,
		confirmer: confirmer,
	}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (ts *testServer) addRecord(t *testing.T, body string) store.Record {
	t.Helper()
	w := ts.do(t, "POST", "/api/v1/transactions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec store.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	return rec
}

func TestCreatePaymentRequest(t *testing.T) {
	ts := newTestServer(t)

	t.Run("valid request", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/payment-requests",
			`{"recipient":"Vendor1","amount":"4.5","label":"Lunch","category":"food"}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		body := decodeBody(t, w)
		assert.Contains(t, body["uri"], "solana:Vendor1?amount=4.5&label=Lunch")
		assert.NotEmpty(t, body["reference"])
		assert.NotEmpty(t, body["qr_code_data"])

		record := body["record"].(map[string]interface{})
		assert.Equal(t, "pending", record["status"])
		assert.Equal(t, "Vendor1", record["to_address"])

		// The pending record is listed.
		list := decodeBody(t, ts.do(t, "GET", "/api/v1/transactions", ""))
		assert.Equal(t, float64(1), list["count"])
	})

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "over category limit", body: `{"recipient":"Vendor1","amount":"25","category":"food"}`, code: "amount_exceeds_limit"},
		{name: "bad recipient", body: `{"recipient":"0OIl","amount":"1"}`, code: "invalid_recipient"},
		{name: "negative amount", body: `{"recipient":"Vendor1","amount":"-1"}`, code: "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/payment-requests", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decodeBody(t, w)["code"])
		})
	}

	t.Run("malformed JSON", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/payment-requests", `{"recipient":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid request body")
	})

	t.Run("body too large", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/payment-requests", `{"label":"`+strings.Repeat("A", 2<<20)+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "request body too large")
	})
}

func TestParsePaymentRequest(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		uri        string
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name:       "valid",
			uri:        "solana:Vendor1?amount=0.5&label=Lunch&memo=order%207",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["recognized"])
				req := body["request"].(map[string]interface{})
				assert.Equal(t, "Vendor1", req["recipient"])
				assert.Equal(t, "0.5", req["amount"])
				assert.Equal(t, "order 7", req["memo"])
			},
		},
		{
			name:       "other scheme",
			uri:        "bitcoin:abc?amount=1",
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["recognized"])
			},
		},
		{
			name:       "bad amount",
			uri:        "solana:Vendor1?amount=1e3",
			wantStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "invalid_amount", body["code"])
				assert.Equal(t, "amount", body["field"])
			},
		},
		{
			name:       "repeated parameter",
			uri:        "solana:Vendor1?amount=1&amount=2",
			wantStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["recognized"])
				assert.Contains(t, body["error"], "repeated")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(map[string]string{"uri": tt.uri})
			require.NoError(t, err)
			w := ts.do(t, "POST", "/api/v1/payment-requests/parse", string(payload))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			tt.check(t, decodeBody(t, w))
		})
	}

	t.Run("missing uri", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/payment-requests/parse", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymentRequestQR(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/payment-requests/qr?size=128", `{"uri":"solana:Vendor1?amount=1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = ts.do(t, "POST", "/api/v1/payment-requests/qr?size=5", `{"uri":"solana:Vendor1?amount=1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransactionCRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.addRecord(t, `{"amount":"2.5","to_address":"Vendor1","description":"coffee","category":"food"}`)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, store.OriginLocal, rec.Origin)

	t.Run("get", func(t *testing.T) {
		w := ts.do(t, "GET", "/api/v1/transactions/"+rec.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "coffee", decodeBody(t, w)["description"])
	})

	t.Run("patch forward", func(t *testing.T) {
		w := ts.do(t, "PATCH", "/api/v1/transactions/"+rec.ID, `{"status":"confirmed","description":"latte"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.Equal(t, "confirmed", body["status"])
		assert.Equal(t, "latte", body["description"])
	})

	t.Run("patch backward is a conflict", func(t *testing.T) {
		w := ts.do(t, "PATCH", "/api/v1/transactions/"+rec.ID, `{"status":"pending"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("patch unknown", func(t *testing.T) {
		w := ts.do(t, "PATCH", "/api/v1/transactions/nope", `{"status":"confirmed"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid status on add", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/transactions", `{"amount":"1","status":"lost"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := ts.do(t, "DELETE", "/api/v1/transactions/"+rec.ID, "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = ts.do(t, "DELETE", "/api/v1/transactions/"+rec.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("clear", func(t *testing.T) {
		ts.addRecord(t, `{"amount":"1"}`)
		ts.addRecord(t, `{"amount":"2"}`)

		w := ts.do(t, "DELETE", "/api/v1/transactions", "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		list := decodeBody(t, ts.do(t, "GET", "/api/v1/transactions", ""))
		assert.Equal(t, float64(0), list["count"])
	})
}

func TestListTransactions(t *testing.T) {
	ts := newTestServer(t)
	ts.addRecord(t, `{"amount":"1","timestamp":"2024-09-03T00:00:00Z"}`)
	ts.addRecord(t, `{"amount":"2","timestamp":"2024-09-02T00:00:00Z"}`)

	t.Run("local only", func(t *testing.T) {
		body := decodeBody(t, ts.do(t, "GET", "/api/v1/transactions", ""))
		assert.Equal(t, float64(2), body["count"])
	})

	t.Run("reconciled with ledger history", func(t *testing.T) {
		body := decodeBody(t, ts.do(t, "GET", "/api/v1/transactions?address="+testAddress, ""))
		assert.Equal(t, float64(3), body["total"])
		txns := body["transactions"].([]interface{})
		// newest first: the ledger record is oldest
		assert.Equal(t, "ledger-sig-1", txns[2].(map[string]interface{})["id"])
	})

	t.Run("pagination", func(t *testing.T) {
		body := decodeBody(t, ts.do(t, "GET", "/api/v1/transactions?address="+testAddress+"&limit=1&offset=1", ""))
		assert.Equal(t, float64(1), body["count"])
		assert.Equal(t, float64(3), body["total"])
	})

	tests := []struct {
		name  string
		query string
	}{
		{name: "bad limit", query: "?limit=abc"},
		{name: "zero limit", query: "?limit=0"},
		{name: "limit too large", query: "?limit=5000"},
		{name: "negative offset", query: "?offset=-1"},
		{name: "bad address", query: "?address=bad%00addr"},
		{name: "non base58 address", query: "?address=Wallet0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "GET", "/api/v1/transactions"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRefreshTransactions(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/transactions/refresh", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/v1/transactions/refresh?address="+testAddress, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestExportImportTransactions(t *testing.T) {
	ts := newTestServer(t)
	ts.addRecord(t, `{"amount":"1.25","description":"books","category":"books"}`)
	ts.addRecord(t, `{"amount":"3","description":"lunch, with friends"}`)

	w := ts.do(t, "GET", "/api/v1/transactions/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	csvBody := w.Body.String()
	assert.True(t, strings.HasPrefix(csvBody, strings.Join(store.CSVHeader, ",")))
	assert.Contains(t, csvBody, `"lunch, with friends"`)

	// Importing the same rows again adds nothing.
	w = ts.do(t, "POST", "/api/v1/transactions/import", csvBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody(t, w)["imported"])

	require.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/api/v1/transactions", "").Code)

	w = ts.do(t, "POST", "/api/v1/transactions/import", csvBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["imported"])

	w = ts.do(t, "POST", "/api/v1/transactions/import", "Date,Amount (SOL)\nnot-a-date,1\n")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrackTransaction(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.addRecord(t, `{"amount":"4","to_address":"Vendor1"}`)

	t.Run("validation", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/track", `{}`).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/track", `{"signature":"not base58!"}`).Code)
		assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/api/v1/transactions/nope/track", `{"signature":"`+testSignature+`"}`).Code)
		assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/v1/transactions/"+rec.ID+"/steps", "").Code)
	})

	t.Run("tracks to finalized", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/track", `{"signature":"`+testSignature+`"}`)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		require.Eventually(t, func() bool {
			w := ts.do(t, "GET", "/api/v1/transactions/"+rec.ID+"/steps", "")
			if w.Code != http.StatusOK {
				return false
			}
			var p payments.Progress
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				return false
			}
			return !p.Active && p.Status == monitor.StatusFinalized
		}, 2*time.Second, 10*time.Millisecond)

		got, ok := ts.store.Get(context.Background(), rec.ID)
		require.True(t, ok)
		assert.Equal(t, store.StatusFinalized, got.Status)
		assert.Equal(t, testSignature, got.Signature)
		assert.NotZero(t, ts.publisher.GetPublishedEventCount())
	})

	t.Run("finalized record cannot be tracked again", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/track", `{"signature":"`+testSignature+`"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("stop untracked", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/api/v1/transactions/nope/track", "").Code)
	})
}

func TestConfirmation(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.addRecord(t, `{"amount":"4","to_address":"Vendor1"}`)

	w := ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/confirm", `{"signature":"`+testSignature+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, temporal.WorkflowID(rec.ID), decodeBody(t, w)["workflow_id"])

	input, ok := ts.confirmer.Started(rec.ID)
	require.True(t, ok)
	assert.Equal(t, testSignature, input.Signature)
	assert.Equal(t, time.Second, input.PollInterval)
	assert.Equal(t, 30, input.MaxAttempts)

	w = ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/confirm", `{"signature":"`+testSignature+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/api/v1/transactions/nope/confirm", `{"signature":"`+testSignature+`"}`).Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/api/v1/transactions/"+rec.ID+"/confirm", "").Code)
	assert.Equal(t, 0, ts.confirmer.Count())

	ts.confirmer.SetStartError(assert.AnError)
	w = ts.do(t, "POST", "/api/v1/transactions/"+rec.ID+"/confirm", `{"signature":"`+testSignature+`"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do(t, "OPTIONS", "/api/v1/transactions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	w = ts.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &payreq.ValidationError{Code: payreq.CodeInvalidAmount}, want: http.StatusBadRequest},
		{err: payments.ErrRecordNotFound, want: http.StatusNotFound},
		{err: store.ErrNotEditable, want: http.StatusForbidden},
		{err: store.ErrSignatureImmutable, want: http.StatusConflict},
		{err: payments.ErrAlreadyTracking, want: http.StatusConflict},
		{err: temporal.ErrConfirmationRunning, want: http.StatusConflict},
		{err: store.ErrNoLedger, want: http.StatusServiceUnavailable},
		{err: assert.AnError, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestValidateAddress_MatchesCodec(t *testing.T) {
	inputs := []string{
		"Wallet1",
		"11111111111111111111111111111111",
		"Wallet0",
		"WalletO",
		"Wallet_1",
		"bad\x00addr",
		"",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			apiErr := validateAddress(in)
			codecErr := payreq.Base58Syntax(in)
			assert.Equal(t, codecErr == nil, apiErr == nil, "api=%v codec=%v", apiErr, codecErr)
		})
	}
}
