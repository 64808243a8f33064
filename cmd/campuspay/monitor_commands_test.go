package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/campuspay/service/monitor"
	natspkg "github.com/brojonat/campuspay/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"event: connected",
		`data: {"payments":"all"}`,
		"",
		": keepalive",
		"",
		"event: status",
		`data: {"record_id":"r1","status":"confirmed"}`,
		"",
		"event: status",
		`data: {"record_id":"r1","status":"finalized"}`,
		"",
	}, "\n")

	var events []string
	err := readSSE(strings.NewReader(stream), func(event, data string) error {
		events = append(events, event+" "+data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`connected {"payments":"all"}`,
		`status {"record_id":"r1","status":"confirmed"}`,
		`status {"record_id":"r1","status":"finalized"}`,
	}, events)

	t.Run("terminated stream", func(t *testing.T) {
		var got []string
		err := readSSE(strings.NewReader("event: status\ndata: {}\n\n"), func(event, data string) error {
			got = append(got, event+" "+data)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"status {}"}, got)
	})

	t.Run("incomplete event at end", func(t *testing.T) {
		var got []string
		err := readSSE(strings.NewReader("event: status\n"), func(event, data string) error {
			got = append(got, event+" "+data)
			return nil
		})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestHandleSSEEvent(t *testing.T) {
	event := natspkg.StatusEvent{
		RecordID:    "rec-1",
		Signature:   "5VERYLONGSIGNATURE",
		Status:      monitor.StatusFailed,
		Reason:      "timeout",
		PublishedAt: time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, handleSSEEvent(&out, "status", string(data), false))
	assert.Contains(t, out.String(), "rec-1")
	assert.Contains(t, out.String(), "failed")
	assert.Contains(t, out.String(), "reason=timeout")

	out.Reset()
	require.NoError(t, handleSSEEvent(&out, "status", string(data), true))
	assert.JSONEq(t, string(data), strings.TrimSpace(out.String()))

	out.Reset()
	require.NoError(t, handleSSEEvent(&out, "mystery", "{}", false))
	assert.Empty(t, out.String())

	assert.Error(t, handleSSEEvent(&out, "status", "{not json", false))
}

func TestPrintUpdate(t *testing.T) {
	confirmations := uint64(3)
	var out bytes.Buffer
	printUpdate(&out, monitor.Update{Status: monitor.StatusConfirmed, Confirmations: &confirmations}, false)
	assert.Contains(t, out.String(), "confirmed")
	assert.Contains(t, out.String(), "confirmations=3")

	out.Reset()
	printUpdate(&out, monitor.Update{Signature: "sig", Status: monitor.StatusFailed, Err: monitor.ErrTimeout}, true)
	var event natspkg.StatusEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &event))
	assert.Equal(t, monitor.StatusFailed, event.Status)
	assert.Equal(t, "timeout", event.Reason)
}

func TestTrackCommand(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/transactions/rec-1/track":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"record_id": "rec-1", "signature": "Sig1", "status": "processing", "active": true,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/transactions/rec-1/steps":
			polls++
			status, active := "confirmed", true
			if polls > 1 {
				status, active = "finalized", false
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"record_id": "rec-1", "signature": "Sig1", "status": status, "active": active,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "transaction not found"})
		}
	}))
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "track", "--watch", "--interval", "10ms", "rec-1", "Sig1")
	require.NoError(t, err)
	assert.Contains(t, out, "rec-1: processing")
	assert.Contains(t, out, "rec-1: confirmed")
	assert.Contains(t, out, "rec-1: finalized")
	assert.Equal(t, 2, polls)

	_, err = runApp(t, "--server-url", server.URL, "track", "other", "Sig1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction not found")
}
