package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/campuspay/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StatusStream relays payment status events from JetStream to Server-Sent
// Events clients.
type StatusStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewStatusStream connects to NATS for streaming status events.
func NewStatusStream(natsURL string, logger *slog.Logger) (*StatusStream, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	nc, err := natspkg.Connect(natsURL, "campuspay-sse")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("status stream initialized", "nats_url", natsURL)

	return &StatusStream{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (s *StatusStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("status stream closed")
	}
	return nil
}

// handleStreamStatus streams status events as SSE. With an id path value
// only that record's events are sent; otherwise every record's.
// GET /api/v1/stream/payments/{id}
func handleStreamStatus(stream *StatusStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		subject := natspkg.StreamSubjects
		desc := "all payments"
		if id != "" {
			subject = natspkg.SubjectPrefix + id
			desc = id
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		// Replay history for a single record so late subscribers see earlier steps.
		policy := jetstream.DeliverNewPolicy
		if id != "" {
			policy = jetstream.DeliverAllPolicy
		}

		cons, err := stream.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject:     subject,
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     policy,
			InactiveThreshold: time.Minute,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"subject", subject,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"payments", desc,
			"remote_addr", r.RemoteAddr,
		)

		msgChan := make(chan jetstream.Msg, 10)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgChan <- msg:
			case <-r.Context().Done():
			}
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}
		defer cc.Stop()

		connected, _ := json.Marshal(map[string]string{"payments": desc})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flusher.Flush()

		// Keepalive comments prevent proxies from timing out idle streams.
		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case msg := <-msgChan:
				var event natspkg.StatusEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}

				if err := writeEvent(w, "status", &event); err != nil {
					logger.WarnContext(r.Context(), "failed to write event", "error", err)
					return
				}
				flusher.Flush()
				msg.Ack()

				logger.DebugContext(r.Context(), "sent status event",
					"record_id", event.RecordID,
					"status", event.Status,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"payments", desc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

// writeEvent writes one SSE frame with a JSON payload.
func writeEvent(w io.Writer, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
