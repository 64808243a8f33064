package nats

import (
	"time"

	"github.com/brojonat/campuspay/service/monitor"
	"github.com/google/uuid"
)

// StatusEvent is published whenever a tracked payment changes status.
// It is published to the subject "payments.{record_id}" in JetStream.
type StatusEvent struct {
	EventID string `json:"event_id"`

	// Payment identifiers
	RecordID  string `json:"record_id"`
	Signature string `json:"signature"`

	// Confirmation progress
	Status        monitor.Status `json:"status"`
	Confirmations *uint64        `json:"confirmations,omitempty"`
	Steps         []monitor.Step `json:"steps"`
	Error         string         `json:"error,omitempty"`
	Reason        string         `json:"reason,omitempty"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// FromUpdate converts a monitor update for recordID into a StatusEvent.
func FromUpdate(recordID string, u monitor.Update) *StatusEvent {
	event := &StatusEvent{
		EventID:       newEventID(),
		RecordID:      recordID,
		Signature:     u.Signature,
		Status:        u.Status,
		Confirmations: u.Confirmations,
		Steps:         u.Steps,
		PublishedAt:   time.Now().UTC(),
	}
	if u.Err != nil {
		event.Error = u.Err.Error()
		event.Reason = monitor.Reason(u.Err)
	}
	return event
}

// Subject returns the subject the event is published to.
func (e *StatusEvent) Subject() string {
	return SubjectPrefix + e.RecordID
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
