package queue

import (
	"encoding/json"
	"time"

	"github.com/acme/outbound-batch-dialer/internal/events"
)

// EventMessage is the relayed form of a bus event.
type EventMessage struct {
	CallID     string          `json:"call_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// StatusMessage is a telephony status callback carried over Kafka.
type StatusMessage struct {
	CallID     string    `json:"call_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Status     string    `json:"status"`
	AnsweredBy string    `json:"answered_by,omitempty"`
	Direction  string    `json:"direction"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewStatusMessage converts a provider callback into its wire form.
func NewStatusMessage(update events.StatusUpdate) StatusMessage {
	return StatusMessage{
		CallID:     update.CallID,
		CampaignID: update.CampaignID,
		Status:     update.Status,
		AnsweredBy: update.AnsweredBy,
		Direction:  update.Direction,
		DurationMs: update.DurationMs,
		OccurredAt: update.OccurredAt,
	}
}

// Update converts the message back into a provider callback.
func (m StatusMessage) Update() events.StatusUpdate {
	return events.StatusUpdate{
		CallID:     m.CallID,
		Status:     m.Status,
		AnsweredBy: m.AnsweredBy,
		Direction:  m.Direction,
		CampaignID: m.CampaignID,
		DurationMs: m.DurationMs,
		OccurredAt: m.OccurredAt,
	}
}
