package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-batch-dialer/internal/events"
)

// MessageWriter is the producing half of a kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatusPublisher forwards provider status callbacks to the status topic. It is the
// telephony status sink when callbacks are routed through Kafka.
type StatusPublisher struct {
	writer MessageWriter
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// Ingest emits the callback as a StatusMessage keyed by call id.
func (p *StatusPublisher) Ingest(ctx context.Context, update events.StatusUpdate) error {
	msg := NewStatusMessage(update)
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("status publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.CallID),
		Value: value,
		Time:  msg.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("status publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
