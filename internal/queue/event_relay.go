package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

const relayBatchSize = 100

// EventRelay forwards every bus event to the event topic. Handle never blocks the
// publisher; events are dropped when the buffer is full.
type EventRelay struct {
	writer  MessageWriter
	queue   chan events.Event
	logger  *logger.Logger
	dropped atomic.Int64
}

// NewEventRelay constructs a relay writing through writer.
func NewEventRelay(writer MessageWriter, buffer int, log *logger.Logger) *EventRelay {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &EventRelay{
		writer: writer,
		queue:  make(chan events.Event, buffer),
		logger: log.Named("relay"),
	}
}

// Handle is the bus listener.
func (r *EventRelay) Handle(e events.Event) {
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("relay: buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded.
func (r *EventRelay) Dropped() int64 {
	return r.dropped.Load()
}

// Run writes events in batches until ctx ends, then flushes the buffer and closes the writer.
func (r *EventRelay) Run(ctx context.Context) error {
	defer func() {
		if err := r.writer.Close(); err != nil {
			r.logger.Warn("relay: close writer", zap.Error(err))
		}
	}()

	batch := make([]kafka.Message, 0, relayBatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.write(fctx, batch)
			cancel()
			return nil
		case e := <-r.queue:
			batch = r.append(batch, e)
			batch = r.drainUpTo(batch, relayBatchSize)
			r.write(ctx, batch)
			batch = batch[:0]
		}
	}
}

func (r *EventRelay) drain(batch []kafka.Message) []kafka.Message {
	for {
		select {
		case e := <-r.queue:
			batch = r.append(batch, e)
		default:
			return batch
		}
	}
}

func (r *EventRelay) drainUpTo(batch []kafka.Message, limit int) []kafka.Message {
	for len(batch) < limit {
		select {
		case e := <-r.queue:
			batch = r.append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (r *EventRelay) append(batch []kafka.Message, e events.Event) []kafka.Message {
	msg, err := EncodeEvent(e)
	if err != nil {
		r.logger.Warn("relay: encode event", zap.String("call_id", e.CallID), zap.Error(err))
		return batch
	}
	return append(batch, msg)
}

func (r *EventRelay) write(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	if err := r.writer.WriteMessages(ctx, batch...); err != nil {
		r.logger.Error("relay: write messages", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// EncodeEvent builds the Kafka message for a bus event, keyed by call id.
func EncodeEvent(e events.Event) (kafka.Message, error) {
	msg := EventMessage{CallID: e.CallID, Kind: string(e.Kind), OccurredAt: e.OccurredAt}
	if e.Payload != nil {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return kafka.Message{}, fmt.Errorf("relay: marshal payload: %w", err)
		}
		msg.Payload = payload
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("relay: marshal message: %w", err)
	}
	return kafka.Message{Key: []byte(e.CallID), Value: value, Time: e.OccurredAt}, nil
}
