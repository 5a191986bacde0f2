package status

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/queue"
)

type chanReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *chanReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *chanReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func statusMessage(t *testing.T, offset int64, msg queue.StatusMessage) kafka.Message {
	t.Helper()
	value, err := json.Marshal(msg)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(msg.CallID), Value: value}
}

func TestWorkerFeedsIngestor(t *testing.T) {
	bus := events.NewBus(nil)
	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	bus.Subscribe("call-1", events.AnyKind, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})

	reader := &chanReader{msgs: make(chan kafka.Message, 4)}
	reader.msgs <- statusMessage(t, 1, queue.StatusMessage{CallID: "call-1", Status: "ringing", Direction: "outbound"})
	reader.msgs <- kafka.Message{Offset: 2, Value: []byte("{not json")}
	reader.msgs <- statusMessage(t, 3, queue.StatusMessage{CallID: "call-1", Status: "teleported"})
	reader.msgs <- statusMessage(t, 4, queue.StatusMessage{CallID: "call-1", Status: "completed", Direction: "outbound"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := New(reader, events.NewIngestor(bus, nil), nil)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{events.KindRinging, events.KindCompleted}, kinds)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits())
	assert.True(t, reader.closed)
	assert.Zero(t, bus.Stats().TotalCalls)
}
