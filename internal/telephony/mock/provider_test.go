package mock

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-batch-dialer/internal/config"
	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []events.StatusUpdate
}

func (s *recordingSink) Ingest(_ context.Context, update events.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.Status)
	}
	return out
}

func (s *recordingSink) snapshot() []events.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.StatusUpdate(nil), s.updates...)
}

func newTestProvider(t *testing.T, successRate, machineRate float64, maxLength time.Duration) (*Provider, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	p := newProvider(config.CallBridgeConfig{
		SuccessRate:   successRate,
		MachineRate:   machineRate,
		MaxCallLength: maxLength,
	}, sink, nil, rand.NewSource(1))
	t.Cleanup(func() { _ = p.Close() })
	return p, sink
}

func TestAnsweredCallRunsFullLifecycle(t *testing.T) {
	p, sink := newTestProvider(t, 1, 0, 20*time.Millisecond)

	placement, err := p.PlaceCall(context.Background(), telephony.CallRequest{
		CallID:      "call-1",
		CampaignID:  "camp-1",
		PhoneNumber: "+15550001",
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-call-1", placement.ProviderRef)

	require.Eventually(t, func() bool { return len(sink.statuses()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ringing", "answered", "completed"}, sink.statuses())

	updates := sink.snapshot()
	assert.Equal(t, "human", updates[1].AnsweredBy)
	for _, u := range updates {
		assert.Equal(t, "call-1", u.CallID)
		assert.Equal(t, "camp-1", u.CampaignID)
		assert.Equal(t, "outbound", u.Direction)
	}
}

func TestMachineDetectionIsReported(t *testing.T) {
	p, sink := newTestProvider(t, 1, 1, 20*time.Millisecond)

	_, err := p.PlaceCall(context.Background(), telephony.CallRequest{CallID: "call-1", PhoneNumber: "+15550001"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.statuses()) >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "machine", sink.snapshot()[1].AnsweredBy)
}

func TestUnansweredCallEndsWithFailureKind(t *testing.T) {
	p, sink := newTestProvider(t, 0, 0, 20*time.Millisecond)

	_, err := p.PlaceCall(context.Background(), telephony.CallRequest{CallID: "call-1", PhoneNumber: "+15550001"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.statuses()) == 2 }, time.Second, time.Millisecond)
	last := events.Kind(sink.statuses()[1])
	assert.Contains(t, []events.Kind{events.KindBusy, events.KindNoAnswer, events.KindFailed}, last)
}

func TestHangUpStopsSimulation(t *testing.T) {
	p, sink := newTestProvider(t, 1, 0, time.Second)

	_, err := p.PlaceCall(context.Background(), telephony.CallRequest{CallID: "call-1", PhoneNumber: "+15550001"})
	require.NoError(t, err)
	require.NoError(t, p.HangUp(context.Background(), "call-1"))

	time.Sleep(250 * time.Millisecond)
	assert.NotContains(t, sink.statuses(), "completed")

	err = p.HangUp(context.Background(), "call-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPlaceCallValidatesRequest(t *testing.T) {
	p, _ := newTestProvider(t, 1, 0, time.Second)

	_, err := p.PlaceCall(context.Background(), telephony.CallRequest{CallID: "call-1"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = p.PlaceCall(context.Background(), telephony.CallRequest{CallID: "call-2", PhoneNumber: "+1555"})
	require.NoError(t, err)
	_, err = p.PlaceCall(context.Background(), telephony.CallRequest{CallID: "call-2", PhoneNumber: "+1555"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}
