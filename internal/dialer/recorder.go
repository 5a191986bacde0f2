package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// Recorder persists call lifecycle events observed on the bus. Bus delivery only
// enqueues; a single Run loop performs the writes in publish order.
type Recorder struct {
	calls   repository.CallStore
	stats   repository.CallStatsRepository
	queue   chan events.Event
	timeout time.Duration
	logger  *logger.Logger
	dropped atomic.Int64

	mu        sync.Mutex
	campaigns map[string]string
}

// NewRecorder constructs a recorder. stats may be nil.
func NewRecorder(calls repository.CallStore, stats repository.CallStatsRepository, buffer int, log *logger.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{
		calls:     calls,
		stats:     stats,
		queue:     make(chan events.Event, buffer),
		timeout:   5 * time.Second,
		logger:    log.Named("recorder"),
		campaigns: map[string]string{},
	}
}

// Handle is the bus listener. Events are dropped when the queue is full.
func (r *Recorder) Handle(e events.Event) {
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("recorder: queue full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run writes queued events until ctx ends, then flushes what is already queued.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case e := <-r.queue:
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) flush() {
	ctx := context.Background()
	for {
		select {
		case e := <-r.queue:
			r.record(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) record(parent context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
	defer cancel()
	log := r.logger.With(zap.String("call_id", e.CallID), zap.String("kind", string(e.Kind)))

	if err := r.apply(ctx, e); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			log.Debug("recorder: event for unknown call", zap.Error(err))
		} else {
			log.Warn("recorder: write call", zap.Error(err))
		}
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		log.Warn("recorder: encode payload", zap.Error(err))
		payload = nil
	}
	if err := r.calls.AppendEvent(ctx, domain.CallEvent{
		CallID:     e.CallID,
		Kind:       string(e.Kind),
		Payload:    payload,
		OccurredAt: e.OccurredAt,
	}); err != nil {
		log.Warn("recorder: append event", zap.Error(err))
	}
}

func (r *Recorder) apply(ctx context.Context, e events.Event) error {
	info, fromDialer := e.Payload.(CallInfo)

	switch {
	case e.Kind == events.KindInitiated && fromDialer:
		r.remember(e.CallID, info.CampaignID)
		r.applyStats(ctx, e.CallID, domain.CallStats{Dialed: 1})
		return r.calls.CreateCall(ctx, &domain.Call{
			ID:          e.CallID,
			CampaignID:  info.CampaignID,
			ContactID:   info.ContactID,
			PhoneNumber: info.PhoneNumber,
			Status:      domain.CallStatusDialing,
			AnsweredBy:  domain.AnsweredByUnknown,
			CreatedAt:   e.OccurredAt,
		})

	case e.Kind == events.KindFailed && fromDialer && !r.known(e.CallID):
		// Rejected before the initiated event, so there is no record yet.
		r.applyStats(ctx, e.CallID, domain.CallStats{Failed: 1})
		r.forget(e.CallID)
		lastError := info.Error
		return r.calls.CreateCall(ctx, &domain.Call{
			ID:          e.CallID,
			CampaignID:  info.CampaignID,
			ContactID:   info.ContactID,
			PhoneNumber: info.PhoneNumber,
			Status:      domain.CallStatusFailed,
			AnsweredBy:  domain.AnsweredByUnknown,
			LastError:   &lastError,
			CreatedAt:   e.OccurredAt,
		})

	case e.Kind == events.KindAMD:
		result, ok := e.Payload.(events.AMDResult)
		if !ok {
			return nil
		}
		answeredBy := ParseAnsweredBy(result.AnsweredBy)
		if answeredBy == domain.AnsweredByMachine {
			r.applyStats(ctx, e.CallID, domain.CallStats{Machine: 1})
		}
		return r.calls.SetAnsweredBy(ctx, e.CallID, answeredBy)
	}

	status, ok := CallStatusFor(e.Kind)
	if !ok {
		return nil
	}
	var lastError *string
	if fromDialer && info.Error != "" {
		lastError = &info.Error
	}
	r.applyStats(ctx, e.CallID, statsDelta(e.Kind))
	if e.Kind.Terminal() {
		defer r.forget(e.CallID)
	}
	return r.calls.UpdateCallStatus(ctx, e.CallID, status, lastError)
}

func (r *Recorder) applyStats(ctx context.Context, callID string, delta domain.CallStats) {
	if r.stats == nil || delta == (domain.CallStats{}) {
		return
	}
	campaignID := r.campaignOf(ctx, callID)
	if campaignID == "" {
		return
	}
	if err := r.stats.ApplyDelta(ctx, campaignID, delta); err != nil {
		r.logger.Warn("recorder: apply stats", zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

func (r *Recorder) campaignOf(ctx context.Context, callID string) string {
	r.mu.Lock()
	id, ok := r.campaigns[callID]
	r.mu.Unlock()
	if ok {
		return id
	}
	call, err := r.calls.GetCall(ctx, callID)
	if err != nil {
		return ""
	}
	return call.CampaignID
}

func (r *Recorder) remember(callID, campaignID string) {
	r.mu.Lock()
	r.campaigns[callID] = campaignID
	r.mu.Unlock()
}

func (r *Recorder) known(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.campaigns[callID]
	return ok
}

func (r *Recorder) forget(callID string) {
	r.mu.Lock()
	delete(r.campaigns, callID)
	r.mu.Unlock()
}

// CallStatusFor maps a lifecycle kind to the stored call status.
func CallStatusFor(kind events.Kind) (domain.CallStatus, bool) {
	switch kind {
	case events.KindInitiated:
		return domain.CallStatusDialing, true
	case events.KindRinging:
		return domain.CallStatusRinging, true
	case events.KindAnswered:
		return domain.CallStatusInProgress, true
	case events.KindCompleted:
		return domain.CallStatusCompleted, true
	case events.KindBusy:
		return domain.CallStatusBusy, true
	case events.KindNoAnswer:
		return domain.CallStatusNoAnswer, true
	case events.KindFailed:
		return domain.CallStatusFailed, true
	case events.KindCanceled:
		return domain.CallStatusCanceled, true
	default:
		return "", false
	}
}

// ParseAnsweredBy normalizes provider AMD labels such as "machine_start" or "human".
func ParseAnsweredBy(raw string) domain.AnsweredBy {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "human":
		return domain.AnsweredByHuman
	case strings.HasPrefix(v, "machine"):
		return domain.AnsweredByMachine
	case v == "fax":
		return domain.AnsweredByFax
	default:
		return domain.AnsweredByUnknown
	}
}

func statsDelta(kind events.Kind) domain.CallStats {
	switch kind {
	case events.KindAnswered:
		return domain.CallStats{Answered: 1}
	case events.KindCompleted:
		return domain.CallStats{Completed: 1}
	case events.KindBusy:
		return domain.CallStats{Busy: 1}
	case events.KindNoAnswer:
		return domain.CallStats{NoAnswer: 1}
	case events.KindFailed:
		return domain.CallStats{Failed: 1}
	case events.KindCanceled:
		return domain.CallStats{Canceled: 1}
	default:
		return domain.CallStats{}
	}
}
