package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
)

// trackedCall holds a concurrency slot from dispatch until the call settles.
type trackedCall struct {
	id string

	mu          sync.Mutex
	settled     bool
	unsubscribe events.CancelFunc
	timeout     *time.Timer
}

func (c *trackedCall) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	c.settled = true
	if c.timeout != nil {
		c.timeout.Stop()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return true
}

func (c *trackedCall) setUnsubscribe(fn events.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		fn()
		return
	}
	c.unsubscribe = fn
}

func (c *trackedCall) armTimeout(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled || d <= 0 {
		return
	}
	c.timeout = time.AfterFunc(d, fn)
}

// runBatch is the task callback: one batch, then re-arm while running.
func (s *CampaignScheduler) runBatch() {
	s.mu.Lock()
	if s.status != domain.RunStatusRunning || s.batchActive {
		s.mu.Unlock()
		return
	}
	s.batchActive = true
	runCtx := s.runCtx
	settings := s.settings
	index := s.batchIndex
	s.mu.Unlock()

	outcome := s.executeBatch(runCtx, index, settings)

	s.mu.Lock()
	s.batchActive = false
	s.lastBatchAt = s.opts.Now()
	if s.status == domain.RunStatusRunning && outcome != batchExhausted {
		minDelay := time.Duration(0)
		if outcome == batchIdle {
			minDelay = s.opts.IdlePoll
		}
		s.armLocked(minDelay)
	}
	s.mu.Unlock()

	if outcome == batchExhausted {
		s.ctlMu.Lock()
		res := s.stop(context.Background(), true, false)
		s.ctlMu.Unlock()
		if res.Outcome == OutcomeStopped {
			s.log.Info("scheduler: campaign completed", zap.Int64("processed", res.Processed))
		}
	}
}

type batchOutcome int

const (
	batchDispatched batchOutcome = iota
	// batchIdle means nothing was dispatched: fetch failed, source empty, or interrupted.
	batchIdle
	batchExhausted
)

// executeBatch fetches and dispatches one batch.
func (s *CampaignScheduler) executeBatch(ctx context.Context, index int, settings domain.Settings) batchOutcome {
	ctx, span := s.tracer.Start(ctx, "scheduler.batch", trace.WithAttributes(
		attribute.String("campaign.id", s.id),
		attribute.Int("batch.index", index),
		attribute.Int("batch.size", settings.BatchSize),
	))
	defer span.End()
	log := s.log.WithContext(ctx).With(zap.Int("batch_index", index))

	if err := s.slots.resize(ctx, settings.MaxConcurrentCalls); err != nil {
		log.Debug("scheduler: batch interrupted before fetch", zap.Error(err))
		return batchIdle
	}
	s.mu.Lock()
	s.enforced = s.slots.limit()
	s.mu.Unlock()

	contacts, err := s.deps.Contacts.NextBatch(ctx, s.id, index, settings.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch contacts")
		log.Error("scheduler: fetch contacts", zap.Error(err))
		return batchIdle
	}
	span.SetAttributes(attribute.Int("contacts.fetched", len(contacts)))

	if len(contacts) == 0 {
		// Dispatches of the previous batch decide whether anything was processed.
		s.dispatches.Wait()
		s.mu.Lock()
		processed := s.processed
		s.mu.Unlock()
		if processed > 0 {
			return batchExhausted
		}
		log.Debug("scheduler: no contacts yet")
		return batchIdle
	}

	dispatched := 0
	for i, contact := range contacts {
		if !s.isRunning() {
			break
		}
		if err := s.slots.acquire(ctx); err != nil {
			break
		}
		if !s.dispatch(ctx, index, contact) {
			s.slots.release()
			break
		}
		dispatched++

		if settings.CallDelay > 0 && i < len(contacts)-1 {
			if !sleep(ctx, settings.CallDelay) {
				break
			}
		}
	}
	span.SetAttributes(attribute.Int("contacts.dispatched", dispatched))

	if dispatched < len(contacts) {
		s.releaseContacts(ctx, contacts[dispatched:])
	}
	if dispatched == 0 {
		return batchIdle
	}

	s.mu.Lock()
	s.batchIndex++
	progress := s.progressLocked()
	s.mu.Unlock()

	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.deps.Store.SaveProgress(sctx, s.id, progress); err != nil {
		log.Warn("scheduler: save progress", zap.Error(err))
	}

	log.Info("scheduler: batch finished",
		zap.Int("fetched", len(contacts)),
		zap.Int("dispatched", dispatched),
		zap.Int64("processed", progress.Processed),
	)
	return batchDispatched
}

// dispatch registers the call and hands it to the dialer without waiting for it.
// It reports false when the run stopped before the call could be registered.
func (s *CampaignScheduler) dispatch(ctx context.Context, index int, contact domain.Contact) bool {
	call := &trackedCall{id: uuid.NewString()}

	s.mu.Lock()
	if s.status != domain.RunStatusRunning {
		s.mu.Unlock()
		return false
	}
	s.inFlight[call.id] = call
	s.dispatches.Add(1)
	s.mu.Unlock()

	// Subscribe before dispatching so an early terminal event is not missed.
	call.setUnsubscribe(s.deps.Events.Subscribe(call.id, events.AnyKind, func(e events.Event) {
		if e.Kind.Terminal() {
			s.settle(call)
		}
	}))

	req := DispatchRequest{CallID: call.id, CampaignID: s.id, BatchIndex: index, Contact: contact}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DispatchTimeout)

	go func() {
		defer s.dispatches.Done()
		defer cancel()

		dctx, span := s.tracer.Start(dctx, "scheduler.dispatch", trace.WithAttributes(
			attribute.String("campaign.id", s.id),
			attribute.String("call.id", call.id),
			attribute.String("contact.id", contact.ID),
		))
		defer span.End()

		_, err := s.deps.Dispatcher.Dispatch(dctx, req)
		s.recordOutcome(err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch")
			s.log.Warn("scheduler: dispatch failed",
				zap.String("call_id", call.id),
				zap.String("contact_id", contact.ID),
				zap.Error(err),
			)
			s.settle(call)
			return
		}

		call.armTimeout(s.opts.CallTimeout, func() {
			s.log.Warn("scheduler: call timed out without terminal event", zap.String("call_id", call.id))
			s.settle(call)
		})
	}()
	return true
}

// recordOutcome counts a settled dispatch. Counters are frozen once the run ended.
func (s *CampaignScheduler) recordOutcome(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.processed++
	if ok {
		s.successful++
	} else {
		s.failed++
	}
}

// settle frees the call's slot exactly once.
func (s *CampaignScheduler) settle(call *trackedCall) {
	if !call.close() {
		return
	}
	s.mu.Lock()
	delete(s.inFlight, call.id)
	s.mu.Unlock()
	s.slots.release()
}

func (s *CampaignScheduler) releaseContacts(ctx context.Context, contacts []domain.Contact) {
	releaser, ok := s.deps.Contacts.(ContactReleaser)
	if !ok {
		return
	}
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := releaser.ReleaseContacts(sctx, s.id, ids); err != nil {
		s.log.Warn("scheduler: release contacts", zap.Error(err), zap.Int("count", len(ids)))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
