package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// Options tune every scheduler created by a registry.
type Options struct {
	// Defaults fill a batch size or concurrency limit the campaign record leaves at zero.
	// Stored delays are used as is.
	Defaults        domain.Settings
	SlotCeiling     int
	CallTimeout     time.Duration
	DispatchTimeout time.Duration
	StoreTimeout    time.Duration
	// IdlePoll is the minimum wait after a batch that dispatched nothing.
	IdlePoll time.Duration
	Logger   *logger.Logger
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SlotCeiling <= 0 {
		o.SlotCeiling = 1000
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.IdlePoll < 0 {
		o.IdlePoll = 0
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// CampaignScheduler drives the batch loop of one campaign run.
type CampaignScheduler struct {
	id     string
	deps   Deps
	opts   Options
	log    *logger.Logger
	tracer trace.Tracer

	// ctlMu serializes control operations.
	ctlMu sync.Mutex

	mu          sync.Mutex
	status      domain.RunStatus
	settings    domain.Settings
	batchIndex  int
	processed   int64
	successful  int64
	failed      int64
	inFlight    map[string]*trackedCall
	startedAt   time.Time
	lastBatchAt time.Time
	batchActive bool
	// enforced is the slot limit applied by the last pool resize; 0 before the first batch.
	enforced  int
	runCtx    context.Context
	runCancel context.CancelFunc

	task       task
	slots      *slotPool
	dispatches sync.WaitGroup
}

func newCampaignScheduler(campaignID string, deps Deps, opts Options) *CampaignScheduler {
	return &CampaignScheduler{
		id:       campaignID,
		deps:     deps,
		opts:     opts,
		log:      opts.Logger.Named("scheduler").With(zap.String("campaign_id", campaignID)),
		tracer:   otel.Tracer("outbound.scheduler"),
		status:   domain.RunStatusIdle,
		settings: opts.Defaults,
		inFlight: map[string]*trackedCall{},
		slots:    newSlotPool(opts.SlotCeiling),
	}
}

// Start loads the campaign record and begins the batch loop.
func (s *CampaignScheduler) Start(ctx context.Context) (Result, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	switch s.currentStatus() {
	case domain.RunStatusRunning:
		return s.result(OutcomeAlreadyRunning), nil
	case domain.RunStatusPaused:
		return s.resume(ctx), nil
	case domain.RunStatusStopped, domain.RunStatusCompleted:
		return s.result(OutcomeNotActive), nil
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	campaign, err := s.deps.Store.Get(sctx, s.id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return notFound(s.id), nil
		}
		return Result{}, fmt.Errorf("scheduler: load campaign: %w", err)
	}
	if !campaign.Status.Runnable() {
		s.log.Info("scheduler: campaign not runnable", zap.String("record_status", string(campaign.Status)))
		return s.result(OutcomeNotActive), nil
	}

	settings := campaign.Settings.WithDefaults(s.opts.Defaults)
	if err := s.checkSettings(settings); err != nil {
		return Result{}, err
	}

	if err := s.deps.Store.UpdateStatus(sctx, s.id, domain.CampaignStatusInProgress); err != nil {
		return Result{}, fmt.Errorf("scheduler: mark in progress: %w", err)
	}

	s.mu.Lock()
	s.settings = settings
	s.status = domain.RunStatusRunning
	s.startedAt = s.opts.Now()
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.armLocked(0)
	s.mu.Unlock()

	s.log.Info("scheduler: started",
		zap.Int("batch_size", settings.BatchSize),
		zap.Int("max_concurrent_calls", settings.MaxConcurrentCalls),
		zap.Duration("batch_delay", settings.BatchDelay),
		zap.Duration("call_delay", settings.CallDelay),
	)
	return s.result(OutcomeStarted), nil
}

// Pause prevents further batches and interrupts the current one between contacts.
// Calls already dispatched keep running.
func (s *CampaignScheduler) Pause(ctx context.Context) Result {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	switch s.status {
	case domain.RunStatusPaused:
		s.mu.Unlock()
		return s.result(OutcomeAlreadyPaused)
	case domain.RunStatusRunning:
	default:
		s.mu.Unlock()
		return s.result(OutcomeNotRunning)
	}
	s.status = domain.RunStatusPaused
	s.task.cancel()
	s.runCancel()
	s.mu.Unlock()

	s.recordStatus(ctx, domain.CampaignStatusPaused)
	s.log.Info("scheduler: paused")
	return s.result(OutcomePaused)
}

// Resume re-arms the batch loop of a paused run.
func (s *CampaignScheduler) Resume(ctx context.Context) Result {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	return s.resume(ctx)
}

func (s *CampaignScheduler) resume(ctx context.Context) Result {
	s.mu.Lock()
	switch s.status {
	case domain.RunStatusRunning:
		s.mu.Unlock()
		return s.result(OutcomeNotPaused)
	case domain.RunStatusPaused:
	default:
		s.mu.Unlock()
		return s.result(OutcomeNotRunning)
	}
	s.status = domain.RunStatusRunning
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	// An interrupted batch still unwinding re-arms the loop when it returns.
	if !s.batchActive {
		s.armLocked(0)
	}
	s.mu.Unlock()

	s.recordStatus(ctx, domain.CampaignStatusInProgress)
	s.log.Info("scheduler: resumed")
	return s.result(OutcomeResumed)
}

// Stop ends the run. In-flight calls are asked to hang up on a best-effort basis.
func (s *CampaignScheduler) Stop(ctx context.Context, markComplete bool) Result {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	return s.stop(ctx, markComplete, true)
}

// stop ends the run. Natural completion passes hangUp=false so calls placed by
// the last batch finish on their own.
func (s *CampaignScheduler) stop(ctx context.Context, markComplete, hangUp bool) Result {
	s.mu.Lock()
	if s.status != domain.RunStatusRunning && s.status != domain.RunStatusPaused {
		s.mu.Unlock()
		return s.result(OutcomeNotRunning)
	}
	final, record := domain.RunStatusStopped, domain.CampaignStatusStopped
	if markComplete {
		final, record = domain.RunStatusCompleted, domain.CampaignStatusCompleted
	}
	s.status = final
	s.task.cancel()
	s.runCancel()
	calls := make([]*trackedCall, 0, len(s.inFlight))
	for _, call := range s.inFlight {
		calls = append(calls, call)
	}
	progress := s.progressLocked()
	s.mu.Unlock()

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	for _, call := range calls {
		if hangUp {
			if err := s.deps.Dispatcher.EndCall(sctx, call.id); err != nil {
				s.log.Warn("scheduler: end call failed", zap.String("call_id", call.id), zap.Error(err))
			}
		}
		s.settle(call)
	}

	if err := s.deps.Store.SaveProgress(sctx, s.id, progress); err != nil {
		s.log.Error("scheduler: save final progress", zap.Error(err))
	}
	if err := s.deps.Store.UpdateStatus(sctx, s.id, record); err != nil {
		s.log.Error("scheduler: save final status", zap.Error(err), zap.String("record_status", string(record)))
	}

	s.log.Info("scheduler: stopped",
		zap.String("run_status", string(final)),
		zap.Int64("processed", progress.Processed),
		zap.Int("calls_released", len(calls)),
		zap.Bool("hang_up", hangUp),
	)
	return s.result(OutcomeStopped)
}

// Status returns the current run state without side effects.
func (s *CampaignScheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// UpdateSettings applies patch. The running batch keeps the settings it started with, so a
// lowered MaxConcurrentCalls is enforced from the next batch; Snapshot.EnforcedConcurrency
// reports the limit in force until then.
func (s *CampaignScheduler) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	s.mu.Lock()
	next, err := patch.Apply(s.settings)
	if err == nil {
		err = s.checkSettings(next)
	}
	if err != nil {
		s.mu.Unlock()
		return domain.Settings{}, err
	}
	s.settings = next
	s.mu.Unlock()

	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.deps.Store.SaveSettings(sctx, s.id, next); err != nil {
		s.log.Warn("scheduler: persist settings", zap.Error(err))
	}
	return next, nil
}

// drain waits for dispatches that were already handed to the dialer.
func (s *CampaignScheduler) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CampaignScheduler) checkSettings(settings domain.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if settings.MaxConcurrentCalls > s.opts.SlotCeiling {
		return fmt.Errorf("%w: max concurrent calls exceeds ceiling of %d", apperrors.ErrValidation, s.opts.SlotCeiling)
	}
	return nil
}

// armLocked schedules the next batch after max(minDelay, batchDelay - sinceLastBatch).
// Callers hold s.mu.
func (s *CampaignScheduler) armLocked(minDelay time.Duration) {
	delay := time.Duration(0)
	if !s.lastBatchAt.IsZero() {
		delay = s.settings.BatchDelay - s.opts.Now().Sub(s.lastBatchAt)
	}
	if delay < minDelay {
		delay = minDelay
	}
	s.task.schedule(delay, s.runBatch)
}

func (s *CampaignScheduler) recordStatus(ctx context.Context, status domain.CampaignStatus) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.deps.Store.UpdateStatus(sctx, s.id, status); err != nil {
		s.log.Warn("scheduler: persist status", zap.Error(err), zap.String("record_status", string(status)))
	}
}

// storeContext detaches from the caller's cancellation so persistence finishes.
func (s *CampaignScheduler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
}

func (s *CampaignScheduler) currentStatus() domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *CampaignScheduler) isRunning() bool {
	return s.currentStatus() == domain.RunStatusRunning
}

func (s *CampaignScheduler) result(outcome Outcome) Result {
	return Result{Outcome: outcome, Snapshot: s.Status()}
}

func (s *CampaignScheduler) progressLocked() domain.Progress {
	return domain.Progress{
		BatchIndex: s.batchIndex,
		Processed:  s.processed,
		Successful: s.successful,
		Failed:     s.failed,
		UpdatedAt:  s.opts.Now(),
	}
}

func (s *CampaignScheduler) snapshotLocked() Snapshot {
	inFlight := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		inFlight = append(inFlight, id)
	}
	sort.Strings(inFlight)

	snap := Snapshot{
		CampaignID: s.id,
		Status:     s.status,
		BatchIndex: s.batchIndex,
		Processed:  s.processed,
		Successful: s.successful,
		Failed:     s.failed,
		InFlight:   inFlight,
		Settings:   s.settings,

		EnforcedConcurrency: s.enforced,
	}
	if snap.EnforcedConcurrency == 0 {
		snap.EnforcedConcurrency = s.settings.MaxConcurrentCalls
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if !s.lastBatchAt.IsZero() {
		last := s.lastBatchAt
		snap.LastBatchAt = &last
	}
	return snap
}
