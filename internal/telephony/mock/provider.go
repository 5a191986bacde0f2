package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/config"
	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// minRingDelay is the shortest simulated time before the callee's phone rings.
const minRingDelay = 50 * time.Millisecond

// Provider simulates outbound call behaviour and reports progress through a sink.
type Provider struct {
	successRate float64
	machineRate float64
	maxLength   time.Duration
	ringDelay   time.Duration
	sink        telephony.StatusSink
	logger      *logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvider constructs a mock provider seeded from the clock.
func NewProvider(cfg config.CallBridgeConfig, sink telephony.StatusSink, log *logger.Logger) *Provider {
	return newProvider(cfg, sink, log, rand.NewSource(time.Now().UnixNano()))
}

func newProvider(cfg config.CallBridgeConfig, sink telephony.StatusSink, log *logger.Logger, src rand.Source) *Provider {
	if log == nil {
		log = logger.NewNop()
	}
	maxLength := cfg.MaxCallLength
	if maxLength <= 0 {
		maxLength = 5 * time.Second
	}
	return &Provider{
		successRate: cfg.SuccessRate,
		machineRate: cfg.MachineRate,
		maxLength:   maxLength,
		ringDelay:   max(maxLength/10, minRingDelay),
		sink:        sink,
		logger:      log.Named("mock-telephony"),
		rng:         rand.New(src),
		active:      map[string]context.CancelFunc{},
	}
}

// PlaceCall accepts the call and simulates its lifecycle in the background.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.Placement, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Placement{}, err
	}
	if req.CallID == "" || req.PhoneNumber == "" {
		return telephony.Placement{}, fmt.Errorf("%w: call id and phone number are required", apperrors.ErrValidation)
	}

	simCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if _, exists := p.active[req.CallID]; exists {
		p.mu.Unlock()
		cancel()
		return telephony.Placement{}, fmt.Errorf("mock telephony: call %s: %w", req.CallID, apperrors.ErrConflict)
	}
	p.active[req.CallID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	plan := p.plan()
	go p.simulate(simCtx, req, plan)
	return telephony.Placement{ProviderRef: "mock-" + req.CallID}, nil
}

// HangUp stops the simulated call.
func (p *Provider) HangUp(_ context.Context, callID string) error {
	p.mu.Lock()
	cancel, ok := p.active[callID]
	delete(p.active, callID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock telephony: call %s: %w", callID, apperrors.ErrNotFound)
	}
	cancel()
	return nil
}

// Close hangs up every simulated call and waits for the simulations to exit.
func (p *Provider) Close() error {
	p.mu.Lock()
	for id, cancel := range p.active {
		cancel()
		delete(p.active, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

type callPlan struct {
	outcome    events.Kind
	answeredBy domain.AnsweredBy
	duration   time.Duration
}

func (p *Provider) plan() callPlan {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	duration := time.Duration(1 + p.rng.Int63n(int64(p.maxLength)))
	if p.rng.Float64() < p.successRate {
		answeredBy := domain.AnsweredByHuman
		if p.rng.Float64() < p.machineRate {
			answeredBy = domain.AnsweredByMachine
		}
		return callPlan{outcome: events.KindCompleted, answeredBy: answeredBy, duration: duration}
	}

	failures := []events.Kind{events.KindBusy, events.KindNoAnswer, events.KindFailed}
	return callPlan{outcome: failures[p.rng.Intn(len(failures))], duration: duration}
}

func (p *Provider) simulate(ctx context.Context, req telephony.CallRequest, plan callPlan) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.active, req.CallID)
		p.mu.Unlock()
	}()

	if !wait(ctx, p.ringDelay) {
		return
	}
	p.emit(req, events.StatusUpdate{Status: string(events.KindRinging)})

	if plan.outcome != events.KindCompleted {
		if !wait(ctx, p.ringDelay) {
			return
		}
		p.emit(req, events.StatusUpdate{Status: string(plan.outcome)})
		return
	}

	if !wait(ctx, p.ringDelay) {
		return
	}
	p.emit(req, events.StatusUpdate{Status: string(events.KindAnswered), AnsweredBy: string(plan.answeredBy)})

	if !wait(ctx, plan.duration) {
		return
	}
	p.emit(req, events.StatusUpdate{Status: string(events.KindCompleted), DurationMs: plan.duration.Milliseconds()})
}

func (p *Provider) emit(req telephony.CallRequest, update events.StatusUpdate) {
	if p.sink == nil {
		return
	}
	update.CallID = req.CallID
	update.CampaignID = req.CampaignID
	update.Direction = string(domain.DirectionOutbound)
	update.OccurredAt = time.Now().UTC()
	if err := p.sink.Ingest(context.Background(), update); err != nil {
		p.logger.Warn("mock telephony: emit status", zap.String("call_id", req.CallID), zap.Error(err))
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
