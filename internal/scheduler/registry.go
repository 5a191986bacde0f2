package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// Registry owns at most one CampaignScheduler per campaign id.
type Registry struct {
	deps Deps
	opts Options
	log  *logger.Logger

	mu         sync.Mutex
	schedulers map[string]*CampaignScheduler
	starting   map[string]*startGuard
}

// startGuard serializes Start calls for one campaign id. waiters counts holders and
// queued callers so the guard is dropped once nobody needs it.
type startGuard struct {
	mu      sync.Mutex
	waiters int
}

// NewRegistry constructs an empty registry.
func NewRegistry(deps Deps, opts Options) (*Registry, error) {
	if deps.Contacts == nil || deps.Dispatcher == nil || deps.Store == nil || deps.Events == nil {
		return nil, errors.New("scheduler: registry requires contacts, dispatcher, store and events")
	}
	opts = opts.withDefaults()
	return &Registry{
		deps:       deps,
		opts:       opts,
		log:        opts.Logger.Named("registry"),
		schedulers: map[string]*CampaignScheduler{},
		starting:   map[string]*startGuard{},
	}, nil
}

// Start begins a run. A paused instance is resumed, and a finished instance is
// replaced by a fresh run when the campaign record still allows it. Starts of the
// same campaign run one at a time, so a failed start cannot drop an instance another
// caller is about to run.
func (r *Registry) Start(ctx context.Context, campaignID string) (Result, error) {
	unlock := r.lockStart(campaignID)
	defer unlock()

	r.mu.Lock()
	previous := r.schedulers[campaignID]
	current := previous
	if current == nil || current.currentStatus().Terminal() {
		current = newCampaignScheduler(campaignID, r.deps, r.opts)
		r.schedulers[campaignID] = current
	}
	r.mu.Unlock()

	if current != previous {
		res, err := current.Start(ctx)
		if err != nil || res.Outcome != OutcomeStarted {
			r.restore(campaignID, current, previous)
		}
		return res, err
	}

	if current.currentStatus() == domain.RunStatusPaused {
		return current.Resume(ctx), nil
	}
	return current.Start(ctx)
}

func (r *Registry) lockStart(campaignID string) func() {
	r.mu.Lock()
	guard := r.starting[campaignID]
	if guard == nil {
		guard = &startGuard{}
		r.starting[campaignID] = guard
	}
	guard.waiters++
	r.mu.Unlock()

	guard.mu.Lock()
	return func() {
		guard.mu.Unlock()
		r.mu.Lock()
		guard.waiters--
		if guard.waiters == 0 {
			delete(r.starting, campaignID)
		}
		r.mu.Unlock()
	}
}

// restore puts back the previous instance after a failed start, as long as no
// other caller replaced the entry in the meantime.
func (r *Registry) restore(campaignID string, failed, previous *CampaignScheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schedulers[campaignID] != failed || failed.currentStatus() != domain.RunStatusIdle {
		return
	}
	if previous == nil {
		delete(r.schedulers, campaignID)
		return
	}
	r.schedulers[campaignID] = previous
}

// Pause pauses a running instance.
func (r *Registry) Pause(ctx context.Context, campaignID string) Result {
	s := r.lookup(campaignID)
	if s == nil {
		return notFound(campaignID)
	}
	return s.Pause(ctx)
}

// Resume resumes a paused instance.
func (r *Registry) Resume(ctx context.Context, campaignID string) Result {
	s := r.lookup(campaignID)
	if s == nil {
		return notFound(campaignID)
	}
	return s.Resume(ctx)
}

// Stop ends a run, marking it completed when markComplete is set.
func (r *Registry) Stop(ctx context.Context, campaignID string, markComplete bool) Result {
	s := r.lookup(campaignID)
	if s == nil {
		return notFound(campaignID)
	}
	return s.Stop(ctx, markComplete)
}

// Status returns the snapshot of a known instance.
func (r *Registry) Status(campaignID string) (Snapshot, bool) {
	s := r.lookup(campaignID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.Status(), true
}

// UpdateSettings patches the settings of a known instance and returns the result.
func (r *Registry) UpdateSettings(ctx context.Context, campaignID string, patch domain.SettingsPatch) (domain.Settings, error) {
	s := r.lookup(campaignID)
	if s == nil {
		return domain.Settings{}, fmt.Errorf("scheduler: %s: %w", campaignID, apperrors.ErrNotFound)
	}
	return s.UpdateSettings(ctx, patch)
}

// ListAll summarizes every known instance, terminal ones included.
func (r *Registry) ListAll() []Summary {
	r.mu.Lock()
	items := make([]*CampaignScheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		items = append(items, s)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(items))
	for _, s := range items {
		snap := s.Status()
		out = append(out, Summary{
			CampaignID: snap.CampaignID,
			Status:     snap.Status,
			Processed:  snap.Processed,
			InFlight:   len(snap.InFlight),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

// Evict removes a finished instance.
func (r *Registry) Evict(campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.schedulers[campaignID]
	if s == nil {
		return fmt.Errorf("scheduler: %s: %w", campaignID, apperrors.ErrNotFound)
	}
	if !s.currentStatus().Terminal() {
		return fmt.Errorf("scheduler: %s is %s: %w", campaignID, s.currentStatus(), apperrors.ErrConflict)
	}
	delete(r.schedulers, campaignID)
	return nil
}

// Shutdown pauses every running instance, leaving the campaign records
// resumable, and waits for dispatches already handed to the dialer.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	items := make([]*CampaignScheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		items = append(items, s)
	}
	r.mu.Unlock()

	for _, s := range items {
		if res := s.Pause(ctx); res.Outcome == OutcomePaused {
			r.log.Info("registry: paused on shutdown", zap.String("campaign_id", s.id))
		}
	}
	for _, s := range items {
		if err := s.drain(ctx); err != nil {
			return fmt.Errorf("scheduler: shutdown: %w", err)
		}
	}
	return nil
}

func (r *Registry) lookup(campaignID string) *CampaignScheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedulers[campaignID]
}
