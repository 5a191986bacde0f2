package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	statuses  []domain.CampaignStatus
	progress  []domain.Progress
	settings  []domain.Settings
}

func newFakeStore(campaigns ...domain.Campaign) *fakeStore {
	store := &fakeStore{campaigns: map[string]*domain.Campaign{}}
	for i := range campaigns {
		c := campaigns[i]
		store.campaigns[c.ID] = &c
	}
	return store
}

func (f *fakeStore) Get(_ context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, status domain.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.Status = status
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) SaveProgress(_ context.Context, _ string, progress domain.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeStore) SaveSettings(_ context.Context, id string, settings domain.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.Settings = settings
	}
	f.settings = append(f.settings, settings)
	return nil
}

func (f *fakeStore) setStatus(id string, status domain.CampaignStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[id].Status = status
}

func (f *fakeStore) recordStatus(id string) domain.CampaignStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[id].Status
}

func (f *fakeStore) lastProgress() domain.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.progress) == 0 {
		return domain.Progress{}
	}
	return f.progress[len(f.progress)-1]
}

// flakyStore fails its first Get after blocking until gate is closed.
type flakyStore struct {
	*fakeStore
	entered chan struct{}
	gate    chan struct{}

	once sync.Once
}

func (f *flakyStore) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	fail := false
	f.once.Do(func() { fail = true })
	if fail {
		close(f.entered)
		<-f.gate
		return nil, errors.New("transient db error")
	}
	return f.fakeStore.Get(ctx, id)
}

type fakeSource struct {
	mu       sync.Mutex
	batches  [][]domain.Contact
	served   int
	indices  []int
	sizes    []int
	errs     []error
	gate     chan struct{}
	released []string
	// releaseEntered is closed on the first ReleaseContacts call, which then waits for releaseGate.
	releaseEntered chan struct{}
	releaseGate    chan struct{}
}

func (f *fakeSource) NextBatch(ctx context.Context, _ string, batchIndex, batchSize int) ([]domain.Contact, error) {
	f.mu.Lock()
	f.indices = append(f.indices, batchIndex)
	f.sizes = append(f.sizes, batchSize)
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if f.served < len(f.batches) {
		batch := f.batches[f.served]
		f.served++
		return batch, nil
	}
	return nil, nil
}

func (f *fakeSource) ReleaseContacts(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	entered, gate := f.releaseEntered, f.releaseGate
	f.releaseEntered, f.releaseGate = nil, nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ids...)
	return nil
}

func (f *fakeSource) fetchIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.indices...)
}

func (f *fakeSource) fetchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...)
}

func (f *fakeSource) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeDispatcher struct {
	bus *events.Bus
	// completeAfter publishes a completed event after the delay; negative never completes.
	completeAfter time.Duration
	failContacts  map[string]bool

	mu        sync.Mutex
	placed    []string
	contacts  []string
	ended     []string
	active    int
	maxActive int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req DispatchRequest) (DispatchResult, error) {
	if f.failContacts[req.Contact.ID] {
		return DispatchResult{}, errors.New("provider rejected call")
	}
	f.mu.Lock()
	f.placed = append(f.placed, req.CallID)
	f.contacts = append(f.contacts, req.Contact.ID)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	if f.completeAfter >= 0 {
		go func() {
			time.Sleep(f.completeAfter)
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
			f.bus.Publish(req.CallID, events.KindCompleted, nil)
		}()
	}
	return DispatchResult{CallID: req.CallID, ProviderRef: "ref-" + req.CallID}, nil
}

func (f *fakeDispatcher) EndCall(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callID)
	return errors.New("provider unreachable")
}

func (f *fakeDispatcher) placedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.placed...)
}

func (f *fakeDispatcher) dispatchedContacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.contacts...)
}

func (f *fakeDispatcher) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func (f *fakeDispatcher) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func contacts(ids ...string) []domain.Contact {
	out := make([]domain.Contact, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Contact{ID: id, PhoneNumber: "+1555" + id})
	}
	return out
}

func campaign(id string, settings domain.Settings) domain.Campaign {
	return domain.Campaign{ID: id, Name: "test " + id, Status: domain.CampaignStatusPending, Settings: settings}
}
