package dialer

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

type fakeProvider struct {
	mu      sync.Mutex
	placed  []telephony.CallRequest
	hungUp  []string
	live    map[string]bool
	failErr error
	hangErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{live: map[string]bool{}}
}

func (p *fakeProvider) PlaceCall(_ context.Context, req telephony.CallRequest) (telephony.Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return telephony.Placement{}, p.failErr
	}
	p.placed = append(p.placed, req)
	p.live[req.CallID] = true
	return telephony.Placement{ProviderRef: "ref-" + req.CallID}, nil
}

func (p *fakeProvider) HangUp(_ context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hangErr != nil {
		return p.hangErr
	}
	if !p.live[callID] {
		return fmt.Errorf("fake provider: %w", apperrors.ErrNotFound)
	}
	delete(p.live, callID)
	p.hungUp = append(p.hungUp, callID)
	return nil
}

func (p *fakeProvider) placedRequests() []telephony.CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.CallRequest(nil), p.placed...)
}

type fakeCallStore struct {
	mu     sync.Mutex
	calls  map[string]*domain.Call
	events []domain.CallEvent
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{calls: map[string]*domain.Call{}}
}

func (s *fakeCallStore) CreateCall(_ context.Context, record *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.calls[record.ID] = &cp
	return nil
}

func (s *fakeCallStore) UpdateCallStatus(_ context.Context, callID string, status domain.CallStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return apperrors.ErrNotFound
	}
	call.Status = status
	call.LastError = lastError
	return nil
}

func (s *fakeCallStore) SetAnsweredBy(_ context.Context, callID string, answeredBy domain.AnsweredBy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return apperrors.ErrNotFound
	}
	call.AnsweredBy = answeredBy
	return nil
}

func (s *fakeCallStore) GetCall(_ context.Context, callID string) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *call
	return &cp, nil
}

func (s *fakeCallStore) ListCallsByCampaign(_ context.Context, campaignID string, _ int, _ []byte) ([]domain.Call, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Call
	for _, c := range s.calls {
		if c.CampaignID == campaignID {
			out = append(out, *c)
		}
	}
	return out, nil, nil
}

func (s *fakeCallStore) AppendEvent(_ context.Context, event domain.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeCallStore) ListEvents(_ context.Context, callID string, _ int) ([]domain.CallEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallEvent
	for _, e := range s.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeCallStore) call(id string) (domain.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return domain.Call{}, false
	}
	return *c, true
}

func (s *fakeCallStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeStats struct {
	mu     sync.Mutex
	totals map[string]domain.CallStats
}

func newFakeStats() *fakeStats {
	return &fakeStats{totals: map[string]domain.CallStats{}}
}

func (s *fakeStats) Ensure(context.Context, string) error { return nil }

func (s *fakeStats) Get(_ context.Context, campaignID string) (*domain.CallStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.totals[campaignID]
	return &st, nil
}

func (s *fakeStats) ApplyDelta(_ context.Context, campaignID string, d domain.CallStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.totals[campaignID]
	st.Dialed += d.Dialed
	st.Answered += d.Answered
	st.Completed += d.Completed
	st.Busy += d.Busy
	st.NoAnswer += d.NoAnswer
	st.Failed += d.Failed
	st.Canceled += d.Canceled
	st.Machine += d.Machine
	s.totals[campaignID] = st
	return nil
}

func (s *fakeStats) of(campaignID string) domain.CallStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[campaignID]
}
