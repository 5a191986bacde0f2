package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
	"github.com/acme/outbound-batch-dialer/internal/service/common"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CampaignLookup resolves campaign records.
type CampaignLookup interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// Service exposes call records and ad-hoc call control.
type Service struct {
	calls      repository.CallStore
	campaigns  CampaignLookup
	dispatcher scheduler.CallDispatcher
}

// NewService builds the call service.
func NewService(store repository.CallStore, campaigns CampaignLookup, dispatcher scheduler.CallDispatcher) *Service {
	return &Service{calls: store, campaigns: campaigns, dispatcher: dispatcher}
}

// TriggerCallInput encapsulates the arguments for a single test call.
type TriggerCallInput struct {
	CampaignID  string
	PhoneNumber string
	Attributes  map[string]any
}

// TriggerCall places one call for a campaign outside its batches. It still counts
// against the provider-wide placement cap but not against the campaign's slots.
func (s *Service) TriggerCall(ctx context.Context, input TriggerCallInput) (scheduler.DispatchResult, error) {
	phone := strings.TrimSpace(input.PhoneNumber)
	if phone == "" {
		return scheduler.DispatchResult{}, fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}
	if input.CampaignID == "" {
		return scheduler.DispatchResult{}, fmt.Errorf("%w: campaign id is required", apperrors.ErrValidation)
	}
	if _, err := s.campaigns.Get(ctx, input.CampaignID); err != nil {
		return scheduler.DispatchResult{}, fmt.Errorf("call service: lookup campaign: %w", err)
	}

	callID := uuid.NewString()
	res, err := s.dispatcher.Dispatch(ctx, scheduler.DispatchRequest{
		CallID:     callID,
		CampaignID: input.CampaignID,
		BatchIndex: -1,
		Contact: domain.Contact{
			ID:          callID,
			CampaignID:  input.CampaignID,
			PhoneNumber: phone,
			Attributes:  input.Attributes,
		},
	})
	if err != nil {
		return scheduler.DispatchResult{}, fmt.Errorf("call service: dispatch call: %w", err)
	}
	return res, nil
}

// HangUp ends a live call.
func (s *Service) HangUp(ctx context.Context, id string) error {
	return s.dispatcher.EndCall(ctx, id)
}

// GetCall retrieves a call by id.
func (s *Service) GetCall(ctx context.Context, id string) (*domain.Call, error) {
	return s.calls.GetCall(ctx, id)
}

// History lists the recorded events of a call, oldest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]domain.CallEvent, error) {
	return s.calls.ListEvents(ctx, id, clampLimit(limit))
}

// ListCallsByCampaignResult is one page of calls plus the cursor of the next page.
type ListCallsByCampaignResult struct {
	Calls      []domain.Call
	NextCursor string
}

// ListCallsByCampaign lists calls of a campaign. An empty cursor starts from the first page.
func (s *Service) ListCallsByCampaign(ctx context.Context, campaignID string, limit int, cursor string) (*ListCallsByCampaignResult, error) {
	pagingState, err := common.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	calls, next, err := s.calls.ListCallsByCampaign(ctx, campaignID, clampLimit(limit), pagingState)
	if err != nil {
		return nil, err
	}
	return &ListCallsByCampaignResult{Calls: calls, NextCursor: common.EncodeCursor(next)}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
