package scheduler

import (
	"context"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
)

// ContactSource supplies the contacts of a campaign one batch at a time.
// An empty slice signals that the campaign has no more contacts.
type ContactSource interface {
	NextBatch(ctx context.Context, campaignID string, batchIndex, batchSize int) ([]domain.Contact, error)
}

// ContactReleaser is implemented by sources that must be told when fetched
// contacts were not dispatched because the batch was interrupted.
type ContactReleaser interface {
	ReleaseContacts(ctx context.Context, campaignID string, contactIDs []string) error
}

// DispatchRequest describes a single call to place.
type DispatchRequest struct {
	CallID     string
	CampaignID string
	BatchIndex int
	Contact    domain.Contact
}

// DispatchResult is returned once the provider accepted the call.
type DispatchResult struct {
	CallID      string
	ProviderRef string
}

// CallDispatcher places and ends calls.
type CallDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
	EndCall(ctx context.Context, callID string) error
}

// CampaignStore reads and writes the campaign record.
type CampaignStore interface {
	Get(ctx context.Context, campaignID string) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error
	SaveProgress(ctx context.Context, campaignID string, progress domain.Progress) error
	SaveSettings(ctx context.Context, campaignID string, settings domain.Settings) error
}

// EventSource lets the scheduler observe call lifecycle events.
type EventSource interface {
	Subscribe(callID string, filter events.KindFilter, handler events.Handler) events.CancelFunc
}

// Deps bundles the collaborators shared by every scheduler in a registry.
type Deps struct {
	Contacts   ContactSource
	Dispatcher CallDispatcher
	Store      CampaignStore
	Events     EventSource
}
