package repository

import (
	"context"
	"time"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// Contact states stored in campaign_contacts.
const (
	ContactStatePending   = "pending"
	ContactStateScheduled = "scheduled"
)

// CampaignRepository manages the campaign record.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, afterID string, limit int) ([]*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	SaveProgress(ctx context.Context, id string, progress domain.Progress) error
	SaveSettings(ctx context.Context, id string, settings domain.Settings) error
}

// ContactRepository stores campaign contacts and hands them out in batches.
type ContactRepository interface {
	BulkInsert(ctx context.Context, campaignID string, contacts []domain.Contact) error
	NextBatch(ctx context.Context, campaignID string, batchIndex, batchSize int) ([]domain.Contact, error)
	ReleaseContacts(ctx context.Context, campaignID string, contactIDs []string) error
	ListByCampaign(ctx context.Context, campaignID string, limit int, state string) ([]ContactRecord, error)
}

// CallStatsRepository keeps per-campaign call outcome counters.
type CallStatsRepository interface {
	Ensure(ctx context.Context, campaignID string) error
	Get(ctx context.Context, campaignID string) (*domain.CallStats, error)
	ApplyDelta(ctx context.Context, campaignID string, delta domain.CallStats) error
}

// CallStore persists call records and their event history.
type CallStore interface {
	CreateCall(ctx context.Context, record *domain.Call) error
	UpdateCallStatus(ctx context.Context, callID string, status domain.CallStatus, lastError *string) error
	SetAnsweredBy(ctx context.Context, callID string, answeredBy domain.AnsweredBy) error
	GetCall(ctx context.Context, callID string) (*domain.Call, error)
	ListCallsByCampaign(ctx context.Context, campaignID string, limit int, pagingState []byte) ([]domain.Call, []byte, error)
	AppendEvent(ctx context.Context, event domain.CallEvent) error
	ListEvents(ctx context.Context, callID string, limit int) ([]domain.CallEvent, error)
}

// ContactRecord is the storage representation of a campaign contact.
type ContactRecord struct {
	ID          string
	CampaignID  string
	PhoneNumber string
	Attributes  map[string]any
	State       string
	ScheduledAt *time.Time
	CreatedAt   time.Time
}
