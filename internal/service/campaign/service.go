package campaign

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

// Service manages campaign records and their contact lists. Running a campaign is the
// scheduler registry's job; this service only prepares what the scheduler reads.
type Service struct {
	repo     repository.CampaignRepository
	contacts repository.ContactRepository
	stats    repository.CallStatsRepository
	defaults domain.Settings
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	contacts repository.ContactRepository,
	stats repository.CallStatsRepository,
	defaults domain.Settings,
) *Service {
	return &Service{
		repo:     repo,
		contacts: contacts,
		stats:    stats,
		defaults: defaults,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name string
	// Settings overrides the configured defaults field by field.
	Settings domain.SettingsPatch
	Contacts []ContactInput
}

// ContactInput expresses one callee.
type ContactInput struct {
	PhoneNumber string
	Attributes  map[string]any
}

// Create provisions a new pending campaign with its initial contacts.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	settings, err := validateCreateInput(input, s.defaults)
	if err != nil {
		return nil, err
	}

	campaign := &domain.Campaign{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(input.Name),
		Status:   domain.CampaignStatusPending,
		Settings: settings,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	if err := s.stats.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}

	if err := s.AddContacts(ctx, campaign.ID, input.Contacts); err != nil {
		return nil, err
	}

	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns.
func (s *Service) List(ctx context.Context, afterID string, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// Stats retrieves call outcome counters.
func (s *Service) Stats(ctx context.Context, id string) (*domain.CallStats, error) {
	return s.stats.Get(ctx, id)
}

// AddContacts appends pending contacts to a campaign. Contacts cannot be added once the
// campaign reached a terminal status.
func (s *Service) AddContacts(ctx context.Context, campaignID string, inputs []ContactInput) error {
	if len(inputs) == 0 {
		return nil
	}
	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if !campaign.Status.Runnable() {
		return fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, campaignID, campaign.Status)
	}

	contacts := make([]domain.Contact, 0, len(inputs))
	for i, in := range inputs {
		phone := strings.TrimSpace(in.PhoneNumber)
		if phone == "" {
			return fmt.Errorf("%w: contact %d has no phone number", apperrors.ErrValidation, i)
		}
		contacts = append(contacts, domain.Contact{
			ID:          uuid.NewString(),
			CampaignID:  campaignID,
			PhoneNumber: phone,
			Attributes:  in.Attributes,
		})
	}

	if err := s.contacts.BulkInsert(ctx, campaignID, contacts); err != nil {
		return fmt.Errorf("campaign service: add contacts: %w", err)
	}
	return nil
}

// ListContacts lists contacts of a campaign, optionally filtered by state.
func (s *Service) ListContacts(ctx context.Context, campaignID string, limit int, state string) ([]repository.ContactRecord, error) {
	switch state {
	case "", repository.ContactStatePending, repository.ContactStateScheduled:
	default:
		return nil, fmt.Errorf("%w: unknown contact state %q", apperrors.ErrValidation, state)
	}
	return s.contacts.ListByCampaign(ctx, campaignID, limit, state)
}

// validateCreateInput resolves the stored settings. Every field is written explicitly so a
// zero delay survives later reloads.
func validateCreateInput(input CreateCampaignInput, defaults domain.Settings) (domain.Settings, error) {
	if strings.TrimSpace(input.Name) == "" {
		return domain.Settings{}, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	return input.Settings.Apply(defaults)
}
