package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

type memCampaigns struct {
	repository.CampaignRepository
	items map[string]*domain.Campaign
}

func (m *memCampaigns) Create(_ context.Context, c *domain.Campaign) error {
	m.items[c.ID] = c
	return nil
}

func (m *memCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	c, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

type memContacts struct {
	repository.ContactRepository
	inserted []domain.Contact
}

func (m *memContacts) BulkInsert(_ context.Context, _ string, contacts []domain.Contact) error {
	m.inserted = append(m.inserted, contacts...)
	return nil
}

type memStats struct {
	repository.CallStatsRepository
	ensured []string
}

func (m *memStats) Ensure(_ context.Context, id string) error {
	m.ensured = append(m.ensured, id)
	return nil
}

var defaults = domain.Settings{BatchSize: 10, MaxConcurrentCalls: 5, BatchDelay: time.Second}

func newTestService() (*Service, *memCampaigns, *memContacts, *memStats) {
	campaigns := &memCampaigns{items: map[string]*domain.Campaign{}}
	contacts := &memContacts{}
	stats := &memStats{}
	return NewService(campaigns, contacts, stats, defaults), campaigns, contacts, stats
}

func intPtr(v int) *int                          { return &v }
func durationPtr(d time.Duration) *time.Duration { return &d }

func TestValidateCreateInputFailures(t *testing.T) {
	cases := []CreateCampaignInput{
		{Name: " "},
		{Name: "test", Settings: domain.SettingsPatch{BatchSize: intPtr(0)}},
		{Name: "test", Settings: domain.SettingsPatch{CallDelay: durationPtr(-time.Second)}},
	}

	for _, tc := range cases {
		_, err := validateCreateInput(tc, defaults)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for input %+v, got %v", tc, err)
		}
	}
}

func TestCreateStoresExplicitZeroDelays(t *testing.T) {
	svc, campaigns, _, _ := newTestService()

	c, err := svc.Create(context.Background(), CreateCampaignInput{
		Name:     "no pacing",
		Settings: domain.SettingsPatch{BatchDelay: durationPtr(0), CallDelay: durationPtr(0)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := campaigns.items[c.ID].Settings
	if stored.BatchDelay != 0 || stored.CallDelay != 0 {
		t.Errorf("zero delays replaced by defaults: %+v", stored)
	}
	if stored.BatchSize != defaults.BatchSize {
		t.Errorf("expected default batch size, got %d", stored.BatchSize)
	}
}

func TestCreateAppliesDefaultsAndStoresContacts(t *testing.T) {
	svc, campaigns, contacts, stats := newTestService()

	c, err := svc.Create(context.Background(), CreateCampaignInput{
		Name:     "  spring promo ",
		Settings: domain.SettingsPatch{BatchSize: intPtr(2)},
		Contacts: []ContactInput{
			{PhoneNumber: "+15550001"},
			{PhoneNumber: " +15550002 ", Attributes: map[string]any{"tier": "gold"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Name != "spring promo" {
		t.Errorf("expected trimmed name, got %q", c.Name)
	}
	if c.Status != domain.CampaignStatusPending {
		t.Errorf("expected pending status, got %s", c.Status)
	}
	if c.Settings.BatchSize != 2 || c.Settings.MaxConcurrentCalls != 5 || c.Settings.BatchDelay != time.Second {
		t.Errorf("defaults not applied: %+v", c.Settings)
	}
	if _, ok := campaigns.items[c.ID]; !ok {
		t.Errorf("campaign %s not stored", c.ID)
	}
	if len(stats.ensured) != 1 || stats.ensured[0] != c.ID {
		t.Errorf("expected stats row for %s, got %v", c.ID, stats.ensured)
	}
	if len(contacts.inserted) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts.inserted))
	}
	if contacts.inserted[1].PhoneNumber != "+15550002" || contacts.inserted[1].CampaignID != c.ID {
		t.Errorf("unexpected contact %+v", contacts.inserted[1])
	}
	if contacts.inserted[0].ID == "" || contacts.inserted[0].ID == contacts.inserted[1].ID {
		t.Errorf("expected distinct contact ids")
	}
}

func TestAddContactsRejectsTerminalCampaign(t *testing.T) {
	svc, campaigns, contacts, _ := newTestService()
	campaigns.items["done"] = &domain.Campaign{ID: "done", Status: domain.CampaignStatusCompleted}

	err := svc.AddContacts(context.Background(), "done", []ContactInput{{PhoneNumber: "+15550001"}})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(contacts.inserted) != 0 {
		t.Errorf("expected no contacts inserted")
	}
}

func TestAddContactsRequiresPhoneNumber(t *testing.T) {
	svc, campaigns, _, _ := newTestService()
	campaigns.items["c1"] = &domain.Campaign{ID: "c1", Status: domain.CampaignStatusPaused}

	err := svc.AddContacts(context.Background(), "c1", []ContactInput{{PhoneNumber: "+1555"}, {PhoneNumber: ""}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddContactsUnknownCampaign(t *testing.T) {
	svc, _, _, _ := newTestService()

	err := svc.AddContacts(context.Background(), "missing", []ContactInput{{PhoneNumber: "+15550001"}})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListContactsRejectsUnknownState(t *testing.T) {
	svc, _, _, _ := newTestService()

	if _, err := svc.ListContacts(context.Background(), "c1", 10, "dialed"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
