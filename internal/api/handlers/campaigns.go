package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	campaignsvc "github.com/acme/outbound-batch-dialer/internal/service/campaign"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

type settingsRequest struct {
	BatchSize          *int    `json:"batch_size"`
	BatchDelay         *string `json:"batch_delay"`
	CallDelay          *string `json:"call_delay"`
	MaxConcurrentCalls *int    `json:"max_concurrent_calls"`
}

type createCampaignRequest struct {
	Name     string           `json:"name"`
	Settings settingsRequest  `json:"settings"`
	Contacts []contactRequest `json:"contacts"`
}

type contactRequest struct {
	PhoneNumber string         `json:"phone_number"`
	Attributes  map[string]any `json:"attributes"`
}

type settingsResponse struct {
	BatchSize          int    `json:"batch_size"`
	BatchDelay         string `json:"batch_delay"`
	CallDelay          string `json:"call_delay"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
}

type campaignResponse struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      domain.CampaignStatus `json:"status"`
	Settings    settingsResponse      `json:"settings"`
	UpdatedAt   time.Time             `json:"updated_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type contactResponse struct {
	ID          string         `json:"id"`
	PhoneNumber string         `json:"phone_number"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	State       string         `json:"state"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type listContactsResponse struct {
	Contacts []contactResponse `json:"contacts"`
}

type campaignStatsResponse struct {
	Dialed    int64 `json:"dialed"`
	Answered  int64 `json:"answered"`
	Completed int64 `json:"completed"`
	Busy      int64 `json:"busy"`
	NoAnswer  int64 `json:"no_answer"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Machine   int64 `json:"machine"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	patch, err := parseSettings(req.Settings)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.deps.Campaigns.Create(ctx.UserContext(), campaignsvc.CreateCampaignInput{
		Name:     req.Name,
		Settings: patch,
		Contacts: toContactInputs(req.Contacts),
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	afterID := ctx.Query("after_id")
	if afterID != "" {
		if _, err := uuid.Parse(afterID); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
	}

	campaigns, err := h.deps.Campaigns.List(ctx.UserContext(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.deps.Campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.deps.Campaigns.AddContacts(ctx.UserContext(), id, toContactInputs(req.Contacts)); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusAccepted)
}

func (h *HandlerSet) listContacts(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	records, err := h.deps.Campaigns.ListContacts(ctx.UserContext(), id, limit, ctx.Query("state"))
	if err != nil {
		return translateError(err)
	}

	resp := listContactsResponse{Contacts: make([]contactResponse, 0, len(records))}
	for _, r := range records {
		resp.Contacts = append(resp.Contacts, toContactResponse(r))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	stats, err := h.deps.Campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		Dialed:    stats.Dialed,
		Answered:  stats.Answered,
		Completed: stats.Completed,
		Busy:      stats.Busy,
		NoAnswer:  stats.NoAnswer,
		Failed:    stats.Failed,
		Canceled:  stats.Canceled,
		Machine:   stats.Machine,
	})
}

func campaignID(ctx *fiber.Ctx) (string, error) {
	id := ctx.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	return id, nil
}

func toContactInputs(req []contactRequest) []campaignsvc.ContactInput {
	inputs := make([]campaignsvc.ContactInput, 0, len(req))
	for _, c := range req {
		inputs = append(inputs, campaignsvc.ContactInput{PhoneNumber: c.PhoneNumber, Attributes: c.Attributes})
	}
	return inputs
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:          campaign.ID,
		Name:        campaign.Name,
		Status:      campaign.Status,
		Settings:    toSettingsResponse(campaign.Settings),
		UpdatedAt:   campaign.UpdatedAt,
		StartedAt:   campaign.StartedAt,
		CompletedAt: campaign.CompletedAt,
	}
}

func toSettingsResponse(s domain.Settings) settingsResponse {
	return settingsResponse{
		BatchSize:          s.BatchSize,
		BatchDelay:         s.BatchDelay.String(),
		CallDelay:          s.CallDelay.String(),
		MaxConcurrentCalls: s.MaxConcurrentCalls,
	}
}

func toContactResponse(r repository.ContactRecord) contactResponse {
	return contactResponse{
		ID:          r.ID,
		PhoneNumber: r.PhoneNumber,
		Attributes:  r.Attributes,
		State:       r.State,
		ScheduledAt: r.ScheduledAt,
		CreatedAt:   r.CreatedAt,
	}
}

func parseSettings(req settingsRequest) (domain.SettingsPatch, error) {
	patch := domain.SettingsPatch{
		BatchSize:          req.BatchSize,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
	}
	if req.BatchDelay != nil {
		d, err := time.ParseDuration(*req.BatchDelay)
		if err != nil {
			return domain.SettingsPatch{}, fmt.Errorf("%w: invalid batch_delay", apperrors.ErrValidation)
		}
		patch.BatchDelay = &d
	}
	if req.CallDelay != nil {
		d, err := time.ParseDuration(*req.CallDelay)
		if err != nil {
			return domain.SettingsPatch{}, fmt.Errorf("%w: invalid call_delay", apperrors.ErrValidation)
		}
		patch.CallDelay = &d
	}
	return patch, nil
}
