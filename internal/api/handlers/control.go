package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
)

type controlResponse struct {
	Status      scheduler.Outcome `json:"status,omitempty"`
	CampaignID  string            `json:"campaign_id"`
	RunStatus   domain.RunStatus  `json:"run_status,omitempty"`
	BatchIndex  int               `json:"batch_index"`
	Processed   int64             `json:"processed"`
	Successful  int64             `json:"successful"`
	Failed      int64             `json:"failed"`
	InFlight    []string          `json:"in_flight"`
	Settings    *settingsResponse `json:"settings,omitempty"`
	Enforced    int               `json:"enforced_max_concurrent_calls,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	LastBatchAt *time.Time        `json:"last_batch_at,omitempty"`
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	res, err := h.deps.Schedulers.Start(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return writeResult(ctx, res)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	return writeResult(ctx, h.deps.Schedulers.Pause(ctx.UserContext(), id))
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	return writeResult(ctx, h.deps.Schedulers.Resume(ctx.UserContext(), id))
}

func (h *HandlerSet) stopCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	markComplete, err := strconv.ParseBool(ctx.Query("complete", "false"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid complete flag")
	}
	return writeResult(ctx, h.deps.Schedulers.Stop(ctx.UserContext(), id, markComplete))
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	snap, ok := h.deps.Schedulers.Status(id)
	if !ok {
		return writeResult(ctx, scheduler.Result{Outcome: scheduler.OutcomeNotFound, Snapshot: scheduler.Snapshot{CampaignID: id}})
	}
	return ctx.Status(http.StatusOK).JSON(toControlResponse(scheduler.Result{Snapshot: snap}))
}

func (h *HandlerSet) updateSettings(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	var req settingsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	patch, err := parseSettings(req)
	if err != nil {
		return translateError(err)
	}

	settings, err := h.deps.Schedulers.UpdateSettings(ctx.UserContext(), id, patch)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toSettingsResponse(settings))
}

func (h *HandlerSet) evictScheduler(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.deps.Schedulers.Evict(id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) listSchedulers(ctx *fiber.Ctx) error {
	resp := fiber.Map{"schedulers": h.deps.Schedulers.ListAll()}
	if h.deps.ProviderSlots != nil {
		active, err := h.deps.ProviderSlots(ctx.UserContext())
		if err != nil {
			return translateError(err)
		}
		resp["provider_active"] = active
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

// writeResult answers control calls with the outcome string. Only an unknown
// campaign changes the HTTP status.
func writeResult(ctx *fiber.Ctx, res scheduler.Result) error {
	code := http.StatusOK
	if res.Outcome == scheduler.OutcomeNotFound {
		code = http.StatusNotFound
	}
	return ctx.Status(code).JSON(toControlResponse(res))
}

func toControlResponse(res scheduler.Result) controlResponse {
	resp := controlResponse{
		Status:      res.Outcome,
		CampaignID:  res.CampaignID,
		RunStatus:   res.Status,
		BatchIndex:  res.BatchIndex,
		Processed:   res.Processed,
		Successful:  res.Successful,
		Failed:      res.Failed,
		InFlight:    res.InFlight,
		Enforced:    res.EnforcedConcurrency,
		StartedAt:   res.StartedAt,
		LastBatchAt: res.LastBatchAt,
	}
	if resp.InFlight == nil {
		resp.InFlight = []string{}
	}
	if res.Settings != (domain.Settings{}) {
		s := toSettingsResponse(res.Settings)
		resp.Settings = &s
	}
	return resp
}
