package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	callsvc "github.com/acme/outbound-batch-dialer/internal/service/call"
)

type triggerCallRequest struct {
	CampaignID  string         `json:"campaign_id"`
	PhoneNumber string         `json:"phone_number"`
	Attributes  map[string]any `json:"attributes"`
}

type callResponse struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	ContactID   string            `json:"contact_id,omitempty"`
	PhoneNumber string            `json:"phone_number"`
	Status      domain.CallStatus `json:"status"`
	AnsweredBy  domain.AnsweredBy `json:"answered_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastError   *string           `json:"last_error,omitempty"`
}

type listCallsResponse struct {
	Calls    []callResponse `json:"calls"`
	NextPage string         `json:"next_page_token,omitempty"`
}

type callEventResponse struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (h *HandlerSet) triggerCall(ctx *fiber.Ctx) error {
	var req triggerCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.deps.Calls.TriggerCall(ctx.UserContext(), callsvc.TriggerCallInput{
		CampaignID:  req.CampaignID,
		PhoneNumber: req.PhoneNumber,
		Attributes:  req.Attributes,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"call_id":      res.CallID,
		"provider_ref": res.ProviderRef,
	})
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := callID(ctx)
	if err != nil {
		return err
	}

	record, err := h.deps.Calls.GetCall(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(*record))
}

func (h *HandlerSet) callHistory(ctx *fiber.Ctx) error {
	id, err := callID(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	history, err := h.deps.Calls.History(ctx.UserContext(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]callEventResponse, 0, len(history))
	for _, e := range history {
		item := callEventResponse{Kind: e.Kind, OccurredAt: e.OccurredAt}
		if len(e.Payload) > 0 && json.Valid(e.Payload) {
			item.Payload = e.Payload
		}
		resp = append(resp, item)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"call_id": id, "events": resp})
}

func (h *HandlerSet) hangUp(ctx *fiber.Ctx) error {
	id, err := callID(ctx)
	if err != nil {
		return err
	}
	if err := h.deps.Calls.HangUp(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	result, err := h.deps.Calls.ListCallsByCampaign(ctx.UserContext(), id, limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(result.Calls)), NextPage: result.NextCursor}
	for _, c := range result.Calls {
		resp.Calls = append(resp.Calls, toCallResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) telephonyEvent(ctx *fiber.Ctx) error {
	var update events.StatusUpdate
	if err := ctx.BodyParser(&update); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if update.OccurredAt.IsZero() {
		update.OccurredAt = time.Now().UTC()
	}

	if err := h.deps.Webhook.Ingest(ctx.UserContext(), update); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func callID(ctx *fiber.Ctx) (string, error) {
	id := strings.TrimSpace(ctx.Params("id"))
	if id == "" {
		return "", fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	return id, nil
}

func toCallResponse(call domain.Call) callResponse {
	return callResponse{
		ID:          call.ID,
		CampaignID:  call.CampaignID,
		ContactID:   call.ContactID,
		PhoneNumber: call.PhoneNumber,
		Status:      call.Status,
		AnsweredBy:  call.AnsweredBy,
		CreatedAt:   call.CreatedAt,
		UpdatedAt:   call.UpdatedAt,
		LastError:   call.LastError,
	}
}
