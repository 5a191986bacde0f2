package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
	callsvc "github.com/acme/outbound-batch-dialer/internal/service/call"
	campaignsvc "github.com/acme/outbound-batch-dialer/internal/service/campaign"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// Schedulers is the control surface of the scheduler registry.
type Schedulers interface {
	Start(ctx context.Context, campaignID string) (scheduler.Result, error)
	Pause(ctx context.Context, campaignID string) scheduler.Result
	Resume(ctx context.Context, campaignID string) scheduler.Result
	Stop(ctx context.Context, campaignID string, markComplete bool) scheduler.Result
	Status(campaignID string) (scheduler.Snapshot, bool)
	UpdateSettings(ctx context.Context, campaignID string, patch domain.SettingsPatch) (domain.Settings, error)
	ListAll() []scheduler.Summary
	Evict(campaignID string) error
}

// Campaigns manages campaign records and contacts.
type Campaigns interface {
	Create(ctx context.Context, input campaignsvc.CreateCampaignInput) (*domain.Campaign, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, afterID string, limit int) ([]*domain.Campaign, error)
	AddContacts(ctx context.Context, campaignID string, inputs []campaignsvc.ContactInput) error
	ListContacts(ctx context.Context, campaignID string, limit int, state string) ([]repository.ContactRecord, error)
	Stats(ctx context.Context, id string) (*domain.CallStats, error)
}

// Calls reads call records and places ad-hoc calls.
type Calls interface {
	TriggerCall(ctx context.Context, input callsvc.TriggerCallInput) (scheduler.DispatchResult, error)
	HangUp(ctx context.Context, id string) error
	GetCall(ctx context.Context, id string) (*domain.Call, error)
	History(ctx context.Context, id string, limit int) ([]domain.CallEvent, error)
	ListCallsByCampaign(ctx context.Context, campaignID string, limit int, cursor string) (*callsvc.ListCallsByCampaignResult, error)
}

// EventFeed is the part of the call event bus the push endpoints read.
type EventFeed interface {
	Subscribe(callID string, filter events.KindFilter, handler events.Handler) events.CancelFunc
	SubscribeAll(filter events.KindFilter, handler events.Handler) events.CancelFunc
	Stats() events.Stats
}

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Schedulers Schedulers
	Campaigns  Campaigns
	Calls      Calls
	Events     EventFeed
	Webhook    telephony.StatusSink
	Health     map[string]HealthCheck
	// ProviderSlots reports the provider-wide live call count, when a throttle is configured.
	ProviderSlots func(ctx context.Context) (int, error)
	// StreamBuffer is the per-client SSE queue length.
	StreamBuffer int
	// StreamIdleTimeout closes a per-call stream that saw no event for this long.
	StreamIdleTimeout time.Duration
	Logger            *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps   Deps
	logger *logger.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.StreamBuffer <= 0 {
		deps.StreamBuffer = 256
	}
	if deps.StreamIdleTimeout <= 0 {
		deps.StreamIdleTimeout = 15 * time.Minute
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerSet{
		deps:    deps,
		logger:  log.Named("http"),
		closing: make(chan struct{}),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/contacts", h.addContacts)
	campaigns.Get("/:id/contacts", h.listContacts)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/calls", h.listCampaignCalls)

	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/stop", h.stopCampaign)
	campaigns.Get("/:id/status", h.campaignStatus)
	campaigns.Patch("/:id/settings", h.updateSettings)
	campaigns.Delete("/:id/scheduler", h.evictScheduler)
	v1.Get("/schedulers", h.listSchedulers)

	calls := v1.Group("/calls")
	calls.Post("/", h.triggerCall)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/history", h.callHistory)
	calls.Post("/:id/hangup", h.hangUp)
	calls.Get("/:id/events", h.streamCall)

	v1.Get("/events", h.streamAll)
	v1.Get("/events/stats", h.eventStats)
	v1.Post("/telephony/events", h.telephonyEvent)
}

// Close ends every open event stream.
func (h *HandlerSet) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": traceID(ctx),
	})
}

func traceID(ctx *fiber.Ctx) string {
	sc := trace.SpanContextFromContext(ctx.UserContext())
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
