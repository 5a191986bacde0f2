package dialer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// ThrottleKey is the limiter key shared by every placement.
const ThrottleKey = "provider"

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// Bus is the part of the event bus the dialer publishes to.
type Bus interface {
	Publish(callID string, kind events.Kind, payload any)
	Subscribe(callID string, filter events.KindFilter, handler events.Handler) events.CancelFunc
	RemoveAll(callID string) int
}

// Throttle hands out provider-wide placement slots.
type Throttle interface {
	Wait(ctx context.Context, key string, limit int) (func(context.Context) error, error)
}

// CallInfo is the payload of the events the dialer publishes.
type CallInfo struct {
	CampaignID  string `json:"campaign_id"`
	ContactID   string `json:"contact_id"`
	PhoneNumber string `json:"phone_number"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Options tunes the dispatcher.
type Options struct {
	// GlobalConcurrency caps live calls across every process sharing the throttle. Zero disables it.
	GlobalConcurrency int
	RequestTimeout    time.Duration
	Logger            *logger.Logger
}

// Dispatcher places calls through a telephony provider and reports them on the bus.
type Dispatcher struct {
	provider telephony.Provider
	throttle Throttle
	bus      Bus
	opts     Options
	logger   *logger.Logger
	tracer   trace.Tracer
}

var _ scheduler.CallDispatcher = (*Dispatcher)(nil)

// NewDispatcher constructs a dispatcher. A nil throttle disables the global cap.
func NewDispatcher(provider telephony.Provider, throttle Throttle, bus Bus, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		provider: provider,
		throttle: throttle,
		bus:      bus,
		opts:     opts,
		logger:   log.Named("dialer"),
		tracer:   otel.Tracer("outbound.dialer"),
	}
}

// Dispatch places the call under the pre-assigned call id. The global slot taken here
// is returned when the call reaches a terminal event.
func (d *Dispatcher) Dispatch(ctx context.Context, req scheduler.DispatchRequest) (scheduler.DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dialer.place", trace.WithAttributes(
		attribute.String("campaign.id", req.CampaignID),
		attribute.String("call.id", req.CallID),
	))
	defer span.End()

	info := CallInfo{
		CampaignID:  req.CampaignID,
		ContactID:   req.Contact.ID,
		PhoneNumber: req.Contact.PhoneNumber,
	}

	phone, err := NormalizePhone(req.Contact.PhoneNumber)
	if err != nil {
		return scheduler.DispatchResult{}, d.fail(span, req.CallID, info, err)
	}
	info.PhoneNumber = phone

	release := d.acquire(ctx, req.CallID)
	if release == nil {
		err := fmt.Errorf("dialer: wait for provider slot: %w", apperrors.ErrUnavailable)
		if ctx.Err() != nil {
			err = fmt.Errorf("dialer: wait for provider slot: %w", ctx.Err())
		}
		return scheduler.DispatchResult{}, d.fail(span, req.CallID, info, err)
	}
	unsubscribe := d.bus.Subscribe(req.CallID, events.AnyKind, func(e events.Event) {
		if e.Kind.Terminal() {
			release()
		}
	})

	d.bus.Publish(req.CallID, events.KindInitiated, info)

	pctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	placement, err := d.provider.PlaceCall(pctx, telephony.CallRequest{
		CallID:      req.CallID,
		CampaignID:  req.CampaignID,
		PhoneNumber: phone,
		Metadata:    req.Contact.Attributes,
	})
	cancel()
	if err != nil {
		unsubscribe()
		release()
		return scheduler.DispatchResult{}, d.fail(span, req.CallID, info, fmt.Errorf("dialer: place call: %w", err))
	}

	span.SetAttributes(attribute.String("provider.ref", placement.ProviderRef))
	d.logger.WithContext(ctx).Debug("dialer: call placed",
		zap.String("call_id", req.CallID),
		zap.String("campaign_id", req.CampaignID),
		zap.String("provider_ref", placement.ProviderRef),
	)
	return scheduler.DispatchResult{CallID: req.CallID, ProviderRef: placement.ProviderRef}, nil
}

// EndCall hangs up a live call and publishes its cancellation. A call the provider no
// longer knows has already ended and is left alone.
func (d *Dispatcher) EndCall(ctx context.Context, callID string) error {
	pctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	if err := d.provider.HangUp(pctx, callID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("dialer: hang up %s: %w", callID, err)
	}
	d.bus.Publish(callID, events.KindCanceled, nil)
	d.bus.RemoveAll(callID)
	return nil
}

// acquire waits for a global slot and returns an idempotent release func, or nil when
// no slot could be taken.
func (d *Dispatcher) acquire(ctx context.Context, callID string) func() {
	if d.throttle == nil || d.opts.GlobalConcurrency <= 0 {
		return func() {}
	}
	free, err := d.throttle.Wait(ctx, ThrottleKey, d.opts.GlobalConcurrency)
	if err != nil {
		d.logger.WithContext(ctx).Warn("dialer: provider slot unavailable", zap.String("call_id", callID), zap.Error(err))
		return nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), d.opts.RequestTimeout)
			defer cancel()
			if err := free(rctx); err != nil {
				d.logger.Warn("dialer: release provider slot", zap.String("call_id", callID), zap.Error(err))
			}
		})
	}
}

func (d *Dispatcher) fail(span trace.Span, callID string, info CallInfo, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch")
	info.Error = err.Error()
	d.bus.Publish(callID, events.KindFailed, info)
	d.bus.RemoveAll(callID)
	return err
}

// NormalizePhone strips formatting characters and checks the E.164 shape.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !phonePattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: invalid phone number %q", apperrors.ErrValidation, raw)
	}
	return cleaned, nil
}
