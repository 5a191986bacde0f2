package telephony

import (
	"context"

	"github.com/acme/outbound-batch-dialer/internal/events"
)

// CallRequest is what a provider needs to place one outbound call.
type CallRequest struct {
	CallID      string
	CampaignID  string
	PhoneNumber string
	Metadata    map[string]any
}

// Placement is the provider's acknowledgement of a placed call.
type Placement struct {
	ProviderRef string
}

// Provider abstracts the telephony integration.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (Placement, error)
	HangUp(ctx context.Context, callID string) error
}

// StatusSink receives the provider's status callbacks.
type StatusSink interface {
	Ingest(ctx context.Context, update events.StatusUpdate) error
}
