package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/pkg/errors"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// StatusUpdate is the telephony provider's call status callback.
type StatusUpdate struct {
	CallID     string    `json:"call_id"`
	Status     string    `json:"status"`
	AnsweredBy string    `json:"answered_by,omitempty"`
	Direction  string    `json:"direction"`
	CampaignID string    `json:"campaign_id,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// AMDResult is the payload published with KindAMD.
type AMDResult struct {
	AnsweredBy string `json:"answered_by"`
	Direction  string `json:"direction"`
}

// Ingestor translates provider callbacks into bus publishes.
type Ingestor struct {
	bus    *Bus
	logger *logger.Logger
}

// NewIngestor constructs an ingestor publishing onto bus.
func NewIngestor(bus *Bus, log *logger.Logger) *Ingestor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Ingestor{bus: bus, logger: log.Named("ingest")}
}

// Ingest publishes the AMD classification, when present, followed by the lifecycle kind.
// Listeners for the call are removed once a terminal kind has been delivered.
func (i *Ingestor) Ingest(ctx context.Context, update StatusUpdate) error {
	callID := strings.TrimSpace(update.CallID)
	if callID == "" {
		return fmt.Errorf("%w: call_id is required", errors.ErrValidation)
	}

	var (
		kind  Kind
		known bool
	)
	if update.Status != "" {
		kind, known = ParseKind(update.Status)
		if !known {
			return fmt.Errorf("%w: unknown call status %q", errors.ErrValidation, update.Status)
		}
	} else if update.AnsweredBy == "" {
		return fmt.Errorf("%w: status or answered_by is required", errors.ErrValidation)
	}

	if update.AnsweredBy != "" && kind != KindAMD {
		i.bus.Publish(callID, KindAMD, AMDResult{
			AnsweredBy: strings.ToLower(update.AnsweredBy),
			Direction:  update.Direction,
		})
	}
	if !known {
		return nil
	}

	i.bus.Publish(callID, kind, update)
	if kind.Terminal() {
		removed := i.bus.RemoveAll(callID)
		i.logger.WithContext(ctx).Debug("ingest: call finished",
			zap.String("call_id", callID),
			zap.String("kind", string(kind)),
			zap.Int("listeners_removed", removed),
		)
	}
	return nil
}
