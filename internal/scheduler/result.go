package scheduler

import (
	"time"

	"github.com/acme/outbound-batch-dialer/internal/domain"
)

// Outcome is the structured signal returned by control operations.
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeNotActive      Outcome = "not_active"
	OutcomePaused         Outcome = "paused"
	OutcomeAlreadyPaused  Outcome = "already_paused"
	OutcomeNotRunning     Outcome = "not_running"
	OutcomeResumed        Outcome = "resumed"
	OutcomeNotPaused      Outcome = "not_paused"
	OutcomeStopped        Outcome = "stopped"
	OutcomeNotFound       Outcome = "not_found"
)

// Snapshot is a read-only view of a scheduler's run state. Settings are the values the
// next batch will use; EnforcedConcurrency is the slot limit in force right now, and
// len(InFlight) never exceeds it.
type Snapshot struct {
	CampaignID string           `json:"campaign_id"`
	Status     domain.RunStatus `json:"run_status"`
	BatchIndex int              `json:"batch_index"`
	Processed  int64            `json:"processed"`
	Successful int64            `json:"successful"`
	Failed     int64            `json:"failed"`
	InFlight   []string         `json:"in_flight"`
	Settings   domain.Settings  `json:"settings"`
	// EnforcedConcurrency lags Settings.MaxConcurrentCalls until the next batch resizes the pool.
	EnforcedConcurrency int        `json:"enforced_max_concurrent_calls"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	LastBatchAt         *time.Time `json:"last_batch_at,omitempty"`
}

// Result pairs an outcome with the snapshot taken right after the operation.
type Result struct {
	Outcome Outcome `json:"status"`
	Snapshot
}

// Summary is the lightweight row returned by Registry.ListAll.
type Summary struct {
	CampaignID string           `json:"campaign_id"`
	Status     domain.RunStatus `json:"status"`
	Processed  int64            `json:"processed"`
	InFlight   int              `json:"in_flight"`
}

func notFound(campaignID string) Result {
	return Result{Outcome: OutcomeNotFound, Snapshot: Snapshot{CampaignID: campaignID}}
}
