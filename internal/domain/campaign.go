package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

// CampaignStatus enumerates the persisted status of a campaign record.
type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusInProgress CampaignStatus = "in_progress"
	CampaignStatusPaused     CampaignStatus = "paused"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusStopped    CampaignStatus = "stopped"
	CampaignStatusFailed     CampaignStatus = "failed"
)

// Runnable reports whether a campaign with this record status may be started.
func (s CampaignStatus) Runnable() bool {
	switch s {
	case CampaignStatusPending, CampaignStatusInProgress, CampaignStatusPaused:
		return true
	default:
		return false
	}
}

// RunStatus is the in-process lifecycle status of a campaign scheduler.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
)

// Terminal reports whether the run has ended.
func (s RunStatus) Terminal() bool {
	return s == RunStatusStopped || s == RunStatusCompleted
}

// Campaign is the slice of the campaign record the scheduler reads.
type Campaign struct {
	ID          string
	Name        string
	Status      CampaignStatus
	Settings    Settings
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Settings controls batching and pacing for a campaign run.
type Settings struct {
	BatchSize          int           `json:"batch_size"`
	BatchDelay         time.Duration `json:"batch_delay"`
	CallDelay          time.Duration `json:"call_delay"`
	MaxConcurrentCalls int           `json:"max_concurrent_calls"`
}

// Validate enforces the settings contract.
func (s Settings) Validate() error {
	if s.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", apperrors.ErrValidation)
	}
	if s.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: max concurrent calls must be positive", apperrors.ErrValidation)
	}
	if s.BatchDelay < 0 {
		return fmt.Errorf("%w: batch delay must not be negative", apperrors.ErrValidation)
	}
	if s.CallDelay < 0 {
		return fmt.Errorf("%w: call delay must not be negative", apperrors.ErrValidation)
	}
	return nil
}

// WithDefaults fills a zero batch size or concurrency limit from fallback; zero is
// never valid for either. Delays are kept as stored because zero is a valid delay.
func (s Settings) WithDefaults(fallback Settings) Settings {
	if s.BatchSize == 0 {
		s.BatchSize = fallback.BatchSize
	}
	if s.MaxConcurrentCalls == 0 {
		s.MaxConcurrentCalls = fallback.MaxConcurrentCalls
	}
	return s
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	BatchSize          *int
	BatchDelay         *time.Duration
	CallDelay          *time.Duration
	MaxConcurrentCalls *int
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.BatchSize == nil && p.BatchDelay == nil && p.CallDelay == nil && p.MaxConcurrentCalls == nil
}

// Apply returns s with the patch applied and validated.
func (p SettingsPatch) Apply(s Settings) (Settings, error) {
	if p.BatchSize != nil {
		s.BatchSize = *p.BatchSize
	}
	if p.BatchDelay != nil {
		s.BatchDelay = *p.BatchDelay
	}
	if p.CallDelay != nil {
		s.CallDelay = *p.CallDelay
	}
	if p.MaxConcurrentCalls != nil {
		s.MaxConcurrentCalls = *p.MaxConcurrentCalls
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Progress is the counter snapshot persisted to the campaign record.
type Progress struct {
	BatchIndex int
	Processed  int64
	Successful int64
	Failed     int64
	UpdatedAt  time.Time
}

// Contact is one callee supplied by a contact source.
type Contact struct {
	ID          string
	CampaignID  string
	PhoneNumber string
	Attributes  map[string]any
}
