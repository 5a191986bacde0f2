package domain

import (
	"testing"
	"time"

	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{"valid", Settings{BatchSize: 10, MaxConcurrentCalls: 2}, false},
		{"zero batch size", Settings{BatchSize: 0, MaxConcurrentCalls: 2}, true},
		{"zero concurrency", Settings{BatchSize: 5, MaxConcurrentCalls: 0}, true},
		{"negative batch delay", Settings{BatchSize: 5, MaxConcurrentCalls: 1, BatchDelay: -time.Second}, true},
		{"negative call delay", Settings{BatchSize: 5, MaxConcurrentCalls: 1, CallDelay: -time.Millisecond}, true},
		{"concurrency above batch size", Settings{BatchSize: 1, MaxConcurrentCalls: 20}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.wantErr {
				if !apperrors.Is(err, apperrors.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSettingsPatchApply(t *testing.T) {
	base := Settings{BatchSize: 10, BatchDelay: time.Second, CallDelay: time.Millisecond, MaxConcurrentCalls: 3}
	size := 20
	delay := 5 * time.Second

	got, err := SettingsPatch{BatchSize: &size, BatchDelay: &delay}.Apply(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BatchSize != 20 || got.BatchDelay != 5*time.Second {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.CallDelay != time.Millisecond || got.MaxConcurrentCalls != 3 {
		t.Fatalf("untouched fields changed: %+v", got)
	}

	bad := -1
	if _, err := (SettingsPatch{MaxConcurrentCalls: &bad}).Apply(base); err == nil {
		t.Fatalf("expected validation error for negative concurrency")
	}
}

func TestSettingsWithDefaults(t *testing.T) {
	fallback := Settings{BatchSize: 50, BatchDelay: time.Minute, CallDelay: time.Second, MaxConcurrentCalls: 5}
	got := Settings{BatchSize: 7}.WithDefaults(fallback)
	if got.BatchSize != 7 || got.MaxConcurrentCalls != 5 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.BatchDelay != 0 || got.CallDelay != 0 {
		t.Fatalf("zero delays must be kept, got batch=%s call=%s", got.BatchDelay, got.CallDelay)
	}
}

func TestSettingsPatchApplyKeepsZeroDelays(t *testing.T) {
	defaults := Settings{BatchSize: 50, BatchDelay: 30 * time.Second, CallDelay: time.Second, MaxConcurrentCalls: 5}
	zero := time.Duration(0)
	got, err := SettingsPatch{BatchDelay: &zero, CallDelay: &zero}.Apply(defaults)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.BatchDelay != 0 || got.CallDelay != 0 || got.BatchSize != 50 {
		t.Fatalf("unexpected settings: %+v", got)
	}
}

func TestCampaignStatusRunnable(t *testing.T) {
	for _, s := range []CampaignStatus{CampaignStatusPending, CampaignStatusInProgress, CampaignStatusPaused} {
		if !s.Runnable() {
			t.Errorf("expected %s to be runnable", s)
		}
	}
	for _, s := range []CampaignStatus{CampaignStatusCompleted, CampaignStatusStopped, CampaignStatusFailed} {
		if s.Runnable() {
			t.Errorf("expected %s not to be runnable", s)
		}
	}
}
