package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
)

// CallStatsRepository implements repository.CallStatsRepository.
type CallStatsRepository struct {
	db *sqlx.DB
}

// NewCallStatsRepository builds the repository.
func NewCallStatsRepository(db *sqlx.DB) *CallStatsRepository {
	return &CallStatsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CallStatsRepository) Ensure(ctx context.Context, campaignID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO call_outcome_stats (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("call stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves the counters of a campaign.
func (r *CallStatsRepository) Get(ctx context.Context, campaignID string) (*domain.CallStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT dialed, answered, completed, busy, no_answer, failed, canceled, machine
		FROM call_outcome_stats WHERE campaign_id = $1`, campaignID)

	var stats domain.CallStats
	if err := row.StructScan(&stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call stats: get: %w", err)
	}
	return &stats, nil
}

// ApplyDelta adds delta to the counters, creating the row on first use.
func (r *CallStatsRepository) ApplyDelta(ctx context.Context, campaignID string, delta domain.CallStats) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO call_outcome_stats AS s
		(campaign_id, dialed, answered, completed, busy, no_answer, failed, canceled, machine, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	ON CONFLICT (campaign_id) DO UPDATE SET
		dialed = s.dialed + EXCLUDED.dialed,
		answered = s.answered + EXCLUDED.answered,
		completed = s.completed + EXCLUDED.completed,
		busy = s.busy + EXCLUDED.busy,
		no_answer = s.no_answer + EXCLUDED.no_answer,
		failed = s.failed + EXCLUDED.failed,
		canceled = s.canceled + EXCLUDED.canceled,
		machine = s.machine + EXCLUDED.machine,
		updated_at = NOW()`,
		campaignID,
		delta.Dialed,
		delta.Answered,
		delta.Completed,
		delta.Busy,
		delta.NoAnswer,
		delta.Failed,
		delta.Canceled,
		delta.Machine,
	)
	if err != nil {
		return fmt.Errorf("call stats: apply delta: %w", err)
	}
	return nil
}
