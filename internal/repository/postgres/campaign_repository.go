package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
)

const campaignColumns = `id, name, status, batch_size, batch_delay_ms, call_delay_ms, max_concurrent_calls,
	       created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, name, status, batch_size, batch_delay_ms, call_delay_ms, max_concurrent_calls,
		created_at, updated_at
	) VALUES (
		:id, :name, :status, :batch_size, :batch_delay_ms, :call_delay_ms, :max_concurrent_calls,
		:created_at, :updated_at
	)`

	now := r.now()
	params := map[string]any{
		"id":                   campaign.ID,
		"name":                 campaign.Name,
		"status":               campaign.Status,
		"batch_size":           campaign.Settings.BatchSize,
		"batch_delay_ms":       campaign.Settings.BatchDelay.Milliseconds(),
		"call_delay_ms":        campaign.Settings.CallDelay.Milliseconds(),
		"max_concurrent_calls": campaign.Settings.MaxConcurrentCalls,
		"created_at":           now,
		"updated_at":           now,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	campaign.UpdatedAt = now
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// List returns campaigns ordered by id, starting after afterID when set.
func (r *CampaignRepository) List(ctx context.Context, afterID string, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sqlx.Rows
		err  error
	)
	if afterID != "" {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// UpdateStatus updates campaign status. The first transition to in_progress stamps
// started_at; terminal statuses stamp completed_at.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	now := r.now()
	var completedAt any
	switch status {
	case domain.CampaignStatusCompleted, domain.CampaignStatusStopped, domain.CampaignStatusFailed:
		completedAt = now
	}

	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = $1,
		started_at = CASE WHEN $1 = 'in_progress' AND started_at IS NULL THEN $2 ELSE started_at END,
		completed_at = COALESCE($3, completed_at),
		updated_at = $2
	WHERE id = $4`, string(status), now, completedAt, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	return expectOneRow(res)
}

// SaveProgress stores the run counters on the campaign record.
func (r *CampaignRepository) SaveProgress(ctx context.Context, id string, progress domain.Progress) error {
	updatedAt := progress.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		batch_index = $1,
		processed = $2,
		successful = $3,
		failed = $4,
		progress_updated_at = $5
	WHERE id = $6`, progress.BatchIndex, progress.Processed, progress.Successful, progress.Failed, updatedAt, id)
	if err != nil {
		return fmt.Errorf("campaign repo: save progress: %w", err)
	}
	return expectOneRow(res)
}

// SaveSettings replaces the batching settings of the campaign.
func (r *CampaignRepository) SaveSettings(ctx context.Context, id string, settings domain.Settings) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		batch_size = $1,
		batch_delay_ms = $2,
		call_delay_ms = $3,
		max_concurrent_calls = $4,
		updated_at = $5
	WHERE id = $6`,
		settings.BatchSize,
		settings.BatchDelay.Milliseconds(),
		settings.CallDelay.Milliseconds(),
		settings.MaxConcurrentCalls,
		r.now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("campaign repo: save settings: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID                 string       `db:"id"`
	Name               string       `db:"name"`
	Status             string       `db:"status"`
	BatchSize          int          `db:"batch_size"`
	BatchDelayMs       int64        `db:"batch_delay_ms"`
	CallDelayMs        int64        `db:"call_delay_ms"`
	MaxConcurrentCalls int          `db:"max_concurrent_calls"`
	CreatedAt          sql.NullTime `db:"created_at"`
	UpdatedAt          sql.NullTime `db:"updated_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:     r.ID,
		Name:   r.Name,
		Status: domain.CampaignStatus(r.Status),
		Settings: domain.Settings{
			BatchSize:          r.BatchSize,
			BatchDelay:         time.Duration(r.BatchDelayMs) * time.Millisecond,
			CallDelay:          time.Duration(r.CallDelayMs) * time.Millisecond,
			MaxConcurrentCalls: r.MaxConcurrentCalls,
		},
		UpdatedAt: r.UpdatedAt.Time,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign
}
