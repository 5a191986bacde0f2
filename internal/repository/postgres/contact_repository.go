package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
)

// ContactRepository persists campaign contacts and serves them to the scheduler.
type ContactRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// BulkInsert inserts contacts in the pending state. Contacts without an id get a new one.
// Rows take their seq in slice order, which is the order NextBatch claims them in.
func (r *ContactRepository) BulkInsert(ctx context.Context, campaignID string, contacts []domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	query := `INSERT INTO campaign_contacts (
		id, campaign_id, phone_number, attributes, state, created_at, updated_at
	) VALUES (:id, :campaign_id, :phone_number, :attributes, :state, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	now := r.now()
	rows := make([]map[string]any, 0, len(contacts))
	for i := range contacts {
		c := &contacts[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CampaignID = campaignID
		attributes, err := json.Marshal(c.Attributes)
		if err != nil {
			return fmt.Errorf("campaign contacts: marshal attributes: %w", err)
		}
		rows = append(rows, map[string]any{
			"id":           c.ID,
			"campaign_id":  campaignID,
			"phone_number": c.PhoneNumber,
			"attributes":   attributes,
			"state":        repository.ContactStatePending,
			"created_at":   now,
			"updated_at":   now,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("campaign contacts: bulk insert: %w", err)
	}
	return nil
}

// NextBatch claims up to batchSize pending contacts in insertion (seq) order and marks
// them scheduled. Concurrent claimers skip each other's locked rows.
func (r *ContactRepository) NextBatch(ctx context.Context, campaignID string, batchIndex, batchSize int) ([]domain.Contact, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	var contacts []domain.Contact
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `SELECT id, phone_number, attributes, state, scheduled_at, created_at
			FROM campaign_contacts
			WHERE campaign_id = $1 AND state = 'pending'
			ORDER BY seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, campaignID, batchSize)
		if err != nil {
			return fmt.Errorf("campaign contacts: select batch: %w", err)
		}
		defer rows.Close()

		ids := make([]string, 0, batchSize)
		for rows.Next() {
			var rec contactRecord
			if err := rows.StructScan(&rec); err != nil {
				return fmt.Errorf("campaign contacts: scan: %w", err)
			}
			model := rec.toModel(campaignID)
			contacts = append(contacts, domain.Contact{
				ID:          model.ID,
				CampaignID:  campaignID,
				PhoneNumber: model.PhoneNumber,
				Attributes:  model.Attributes,
			})
			ids = append(ids, model.ID)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("campaign contacts: rows err: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE campaign_contacts
			SET state = 'scheduled', scheduled_at = $1, batch_index = $2, updated_at = $1
			WHERE campaign_id = $3 AND id = ANY($4)`, r.now(), batchIndex, campaignID, ids); err != nil {
			return fmt.Errorf("campaign contacts: mark scheduled: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// inTx runs fn in one transaction and rolls back when it fails.
func (r *ContactRepository) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("campaign contacts: tx begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("campaign contacts: tx rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("campaign contacts: tx commit: %w", err)
	}
	return nil
}

// ReleaseContacts returns scheduled contacts to the pending state.
func (r *ContactRepository) ReleaseContacts(ctx context.Context, campaignID string, contactIDs []string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	ids := make([]string, len(contactIDs))
	copy(ids, contactIDs)
	if _, err := r.db.ExecContext(ctx, `UPDATE campaign_contacts
		SET state = 'pending', scheduled_at = NULL, batch_index = NULL, updated_at = $1
		WHERE campaign_id = $2 AND id = ANY($3) AND state = 'scheduled'`, r.now(), campaignID, ids); err != nil {
		return fmt.Errorf("campaign contacts: release: %w", err)
	}
	return nil
}

// ListByCampaign lists contacts filtered by state.
func (r *ContactRepository) ListByCampaign(ctx context.Context, campaignID string, limit int, state string) ([]repository.ContactRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, phone_number, attributes, state, scheduled_at, created_at
		FROM campaign_contacts
		WHERE campaign_id = $1`
	args := []any{campaignID}
	if state != "" {
		query += " AND state = $2 ORDER BY seq ASC LIMIT $3"
		args = append(args, state, limit)
	} else {
		query += " ORDER BY seq ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign contacts: list: %w", err)
	}
	defer rows.Close()

	var results []repository.ContactRecord
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign contacts: scan: %w", err)
		}
		results = append(results, rec.toModel(campaignID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign contacts: rows err: %w", err)
	}
	return results, nil
}

type contactRecord struct {
	ID          string       `db:"id"`
	PhoneNumber string       `db:"phone_number"`
	Attributes  []byte       `db:"attributes"`
	State       string       `db:"state"`
	ScheduledAt sql.NullTime `db:"scheduled_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r contactRecord) toModel(campaignID string) repository.ContactRecord {
	var attributes map[string]any
	if len(r.Attributes) > 0 {
		_ = json.Unmarshal(r.Attributes, &attributes)
	}

	record := repository.ContactRecord{
		ID:          r.ID,
		CampaignID:  campaignID,
		PhoneNumber: r.PhoneNumber,
		Attributes:  attributes,
		State:       r.State,
		CreatedAt:   r.CreatedAt,
	}
	if r.ScheduledAt.Valid {
		t := r.ScheduledAt.Time
		record.ScheduledAt = &t
	}
	return record
}
