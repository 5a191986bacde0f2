package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/repository"
)

// CallStore persists call records in Scylla.
type CallStore struct {
	session *gocql.Session
	now     func() time.Time
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session, now: func() time.Time { return time.Now().UTC() }}
}

// CreateCall inserts a call record into the id lookup and the campaign partition.
func (s *CallStore) CreateCall(ctx context.Context, record *domain.Call) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	bucket := bucketDate(record.CreatedAt)

	if err := s.session.Query(`INSERT INTO calls_by_id (call_id, campaign_id, contact_id, phone_number, status, answered_by, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.CampaignID, record.ContactID, record.PhoneNumber,
		string(record.Status), string(record.AnsweredBy), record.LastError, record.CreatedAt, record.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_id: %w", err)
	}

	if err := s.session.Query(`INSERT INTO calls_by_campaign (campaign_id, bucket, call_id, contact_id, phone_number, status, answered_by, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CampaignID, bucket, record.ID, record.ContactID, record.PhoneNumber,
		string(record.Status), string(record.AnsweredBy), record.LastError, record.CreatedAt, record.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_campaign: %w", err)
	}

	return nil
}

// UpdateCallStatus updates the status for a call.
func (s *CallStore) UpdateCallStatus(ctx context.Context, callID string, status domain.CallStatus, lastError *string) error {
	// Fetch current record to locate partition data.
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.session.Query(`UPDATE calls_by_id SET status = ?, last_error = ?, updated_at = ? WHERE call_id = ?`,
		string(status), lastError, now, callID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: update calls_by_id: %w", err)
	}

	if err := s.session.Query(`UPDATE calls_by_campaign SET status = ?, last_error = ?, updated_at = ?
		WHERE campaign_id = ? AND bucket = ? AND call_id = ?`,
		string(status), lastError, now, call.CampaignID, bucketDate(call.CreatedAt), callID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: update calls_by_campaign: %w", err)
	}

	return nil
}

// SetAnsweredBy records the answering-machine detection result.
func (s *CallStore) SetAnsweredBy(ctx context.Context, callID string, answeredBy domain.AnsweredBy) error {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.session.Query(`UPDATE calls_by_id SET answered_by = ?, updated_at = ? WHERE call_id = ?`,
		string(answeredBy), now, callID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: set answered_by: %w", err)
	}
	if err := s.session.Query(`UPDATE calls_by_campaign SET answered_by = ?, updated_at = ?
		WHERE campaign_id = ? AND bucket = ? AND call_id = ?`,
		string(answeredBy), now, call.CampaignID, bucketDate(call.CreatedAt), callID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: set answered_by by campaign: %w", err)
	}
	return nil
}

// GetCall retrieves a call by ID.
func (s *CallStore) GetCall(ctx context.Context, callID string) (*domain.Call, error) {
	var (
		call       domain.Call
		status     string
		answeredBy string
	)
	err := s.session.Query(`SELECT call_id, campaign_id, contact_id, phone_number, status, answered_by, last_error, created_at, updated_at
		FROM calls_by_id WHERE call_id = ?`, callID).WithContext(ctx).
		Scan(&call.ID, &call.CampaignID, &call.ContactID, &call.PhoneNumber,
			&status, &answeredBy, &call.LastError, &call.CreatedAt, &call.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, fmt.Errorf("call store: call %s: %w", callID, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("call store: get call: %w", err)
	}
	call.Status = domain.CallStatus(status)
	call.AnsweredBy = domain.AnsweredBy(answeredBy)
	return &call, nil
}

// ListCallsByCampaign lists calls for a campaign with pagination.
func (s *CallStore) ListCallsByCampaign(ctx context.Context, campaignID string, limit int, pagingState []byte) ([]domain.Call, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT call_id, contact_id, phone_number, status, answered_by, last_error, created_at, updated_at
		FROM calls_by_campaign WHERE campaign_id = ?`, campaignID).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	calls := make([]domain.Call, 0, limit)

	var (
		callID, contactID, phone string
		status, answeredBy       string
		lastError                *string
		created, updated         time.Time
	)

	for iter.Scan(&callID, &contactID, &phone, &status, &answeredBy, &lastError, &created, &updated) {
		calls = append(calls, domain.Call{
			ID:          callID,
			CampaignID:  campaignID,
			ContactID:   contactID,
			PhoneNumber: phone,
			Status:      domain.CallStatus(status),
			AnsweredBy:  domain.AnsweredBy(answeredBy),
			LastError:   lastError,
			CreatedAt:   created,
			UpdatedAt:   updated,
		})
		lastError = nil
		if len(calls) == limit {
			break
		}
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call store: iter close: %w", err)
	}

	return calls, nextState, nil
}

// AppendEvent appends a lifecycle event to the call history.
func (s *CallStore) AppendEvent(ctx context.Context, event domain.CallEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.session.Query(`INSERT INTO call_events (call_id, occurred_at, event_id, kind, payload)
		VALUES (?, ?, ?, ?, ?)`,
		event.CallID, event.OccurredAt, gocql.TimeUUID(), event.Kind, event.Payload,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: append event: %w", err)
	}
	return nil
}

// ListEvents returns the history of a call, oldest first.
func (s *CallStore) ListEvents(ctx context.Context, callID string, limit int) ([]domain.CallEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := s.session.Query(`SELECT occurred_at, kind, payload FROM call_events WHERE call_id = ? LIMIT ?`,
		callID, limit).WithContext(ctx).Iter()

	var (
		out        []domain.CallEvent
		occurredAt time.Time
		kind       string
		payload    []byte
	)
	for iter.Scan(&occurredAt, &kind, &payload) {
		out = append(out, domain.CallEvent{CallID: callID, Kind: kind, Payload: payload, OccurredAt: occurredAt})
		payload = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call store: list events: %w", err)
	}
	return out, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
