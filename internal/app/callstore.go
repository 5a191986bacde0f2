package app

import (
	"context"
	"fmt"

	"github.com/acme/outbound-batch-dialer/internal/domain"
	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

// unavailableCallStore backs the call endpoints when Scylla is disabled.
type unavailableCallStore struct{}

var errNoCallStore = fmt.Errorf("call records disabled: %w", apperrors.ErrUnavailable)

func (unavailableCallStore) CreateCall(context.Context, *domain.Call) error { return errNoCallStore }

func (unavailableCallStore) UpdateCallStatus(context.Context, string, domain.CallStatus, *string) error {
	return errNoCallStore
}

func (unavailableCallStore) SetAnsweredBy(context.Context, string, domain.AnsweredBy) error {
	return errNoCallStore
}

func (unavailableCallStore) GetCall(context.Context, string) (*domain.Call, error) {
	return nil, errNoCallStore
}

func (unavailableCallStore) ListCallsByCampaign(context.Context, string, int, []byte) ([]domain.Call, []byte, error) {
	return nil, nil, errNoCallStore
}

func (unavailableCallStore) AppendEvent(context.Context, domain.CallEvent) error {
	return errNoCallStore
}

func (unavailableCallStore) ListEvents(context.Context, string, int) ([]domain.CallEvent, error) {
	return nil, errNoCallStore
}
