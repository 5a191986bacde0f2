package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/outbound-batch-dialer/pkg/errors"
)

// EncodeCursor turns a storage paging state into an opaque URL-safe cursor.
func EncodeCursor(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodeCursor reverses EncodeCursor. An empty cursor yields a nil paging state.
func DecodeCursor(cursor string) ([]byte, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor: %v", apperrors.ErrValidation, err)
	}
	return data, nil
}
