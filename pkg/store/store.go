// Package store defines persistence interfaces for the relay's audit data.
package store

import (
	"context"

	"github.com/kmahone/promptrelay/pkg/domain"
)

// ExchangeStore records completed model calls for inspection. Records are
// append-only and are never fed back into live session state.
type ExchangeStore interface {
	// Append persists a new exchange record. The ID and Timestamp fields must
	// be set by the caller.
	Append(ctx context.Context, ex *domain.Exchange) error

	// Recent returns the newest exchanges, most recent first. If limit > 0,
	// returns at most that many.
	Recent(ctx context.Context, limit int) ([]domain.Exchange, error)
}
