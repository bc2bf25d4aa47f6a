// Package store persists the last settled notification lists so the UI
// can show them immediately on the next start, before the first resync
// completes.
package store

import (
	"context"
	"time"

	"github.com/nhle/notifycenter/internal/model"
)

// Lists is a cached copy of the unread and read lists.
type Lists struct {
	Unread  []model.Notification
	Read    []model.Notification
	SavedAt time.Time
}

// Cache defines the persistence interface for the warm-start cache.
type Cache interface {
	// SaveSnapshot replaces the cached lists for owner.
	SaveSnapshot(ctx context.Context, owner string, lists Lists) error

	// LoadSnapshot returns the cached lists in stored order. A cache
	// written for a different owner yields empty lists.
	LoadSnapshot(ctx context.Context, owner string) (Lists, error)

	// Clear removes every cached notification.
	Clear(ctx context.Context) error

	Close() error
}
