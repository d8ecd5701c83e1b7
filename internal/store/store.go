package store

import (
	"context"
	"errors"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// EntryFilter narrows entry listings.
type EntryFilter struct {
	StoreID *int64
	Label   *string
	Limit   int
	Offset  int
}

// Store defines the persistence interface for index entries, the store
// registry and notifications.
type Store interface {
	// === Entries ===

	PutEntry(ctx context.Context, e model.Entry) error
	GetEntry(ctx context.Context, messageID string) (*model.Entry, error)
	GetEntryByLocator(ctx context.Context, storeID int64, locator string) (*model.Entry, error)
	GetEntries(ctx context.Context, filter EntryFilter) ([]model.Entry, error)
	GetEntriesByIDs(ctx context.Context, ids []string) ([]model.Entry, error)
	DeleteEntry(ctx context.Context, messageID string) error
	CountEntries(ctx context.Context, storeID *int64) (int, error)

	// === Store registry ===

	InsertStore(ctx context.Context, rec model.StoreRecord) (int64, error)
	LoadStores(ctx context.Context) ([]model.StoreRecord, error)
	SaveStores(ctx context.Context, recs []model.StoreRecord) error
	UpdateStoreCursor(ctx context.Context, id int64, cursor string) error
	DeleteStore(ctx context.Context, id int64) error

	// === Notifications ===

	CreateNotification(ctx context.Context, n model.Notification) error
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	// Checkpoint flushes the write-ahead log into the main database file.
	Checkpoint(ctx context.Context) error
}
