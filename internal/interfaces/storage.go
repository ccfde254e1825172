package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/marketfinder/internal/models"
)

// ErrSessionNotFound is returned when the durable store holds no session for a key
var ErrSessionNotFound = errors.New("session not found")

// ErrSavedSearchNotFound is returned when a saved search id does not exist
var ErrSavedSearchNotFound = errors.New("saved search not found")

// SessionRecordStore is the durable tier of the session slot.
// Implementations: Badger (embedded) and Postgres (remote).
type SessionRecordStore interface {
	Get(ctx context.Context, key string) (*models.SessionState, error)
	Put(ctx context.Context, key string, state *models.SessionState) error
	Delete(ctx context.Context, key string) error
}

// SavedSearchStorage persists saved searches
type SavedSearchStorage interface {
	List(ctx context.Context) ([]*models.SavedSearch, error)
	ListNotificationEnabled(ctx context.Context) ([]*models.SavedSearch, error)
	Get(ctx context.Context, id string) (*models.SavedSearch, error)
	Save(ctx context.Context, search *models.SavedSearch) error
	Delete(ctx context.Context, id string) error
	UpdateNotifications(ctx context.Context, id string, update models.NotificationUpdate) (*models.SavedSearch, error)
}

// StorageManager owns every storage backend for the process lifetime
type StorageManager interface {
	SessionStore() SessionRecordStore
	SavedSearchStorage() SavedSearchStorage
	KeyValueStorage() KeyValueStorage
	Close() error
}
