package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is not found in the key/value store
var ErrKeyNotFound = errors.New("key not found")

// KeyValuePair is one stored setting or marker
type KeyValuePair struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeyValueStorage holds small string values under case-insensitive keys.
// Users namespace their keys with a prefix: smtp_ for mailer settings,
// scheduler_last_run_ for job bookkeeping, last_notified_ for sweep dedupe.
type KeyValueStorage interface {
	// Get returns ErrKeyNotFound if absent
	Get(ctx context.Context, key string) (string, error)

	Set(ctx context.Context, key string, value string, description string) error

	// Delete returns ErrKeyNotFound if absent
	Delete(ctx context.Context, key string) error

	// ListPrefix returns the pairs whose key starts with prefix, newest update first
	ListPrefix(ctx context.Context, prefix string) ([]KeyValuePair, error)
}
