package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

// SessionStorage is the embedded durable tier of the session slot
type SessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSessionStorage creates a new SessionStorage instance
func NewSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SessionRecordStore {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

// Get returns the stored session state or interfaces.ErrSessionNotFound
func (s *SessionStorage) Get(ctx context.Context, key string) (*models.SessionState, error) {
	var record models.SessionRecord
	if err := s.db.Store().Get(key, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	if record.State == nil {
		return nil, interfaces.ErrSessionNotFound
	}

	// gob drops empty slices
	state := record.State
	if state.Cookies == nil {
		state.Cookies = []models.Cookie{}
	}
	if state.Origins == nil {
		state.Origins = []models.OriginState{}
	}
	for i := range state.Origins {
		if state.Origins[i].LocalStorage == nil {
			state.Origins[i].LocalStorage = []models.OriginStorageKV{}
		}
	}
	return state, nil
}

// Put replaces the stored session state
func (s *SessionStorage) Put(ctx context.Context, key string, state *models.SessionState) error {
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	if state == nil {
		return fmt.Errorf("session state is required")
	}

	record := &models.SessionRecord{
		Key:       key,
		State:     state.Clone(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.db.Store().Upsert(key, record); err != nil {
		return fmt.Errorf("failed to store session %s: %w", key, err)
	}

	s.logger.Debug().
		Str("key", key).
		Int("cookies", len(state.Cookies)).
		Msg("Session stored in badger")
	return nil
}

// Delete removes the stored session; absent keys are not an error
func (s *SessionStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Store().Delete(key, &models.SessionRecord{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}
