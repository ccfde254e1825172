package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

// SavedSearchStorage implements the SavedSearchStorage interface for Badger
type SavedSearchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSavedSearchStorage creates a new SavedSearchStorage instance
func NewSavedSearchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SavedSearchStorage {
	return &SavedSearchStorage{
		db:     db,
		logger: logger,
	}
}

// List returns every saved search, newest first
func (s *SavedSearchStorage) List(ctx context.Context) ([]*models.SavedSearch, error) {
	var searches []models.SavedSearch
	if err := s.db.Store().Find(&searches, nil); err != nil {
		return nil, fmt.Errorf("failed to list saved searches: %w", err)
	}
	return sortNewestFirst(searches), nil
}

// ListNotificationEnabled returns saved searches the sweep should run
func (s *SavedSearchStorage) ListNotificationEnabled(ctx context.Context) ([]*models.SavedSearch, error) {
	var searches []models.SavedSearch
	query := badgerhold.Where("NotificationsEnabled").Eq(true)
	if err := s.db.Store().Find(&searches, query); err != nil {
		return nil, fmt.Errorf("failed to list notification-enabled searches: %w", err)
	}
	return sortNewestFirst(searches), nil
}

// Get returns one saved search or interfaces.ErrSavedSearchNotFound
func (s *SavedSearchStorage) Get(ctx context.Context, id string) (*models.SavedSearch, error) {
	var search models.SavedSearch
	if err := s.db.Store().Get(id, &search); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrSavedSearchNotFound
		}
		return nil, fmt.Errorf("failed to get saved search %s: %w", id, err)
	}
	return &search, nil
}

// Save inserts or replaces a saved search, assigning ID and CreatedAt when missing
func (s *SavedSearchStorage) Save(ctx context.Context, search *models.SavedSearch) error {
	if search.ID == "" {
		search.ID = common.NewSavedSearchID()
	}
	if search.CreatedAt.IsZero() {
		search.CreatedAt = time.Now().UTC()
	}

	if err := s.db.Store().Upsert(search.ID, search); err != nil {
		return fmt.Errorf("failed to save saved search: %w", err)
	}

	s.logger.Debug().
		Str("id", search.ID).
		Str("query", search.Query).
		Msg("Saved search stored")
	return nil
}

// Delete removes a saved search
func (s *SavedSearchStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.SavedSearch{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return interfaces.ErrSavedSearchNotFound
		}
		return fmt.Errorf("failed to delete saved search %s: %w", id, err)
	}
	return nil
}

// UpdateNotifications merges channel flags into a saved search and stores it
func (s *SavedSearchStorage) UpdateNotifications(ctx context.Context, id string, update models.NotificationUpdate) (*models.SavedSearch, error) {
	search, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	update.Apply(search)

	if err := s.db.Store().Update(id, search); err != nil {
		return nil, fmt.Errorf("failed to update saved search %s: %w", id, err)
	}
	return search, nil
}

func sortNewestFirst(searches []models.SavedSearch) []*models.SavedSearch {
	out := make([]*models.SavedSearch, len(searches))
	for i := range searches {
		out[i] = &searches[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
