package badger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/marketfinder/internal/interfaces"
)

// KVStorage keeps KeyValuePair records keyed by their lowercased key
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

func NewKVStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KeyValueStorage {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (s *KVStorage) Get(ctx context.Context, key string) (string, error) {
	var pair interfaces.KeyValuePair
	err := s.db.Store().Get(normalizeKey(key), &pair)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return pair.Value, nil
}

// Set upserts the pair. CreatedAt survives updates.
func (s *KVStorage) Set(ctx context.Context, key string, value string, description string) error {
	k := normalizeKey(key)
	if k == "" {
		return fmt.Errorf("key is required")
	}

	now := time.Now().UTC()
	pair := interfaces.KeyValuePair{
		Key:         k,
		Value:       value,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var existing interfaces.KeyValuePair
	if err := s.db.Store().Get(k, &existing); err == nil {
		pair.CreatedAt = existing.CreatedAt
	}

	if err := s.db.Store().Upsert(k, &pair); err != nil {
		return fmt.Errorf("failed to set key %q: %w", k, err)
	}

	s.logger.Trace().Str("key", k).Msg("Key/value stored")
	return nil
}

func (s *KVStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Store().Delete(normalizeKey(key), &interfaces.KeyValuePair{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return interfaces.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// ListPrefix returns pairs under prefix; an empty prefix lists everything
func (s *KVStorage) ListPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(normalizeKey(prefix)))

	var pairs []interfaces.KeyValuePair
	query := badgerhold.Where("Key").RegExp(pattern).SortBy("UpdatedAt").Reverse()
	if err := s.db.Store().Find(&pairs, query); err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %q: %w", prefix, err)
	}
	if pairs == nil {
		pairs = []interfaces.KeyValuePair{}
	}
	return pairs, nil
}
