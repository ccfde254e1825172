package storage

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/storage/badger"
	"github.com/ternarybob/marketfinder/internal/storage/postgres"
)

// NewStorageManager creates the storage manager from config.
// Badger always backs saved searches and KV; the durable session tier moves
// to Postgres when storage.postgres.dsn is set.
func NewStorageManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	manager, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	if config.Storage.Postgres.DSN == "" {
		return manager, nil
	}

	sessions, err := postgres.NewSessionStorage(ctx, logger, &config.Storage.Postgres)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	return &remoteSessionManager{StorageManager: manager, sessions: sessions}, nil
}

// remoteSessionManager swaps the durable session tier for Postgres
type remoteSessionManager struct {
	interfaces.StorageManager
	sessions *postgres.SessionStorage
}

func (m *remoteSessionManager) SessionStore() interfaces.SessionRecordStore {
	return m.sessions
}

func (m *remoteSessionManager) Close() error {
	m.sessions.Close()
	return m.StorageManager.Close()
}
