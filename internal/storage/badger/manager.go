package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db          *BadgerDB
	session     interfaces.SessionRecordStore
	savedSearch interfaces.SavedSearchStorage
	kv          interfaces.KeyValueStorage
	logger      arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:          db,
		session:     NewSessionStorage(db, logger),
		savedSearch: NewSavedSearchStorage(db, logger),
		kv:          NewKVStorage(db, logger),
		logger:      logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// SessionStore returns the durable session store
func (m *Manager) SessionStore() interfaces.SessionRecordStore {
	return m.session
}

// SavedSearchStorage returns the SavedSearch storage interface
func (m *Manager) SavedSearchStorage() interfaces.SavedSearchStorage {
	return m.savedSearch
}

// KeyValueStorage returns the KeyValue storage interface
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
