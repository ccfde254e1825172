package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/marketfinder/internal/common"
)

// gcDiscardRatio is the value log rewrite threshold used on close
const gcDiscardRatio = 0.5

// BadgerDB owns the badgerhold store shared by every storage in this package
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens (and with reset_on_startup, first wipes) the database
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("badger path is required")
	}

	if config.ResetOnStartup {
		logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
		if err := os.RemoveAll(config.Path); err != nil {
			logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = &badgerLogger{logger: logger}
	// Sessions and saved searches are rewritten in place; old versions are noise
	options.NumVersionsToKeep = 1

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", config.Path, err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database opened")
	return &BadgerDB{store: store, logger: logger, path: config.Path}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close reclaims value log space once and closes the store
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}

	err := b.store.Badger().RunValueLogGC(gcDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		b.logger.Debug().Err(err).Str("path", b.path).Msg("Value log GC skipped")
	}

	return b.store.Close()
}

// badgerLogger routes badger's internal logging through arbor.
// Info chatter (compactions, value log GC) is demoted to debug.
type badgerLogger struct {
	logger arbor.ILogger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Str("source", "badger").Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Str("source", "badger").Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Str("source", "badger").Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Str("source", "badger").Msgf(format, args...)
}
