package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

const connectTimeout = 10 * time.Second

// SessionStorage is the remote durable tier of the session slot.
// One row per key; the state is kept as JSONB in storage-state shape.
type SessionStorage struct {
	pool   *pgxpool.Pool
	table  string // sanitized identifier
	logger arbor.ILogger
}

var _ interfaces.SessionRecordStore = (*SessionStorage)(nil)

// NewSessionStorage connects, pings and ensures the session table exists
func NewSessionStorage(ctx context.Context, logger arbor.ILogger, config *common.PostgresConfig) (*SessionStorage, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	s := &SessionStorage{
		pool:   pool,
		table:  tableIdentifier(config.Table),
		logger: logger,
	}

	if err := s.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Str("database", poolConfig.ConnConfig.Database).
		Str("table", s.table).
		Msg("Postgres session store initialized")

	return s, nil
}

// EnsureSchema creates the session table if missing
func (s *SessionStorage) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`, s.table)

	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to ensure session schema: %w", err)
	}
	return nil
}

// Get returns the stored session state or interfaces.ErrSessionNotFound
func (s *SessionStorage) Get(ctx context.Context, key string) (*models.SessionState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE key = $1`, s.table), key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}

	return decodeState(raw)
}

// Put replaces the stored session state
func (s *SessionStorage) Put(ctx context.Context, key string, state *models.SessionState) error {
	if state == nil {
		return fmt.Errorf("session state is required")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	sql := fmt.Sprintf(`
	INSERT INTO %s (key, state, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at;`, s.table)

	if _, err := s.pool.Exec(ctx, sql, key, raw); err != nil {
		return fmt.Errorf("failed to store session %s: %w", key, err)
	}

	s.logger.Debug().
		Str("key", key).
		Int("cookies", len(state.Cookies)).
		Msg("Session stored in postgres")
	return nil
}

// Delete removes the stored session; absent keys are not an error
func (s *SessionStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool
func (s *SessionStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func tableIdentifier(table string) string {
	if table == "" {
		table = "marketfinder_sessions"
	}
	return pgx.Identifier{table}.Sanitize()
}

func decodeState(raw []byte) (*models.SessionState, error) {
	var state models.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if state.Cookies == nil {
		state.Cookies = []models.Cookie{}
	}
	if state.Origins == nil {
		state.Origins = []models.OriginState{}
	}
	return &state, nil
}
