// -----------------------------------------------------------------------
// Session Service - single session slot with local cache, durable store
// and credential login tiers
// -----------------------------------------------------------------------

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

const (
	MessageAuthenticated   = "Logged in (session found)"
	MessageUnauthenticated = "Not authenticated. Run the credential login once or upload cookies."
	MessageLoginFailed     = "Login failed. Check FB_EMAIL/FB_PASSWORD or 2FA."
	MessageLoginSucceeded  = "Login successful. Session saved."
)

// Tier identifies which layer satisfied a resolve
type Tier int

const (
	TierNone Tier = iota
	TierLocalCache
	TierDurable
	TierCredentials
)

func (t Tier) String() string {
	switch t {
	case TierLocalCache:
		return "local_cache"
	case TierDurable:
		return "durable"
	case TierCredentials:
		return "credentials"
	default:
		return "none"
	}
}

// Resolution is the outcome of one EnsureSession attempt
type Resolution struct {
	Tier          Tier
	Authenticated bool
	Err           *AcquisitionError // nil when a tier succeeded
	RestoreErr    error             // durable lookup failure that caused a fall-through
}

// Listener is notified after every change to the session slot
type Listener func(status models.AuthStatus)

// Service owns the single session slot.
// The local cache file is written only while holding mu. loginMu serialises
// the durable restore and credential login tiers.
type Service struct {
	cachePath  string
	durableKey string
	durable    interfaces.SessionRecordStore
	acquirer   interfaces.SessionAcquirer
	creds      models.Credentials
	logger     arbor.ILogger

	mu       sync.Mutex
	loginMu  sync.Mutex
	listenMu sync.RWMutex
	listener Listener
}

// NewService creates the session service. durable and acquirer may be nil,
// which disables the corresponding tier.
func NewService(
	config *common.Config,
	durable interfaces.SessionRecordStore,
	acquirer interfaces.SessionAcquirer,
	logger arbor.ILogger,
) *Service {
	return &Service{
		cachePath:  config.Session.CachePath,
		durableKey: config.Session.DurableKey,
		durable:    durable,
		acquirer:   acquirer,
		creds: models.Credentials{
			Email:    config.Marketplace.Email,
			Password: config.Marketplace.Password,
		},
		logger: logger,
	}
}

// SetListener registers the slot change callback (websocket feed)
func (s *Service) SetListener(l Listener) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listener = l
}

// EnsureSession reports whether a session is present after walking the tiers.
// It never panics and never returns an error.
func (s *Service) EnsureSession(ctx context.Context) bool {
	res := s.Resolve(ctx)
	return res.Authenticated
}

// Resolve walks local cache, durable store and credential login in strict
// priority order, stopping at the first tier that yields a session.
// Lower tiers run under loginMu so concurrent callers log in once; mu is held
// only around cache access so status reads never wait on a browser login.
func (s *Service) Resolve(ctx context.Context) (res Resolution) {
	defer func() {
		if perr := common.AsPanicError(recover()); perr != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", perr.Value)).
				Str("stack", perr.Stack).
				Msg("Recovered from panic while resolving session")
			res = Resolution{
				Tier: TierNone,
				Err:  &AcquisitionError{Kind: KindInternal, Err: perr},
			}
		}
	}()

	if s.HasSession() {
		return Resolution{Tier: TierLocalCache, Authenticated: true}
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	// Another caller may have filled the slot while we waited
	if s.HasSession() {
		return Resolution{Tier: TierLocalCache, Authenticated: true}
	}

	restored, err := s.restore(ctx)
	if restored {
		s.notify(true)
		return Resolution{Tier: TierDurable, Authenticated: true}
	}
	res.RestoreErr = err

	if aerr := s.acquire(ctx); aerr != nil {
		res.Tier = TierNone
		res.Err = aerr
		s.logger.Warn().
			Str("kind", string(aerr.Kind)).
			Err(aerr.Err).
			Msg("Session acquisition failed")
		return res
	}

	s.notify(true)
	res.Tier = TierCredentials
	res.Authenticated = true
	return res
}

// restore materialises the durable copy into the local cache
func (s *Service) restore(ctx context.Context) (bool, error) {
	if s.durable == nil {
		return false, nil
	}

	state, err := s.durable.Get(ctx, s.durableKey)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		s.logger.Debug().Str("key", s.durableKey).Msg("No durable session stored")
		return false, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", s.durableKey).Msg("Durable session lookup failed")
		return false, err
	}
	if state.IsEmpty() {
		return false, nil
	}

	if err := s.writeCache(state); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to materialise durable session into local cache")
		return false, err
	}

	s.logger.Info().
		Int("cookies", len(state.Cookies)).
		Msg("Session restored from durable store")
	return true, nil
}

// acquire performs credential login and persists the captured state
func (s *Service) acquire(ctx context.Context) *AcquisitionError {
	if !s.creds.Available() {
		return &AcquisitionError{Kind: KindNoCredentials, Err: errors.New("marketplace email and password are not configured")}
	}
	if s.acquirer == nil {
		return &AcquisitionError{Kind: KindLoginFailed, Err: errors.New("no login driver configured")}
	}

	s.logger.Info().Msg("Attempting credential login")

	state, err := s.acquirer.Login(ctx, s.creds)
	if err != nil {
		return &AcquisitionError{Kind: KindLoginFailed, Err: err}
	}
	if state.IsEmpty() {
		return &AcquisitionError{Kind: KindLoginFailed, Err: errors.New("login produced no cookies")}
	}

	if err := s.writeCache(state); err != nil {
		return &AcquisitionError{Kind: KindPersistFailed, Err: err}
	}

	if s.durable != nil {
		if err := s.durable.Put(ctx, s.durableKey, state); err != nil {
			// Local cache already holds the session
			s.logger.Warn().Err(err).Msg("Failed to store acquired session in durable store")
		}
	}

	s.logger.Info().
		Int("cookies", len(state.Cookies)).
		Msg("Credential login succeeded")
	return nil
}

// HasSession reports whether the local cache holds a session
func (s *Service) HasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCacheLocked()
}

// Load reads the local cache; (nil, nil) when absent
func (s *Service) Load() (*models.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.cachePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}

	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session cache: %w", err)
	}
	return &state, nil
}

// Save replaces the local cache with state
func (s *Service) Save(state *models.SessionState) error {
	if state == nil {
		return fmt.Errorf("session state is required")
	}

	s.mu.Lock()
	had := s.hasCacheLocked()
	err := s.writeCacheLocked(state)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !had {
		s.notify(true)
	}
	return nil
}

// SaveDurable replaces the durable copy and then the local cache. A failed
// durable write leaves the local cache untouched.
func (s *Service) SaveDurable(ctx context.Context, state *models.SessionState) error {
	if state == nil {
		return fmt.Errorf("session state is required")
	}

	s.mu.Lock()
	var err error
	if s.durable != nil {
		if perr := s.durable.Put(ctx, s.durableKey, state); perr != nil {
			err = fmt.Errorf("failed to store durable session: %w", perr)
		}
	}
	if err == nil {
		err = s.writeCacheLocked(state)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.logger.Info().
		Int("cookies", len(state.Cookies)).
		Msg("Session saved to durable store and local cache")
	s.notify(true)
	return nil
}

// Clear deletes the local cache. Missing files are not an error.
func (s *Service) Clear() error {
	s.mu.Lock()
	err := os.Remove(s.cachePath)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear session cache: %w", err)
	}

	s.logger.Info().Str("path", s.cachePath).Msg("Session cache cleared")
	s.notify(false)
	return nil
}

// Status describes the session slot for humans
func (s *Service) Status() models.AuthStatus {
	return statusFor(s.HasSession())
}

// LoginStatus runs the tiers and phrases the result for the login endpoint
func (s *Service) LoginStatus(ctx context.Context) models.AuthStatus {
	if s.EnsureSession(ctx) {
		return models.AuthStatus{Authenticated: true, Message: MessageLoginSucceeded}
	}
	return models.AuthStatus{Authenticated: false, Message: MessageLoginFailed}
}

func (s *Service) writeCache(state *models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCacheLocked(state)
}

func (s *Service) hasCacheLocked() bool {
	info, err := os.Stat(s.cachePath)
	return err == nil && !info.IsDir()
}

// writeCacheLocked writes via temp file + rename so readers never see a partial file
func (s *Service) writeCacheLocked(state *models.SessionState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(s.cachePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync session temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close session temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.cachePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session cache: %w", err)
	}
	return nil
}

func (s *Service) notify(authenticated bool) {
	s.listenMu.RLock()
	l := s.listener
	s.listenMu.RUnlock()

	if l != nil {
		l(statusFor(authenticated))
	}
}

func statusFor(authenticated bool) models.AuthStatus {
	if authenticated {
		return models.AuthStatus{Authenticated: true, Message: MessageAuthenticated}
	}
	return models.AuthStatus{Authenticated: false, Message: MessageUnauthenticated}
}
