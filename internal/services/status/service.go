package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

// AppState represents the application state
type AppState string

const (
	StateIdle     AppState = "idle"
	StateScanning AppState = "scanning"
)

// Service tracks what the application is doing, driven by scan events
type Service struct {
	mu            sync.RWMutex
	state         AppState
	activeScans   int
	lastScanAt    *time.Time
	lastScanTotal int
	lastSweepAt   *time.Time
	authenticated bool
	startedAt     time.Time

	eventService interfaces.EventService
	logger       arbor.ILogger
}

// NewService creates a new status service
func NewService(eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		state:        StateIdle,
		startedAt:    time.Now().UTC(),
		eventService: eventService,
		logger:       logger,
	}
}

// GetState returns the current application state (thread-safe)
func (s *Service) GetState() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// GetStatus returns a snapshot suitable for the status endpoint
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"state":           string(s.state),
		"active_scans":    s.activeScans,
		"last_scan_total": s.lastScanTotal,
		"authenticated":   s.authenticated,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"goroutines":      common.GetGoroutineCount(),
		"timestamp":       time.Now().UTC(),
	}
	if s.lastScanAt != nil {
		status["last_scan_at"] = *s.lastScanAt
	}
	if s.lastSweepAt != nil {
		status["last_sweep_at"] = *s.lastSweepAt
	}
	if s.eventService != nil {
		status["events"] = s.eventService.Published()
	}
	return status
}

// SetAuthenticated records the session slot state
func (s *Service) SetAuthenticated(authenticated bool) {
	s.mu.Lock()
	s.authenticated = authenticated
	s.mu.Unlock()
}

// SubscribeToEvents keeps the status current from scan and session events
func (s *Service) SubscribeToEvents() error {
	handlers := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventScanStarted:    s.onScanStarted,
		interfaces.EventScanCompleted:  s.onScanCompleted,
		interfaces.EventSweepCompleted: s.onSweepCompleted,
		interfaces.EventSessionChanged: s.onSessionChanged,
	}
	for eventType, handler := range handlers {
		if err := s.eventService.Subscribe(eventType, handler); err != nil {
			return err
		}
	}

	s.logger.Debug().Msg("Status service subscribed to scan events")
	return nil
}

func (s *Service) onScanStarted(_ context.Context, _ interfaces.Event) error {
	s.mu.Lock()
	s.activeScans++
	s.state = StateScanning
	s.mu.Unlock()

	s.publishState()
	return nil
}

func (s *Service) onScanCompleted(_ context.Context, event interfaces.Event) error {
	now := time.Now().UTC()

	s.mu.Lock()
	if s.activeScans > 0 {
		s.activeScans--
	}
	if s.activeScans == 0 {
		s.state = StateIdle
	}
	s.lastScanAt = &now
	if total, ok := event.Payload["total"].(int); ok {
		s.lastScanTotal = total
	}
	if authenticated, ok := event.Payload["authenticated"].(bool); ok {
		s.authenticated = authenticated
	}
	s.mu.Unlock()

	s.publishState()
	return nil
}

func (s *Service) onSweepCompleted(_ context.Context, _ interfaces.Event) error {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSweepAt = &now
	s.mu.Unlock()
	return nil
}

func (s *Service) onSessionChanged(_ context.Context, event interfaces.Event) error {
	if authenticated, ok := event.Payload["authenticated"].(bool); ok {
		s.SetAuthenticated(authenticated)
	}
	return nil
}

func (s *Service) publishState() {
	s.mu.RLock()
	payload := map[string]interface{}{
		"state":        string(s.state),
		"active_scans": s.activeScans,
		"timestamp":    time.Now().UTC(),
	}
	s.mu.RUnlock()

	if err := s.eventService.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventStatusChanged,
		Payload: payload,
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to publish status change")
	}
}
