// -----------------------------------------------------------------------
// Scan Orchestrator - single entry point for interactive scans and the
// periodic notification sweep
// -----------------------------------------------------------------------

package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
	"github.com/ternarybob/marketfinder/internal/services/extractor"
)

// Upper bound for one scan including session acquisition
const scanTimeout = 3 * time.Minute

// SessionEnsurer is the part of the session service a scan needs
type SessionEnsurer interface {
	EnsureSession(ctx context.Context) bool
	Load() (*models.SessionState, error)
}

// Extractor produces listings for a query
type Extractor interface {
	ExtractDetailed(ctx context.Context, query models.SearchQuery, state *models.SessionState) extractor.Result
}

// ScanReport describes one finished scan
type ScanReport struct {
	ID            string           `json:"id"`
	Query         string           `json:"query"`
	Listings      []models.Listing `json:"listings"`
	Authenticated bool             `json:"authenticated"`
	Cards         int              `json:"cards"`
	Degradations  []string         `json:"degradations,omitempty"`
	Duration      time.Duration    `json:"duration"`
}

// Service runs scans on a bounded pool. No public method fails or panics.
type Service struct {
	sessions  SessionEnsurer
	extractor Extractor
	searches  interfaces.SavedSearchStorage
	kv        interfaces.KeyValueStorage
	email     interfaces.EmailSender
	push      interfaces.PushSender
	events    interfaces.EventService
	config    *common.Config
	logger    arbor.ILogger

	slots   chan struct{}
	sweepMu sync.Mutex
}

// Dependencies groups the collaborators; Searches, KV, Email, Push and
// Events may be nil.
type Dependencies struct {
	Sessions  SessionEnsurer
	Extractor Extractor
	Searches  interfaces.SavedSearchStorage
	KV        interfaces.KeyValueStorage
	Email     interfaces.EmailSender
	Push      interfaces.PushSender
	Events    interfaces.EventService
}

// NewService creates the scan orchestrator
func NewService(deps Dependencies, config *common.Config, logger arbor.ILogger) *Service {
	workers := config.Scanner.MaxConcurrent
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		sessions:  deps.Sessions,
		extractor: deps.Extractor,
		searches:  deps.Searches,
		kv:        deps.KV,
		email:     deps.Email,
		push:      deps.Push,
		events:    deps.Events,
		config:    config,
		logger:    logger,
		slots:     make(chan struct{}, workers),
	}
}

// RunScan ensures a session (best effort) and extracts listings for query
func (s *Service) RunScan(ctx context.Context, query models.SearchQuery) []models.Listing {
	return s.RunScanDetailed(ctx, query).Listings
}

// RunScanDetailed is RunScan plus diagnostics. Callers cannot cancel a scan
// once started; it ends on its own timeout.
func (s *Service) RunScanDetailed(ctx context.Context, query models.SearchQuery) ScanReport {
	report := ScanReport{
		ID:       common.NewScanID(),
		Query:    query.Query,
		Listings: []models.Listing{},
	}

	scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scanTimeout)
	defer cancel()

	// Wait for a pool slot
	select {
	case s.slots <- struct{}{}:
	case <-scanCtx.Done():
		s.logger.Warn().Str("scan_id", report.ID).Msg("Scan timed out waiting for a browser slot")
		return report
	}

	done := make(chan ScanReport, 1)
	go func() {
		defer func() { <-s.slots }()
		defer func() {
			if perr := common.AsPanicError(recover()); perr != nil {
				s.logger.Error().
					Str("scan_id", report.ID).
					Str("panic", fmt.Sprintf("%v", perr.Value)).
					Str("stack", perr.Stack).
					Msg("Recovered from panic during scan")
				failed := report
				failed.Degradations = append(failed.Degradations, perr.Error())
				done <- failed
			}
		}()
		done <- s.scan(scanCtx, report, query)
	}()

	select {
	case result := <-done:
		return result
	case <-scanCtx.Done():
		// The worker still owns its slot until the browser gives up
		s.logger.Warn().Str("scan_id", report.ID).Msg("Scan exceeded its time budget")
		return report
	}
}

func (s *Service) scan(ctx context.Context, report ScanReport, query models.SearchQuery) ScanReport {
	logger := s.logger.WithCorrelationId(report.ID)
	startTime := time.Now()

	s.publish(ctx, interfaces.EventScanStarted, map[string]interface{}{
		"scan_id": report.ID,
		"query":   query.Query,
	})

	// A logged-out scan beats no scan
	report.Authenticated = s.sessions.EnsureSession(ctx)

	state, err := s.sessions.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load session, scanning logged out")
		state = nil
	}

	result := s.extractor.ExtractDetailed(ctx, query, state)
	if result.Listings != nil {
		report.Listings = result.Listings
	}
	report.Cards = result.Cards
	for _, d := range result.Degradations {
		report.Degradations = append(report.Degradations, d.Error())
	}
	report.Duration = time.Since(startTime)

	logger.Info().
		Str("query", query.Query).
		Bool("authenticated", report.Authenticated).
		Int("listings", len(report.Listings)).
		Int("degradations", len(report.Degradations)).
		Dur("duration", report.Duration).
		Msg("Scan completed")

	s.publish(ctx, interfaces.EventScanCompleted, map[string]interface{}{
		"scan_id":       report.ID,
		"query":         query.Query,
		"total":         len(report.Listings),
		"authenticated": report.Authenticated,
		"degraded":      len(report.Degradations) > 0,
		"duration_ms":   report.Duration.Milliseconds(),
	})

	return report
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

var errNoSearchStorage = errors.New("saved search storage not configured")
