package scanner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

const (
	PushTitle    = "Marketplace Finder"
	EmailSubject = "New Marketplace item"

	// SweepJobName is the scheduler job that runs Sweep
	SweepJobName = "sweep"

	lastNotifiedKeyPrefix = "last_notified_"
)

// SweepReport summarises one pass over the notification-enabled searches
type SweepReport struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Searches       int           `json:"searches"`
	NonEmpty       int           `json:"non_empty"`
	Notified       int           `json:"notified"`
	Deduplicated   int           `json:"deduplicated"`
	SenderFailures int           `json:"sender_failures"`
	AlreadyRunning bool          `json:"already_running,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Sweep scans every saved search with notifications enabled and notifies
// about the first listing of each non-empty result. Overlapping sweeps are
// skipped.
func (s *Service) Sweep(ctx context.Context) (report SweepReport) {
	report = SweepReport{
		ID:        common.NewScanID(),
		StartedAt: time.Now().UTC(),
	}

	if !s.sweepMu.TryLock() {
		s.logger.Info().Msg("Sweep already running, skipping")
		report.AlreadyRunning = true
		return report
	}
	defer s.sweepMu.Unlock()

	logger := s.logger.WithCorrelationId(report.ID)

	defer func() {
		if perr := common.AsPanicError(recover()); perr != nil {
			logger.Error().
				Str("panic", perr.Error()).
				Str("stack", perr.Stack).
				Msg("Recovered from panic during sweep")
			report.Error = perr.Error()
		}
		report.Duration = time.Since(report.StartedAt)

		logger.Info().
			Int("searches", report.Searches).
			Int("non_empty", report.NonEmpty).
			Int("notified", report.Notified).
			Int("deduplicated", report.Deduplicated).
			Dur("duration", report.Duration).
			Msg("Sweep finished")

		s.publish(ctx, interfaces.EventSweepCompleted, map[string]interface{}{
			"sweep_id": report.ID,
			"searches": report.Searches,
			"notified": report.Notified,
		})
	}()

	if s.searches == nil {
		report.Error = errNoSearchStorage.Error()
		return report
	}

	searches, err := s.searches.ListNotificationEnabled(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list saved searches for sweep")
		report.Error = err.Error()
		return report
	}
	report.Searches = len(searches)
	s.pruneNotified(ctx, searches)

	for _, search := range searches {
		listings := s.RunScan(ctx, search.SearchQuery())
		if len(listings) == 0 {
			continue
		}
		report.NonEmpty++

		first := listings[0]
		if s.alreadyNotified(ctx, search, first) {
			report.Deduplicated++
			logger.Debug().
				Str("saved_search_id", search.ID).
				Str("marketplace_id", first.MarketplaceID).
				Msg("First listing already notified, skipping")
			continue
		}

		report.SenderFailures += s.notify(ctx, search, first)
		report.Notified++
		s.rememberNotified(ctx, search, first)
	}

	return report
}

// notify sends through both channels and returns the number of sender failures
func (s *Service) notify(ctx context.Context, search *models.SavedSearch, listing models.Listing) int {
	failures := 0
	respect := s.config.Scanner.RespectChannelFlags

	if s.push != nil && (!respect || search.Notifications.Push) {
		if err := s.push.Push(ctx, PushTitle, "New item: "+listing.Title); err != nil {
			failures++
			s.logger.Warn().Err(err).Str("saved_search_id", search.ID).Msg("Push notification failed")
		}
	}

	if s.email != nil && (!respect || search.Notifications.Email) {
		if err := s.email.SendEmail(ctx, s.config.NotificationRecipient(), EmailSubject, listing.Title); err != nil {
			failures++
			s.logger.Warn().Err(err).Str("saved_search_id", search.ID).Msg("Email notification failed")
		}
	}

	return failures
}

func (s *Service) alreadyNotified(ctx context.Context, search *models.SavedSearch, listing models.Listing) bool {
	if !s.config.Scanner.DedupeNotifications || s.kv == nil || listing.MarketplaceID == "" {
		return false
	}

	last, err := s.kv.Get(ctx, lastNotifiedKeyPrefix+search.ID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("saved_search_id", search.ID).Msg("Failed to read last notified listing")
		return false
	}
	return last == listing.MarketplaceID
}

func (s *Service) rememberNotified(ctx context.Context, search *models.SavedSearch, listing models.Listing) {
	if !s.config.Scanner.DedupeNotifications || s.kv == nil || listing.MarketplaceID == "" {
		return
	}
	if err := s.kv.Set(ctx, lastNotifiedKeyPrefix+search.ID, listing.MarketplaceID, "Last notified listing for saved search"); err != nil {
		s.logger.Warn().Err(err).Str("saved_search_id", search.ID).Msg("Failed to remember notified listing")
	}
}

// pruneNotified drops dedupe markers of searches that are gone or no longer
// notify, so a re-enabled search starts fresh.
func (s *Service) pruneNotified(ctx context.Context, active []*models.SavedSearch) {
	if !s.config.Scanner.DedupeNotifications || s.kv == nil {
		return
	}

	pairs, err := s.kv.ListPrefix(ctx, lastNotifiedKeyPrefix)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list notification markers")
		return
	}

	keep := make(map[string]bool, len(active))
	for _, search := range active {
		keep[strings.ToLower(lastNotifiedKeyPrefix+search.ID)] = true
	}

	for _, pair := range pairs {
		if keep[strings.ToLower(pair.Key)] {
			continue
		}
		if err := s.kv.Delete(ctx, pair.Key); err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			s.logger.Warn().Err(err).Str("key", pair.Key).Msg("Failed to prune notification marker")
		}
	}
}
