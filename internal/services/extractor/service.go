// -----------------------------------------------------------------------
// Extractor - loads the search page and parses result cards into listings
// -----------------------------------------------------------------------

package extractor

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

// DegradationKind names the step that failed
type DegradationKind string

const (
	DegradationBrowser    DegradationKind = "browser"
	DegradationNavigation DegradationKind = "navigation"
	DegradationCardWait   DegradationKind = "card_wait"
	DegradationCollect    DegradationKind = "collect"
	DegradationCardParse  DegradationKind = "card_parse"
	DegradationSnapshot   DegradationKind = "snapshot"
	DegradationPersist    DegradationKind = "persist"
	DegradationPanic      DegradationKind = "panic"
)

const defaultMaxCards = 20

// Degradation is a non-fatal failure inside one extraction.
// Card is the zero-based card index for card_parse, -1 otherwise.
type Degradation struct {
	Kind DegradationKind
	Card int
	Err  error
}

func (d Degradation) Error() string {
	if d.Card >= 0 {
		return fmt.Sprintf("%s (card %d): %v", d.Kind, d.Card, d.Err)
	}
	return fmt.Sprintf("%s: %v", d.Kind, d.Err)
}

// Result is the full outcome of one extraction. Listings is never nil.
type Result struct {
	Listings     []models.Listing
	Degradations []Degradation
	Cards        int
}

// Degraded reports whether any step failed
func (r Result) Degraded() bool {
	return len(r.Degradations) > 0
}

// Service drives one browser tab per extraction
type Service struct {
	browser   interfaces.Browser
	sessions  interfaces.SessionProvider
	config    *common.MarketplaceConfig
	selectors Selectors
	logger    arbor.ILogger
	now       func() time.Time
}

// NewService creates the extractor. sessions may be nil, which disables
// persisting rotated cookies.
func NewService(
	browser interfaces.Browser,
	sessions interfaces.SessionProvider,
	config *common.MarketplaceConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		browser:   browser,
		sessions:  sessions,
		config:    config,
		selectors: DefaultSelectors(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Extract returns the listings for query. It never fails; problems only
// reduce or default the returned records.
func (s *Service) Extract(ctx context.Context, query models.SearchQuery, state *models.SessionState) []models.Listing {
	return s.ExtractDetailed(ctx, query, state).Listings
}

// ExtractDetailed is Extract plus the degradations encountered on the way
func (s *Service) ExtractDetailed(ctx context.Context, query models.SearchQuery, state *models.SessionState) (res Result) {
	res.Listings = []models.Listing{}
	startTime := time.Now()

	defer func() {
		if perr := common.AsPanicError(recover()); perr != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", perr.Value)).
				Str("stack", perr.Stack).
				Msg("Recovered from panic during extraction")
			res.Listings = []models.Listing{}
			res.Degradations = append(res.Degradations, Degradation{Kind: DegradationPanic, Card: -1, Err: perr})
		}

		for _, d := range res.Degradations {
			s.logger.Warn().
				Str("kind", string(d.Kind)).
				Int("card", d.Card).
				Err(d.Err).
				Msg("Extraction degraded")
		}
		s.logger.Info().
			Str("query", query.Query).
			Int("cards", res.Cards).
			Int("listings", len(res.Listings)).
			Int("degradations", len(res.Degradations)).
			Dur("duration", time.Since(startTime)).
			Msg("Extraction finished")
	}()

	degrade := func(kind DegradationKind, err error) {
		res.Degradations = append(res.Degradations, Degradation{Kind: kind, Card: -1, Err: err})
	}

	if s.browser == nil {
		degrade(DegradationBrowser, fmt.Errorf("no browser configured"))
		return res
	}

	base, err := url.Parse(s.config.BaseURL)
	if err != nil {
		degrade(DegradationNavigation, fmt.Errorf("invalid base url: %w", err))
		return res
	}

	tab, err := s.browser.Open(ctx, state)
	if err != nil {
		degrade(DegradationBrowser, err)
		return res
	}
	defer func() {
		if cerr := tab.Close(); cerr != nil {
			degrade(DegradationBrowser, fmt.Errorf("failed to close browser: %w", cerr))
		}
	}()

	searchURL, err := BuildSearchURL(s.config.SearchURL, query)
	if err != nil {
		degrade(DegradationNavigation, err)
		return res
	}

	if err := tab.Navigate(ctx, searchURL, s.config.NavTimeout); err != nil {
		degrade(DegradationNavigation, err)
	}

	if err := tab.WaitAny(ctx, s.selectors.Cards, s.config.CardWait); err != nil {
		degrade(DegradationCardWait, err)
	}

	limit := s.config.MaxCards
	if limit <= 0 {
		limit = defaultMaxCards
	}

	fragments, err := tab.OuterHTML(ctx, s.selectors.Cards, limit)
	if err != nil {
		degrade(DegradationCollect, err)
	}
	if len(fragments) > limit {
		fragments = fragments[:limit]
	}
	res.Cards = len(fragments)

	scannedAt := s.now()
	for i, fragment := range fragments {
		listing, err := s.parseIsolated(fragment, base, query, scannedAt)
		if err != nil {
			res.Degradations = append(res.Degradations, Degradation{Kind: DegradationCardParse, Card: i, Err: err})
			continue
		}
		res.Listings = append(res.Listings, listing)
	}

	// Rotated tokens are only worth keeping for a session we were given
	if state != nil && !state.IsEmpty() && s.sessions != nil {
		snapshot, err := tab.Cookies(ctx)
		switch {
		case err != nil:
			degrade(DegradationSnapshot, err)
		case snapshot.IsEmpty():
			degrade(DegradationSnapshot, fmt.Errorf("browser returned no cookies"))
		default:
			if err := s.sessions.Save(snapshot); err != nil {
				degrade(DegradationPersist, err)
			}
		}
	}

	return res
}

// parseIsolated contains a panic to the card that caused it
func (s *Service) parseIsolated(fragment string, base *url.URL, query models.SearchQuery, scannedAt time.Time) (listing models.Listing, err error) {
	defer func() {
		if perr := common.AsPanicError(recover()); perr != nil {
			err = perr
		}
	}()
	return parseCard(fragment, s.selectors, base, query, scannedAt)
}
