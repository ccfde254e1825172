package extractor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

type fakeTab struct {
	fragments   []string
	navigateErr error
	waitErr     error
	collectErr  error
	cookies     *models.SessionState
	cookiesErr  error
	panicOn     string

	navigatedTo string
	closed      atomic.Int32
}

func (t *fakeTab) Navigate(_ context.Context, url string, _ time.Duration) error {
	if t.panicOn == "navigate" {
		panic("tab exploded")
	}
	t.navigatedTo = url
	return t.navigateErr
}

func (t *fakeTab) WaitAny(context.Context, []string, time.Duration) error {
	return t.waitErr
}

func (t *fakeTab) OuterHTML(_ context.Context, _ []string, limit int) ([]string, error) {
	if t.collectErr != nil {
		return nil, t.collectErr
	}
	if len(t.fragments) > limit {
		return t.fragments[:limit], nil
	}
	return t.fragments, nil
}

func (t *fakeTab) Cookies(context.Context) (*models.SessionState, error) {
	return t.cookies, t.cookiesErr
}

func (t *fakeTab) Close() error {
	t.closed.Add(1)
	return nil
}

type fakeBrowser struct {
	tab     *fakeTab
	openErr error
	seeded  *models.SessionState
}

func (b *fakeBrowser) Open(_ context.Context, state *models.SessionState) (interfaces.BrowserTab, error) {
	b.seeded = state
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.tab, nil
}

type fakeSessions struct {
	saved []*models.SessionState
	err   error
}

func (f *fakeSessions) Save(state *models.SessionState) error {
	f.saved = append(f.saved, state)
	return f.err
}

func testConfig() *common.MarketplaceConfig {
	return &common.NewDefaultConfig().Marketplace
}

func newTestService(browser interfaces.Browser, sessions interfaces.SessionProvider) *Service {
	svc := NewService(browser, sessions, testConfig(), arbor.NewLogger())
	svc.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc
}

func sessionWith(names ...string) *models.SessionState {
	cookies := make([]models.Cookie, 0, len(names))
	for _, n := range names {
		cookies = append(cookies, models.Cookie{Name: n, Value: "v", Domain: ".facebook.com", Path: "/", SameSite: models.SameSiteLax})
	}
	return models.NewSessionState(cookies)
}

const (
	bikeCard = `<div role="article"><a role="link" tabindex="0" href="/marketplace/item/111/?ref=search"><img src="https://cdn.example/bike.jpg"><span>$1,299.00</span><span>Road bike</span></a></div>`
	sofaCard = `<div role="article"><a href="https://www.facebook.com/marketplace/item/222/"><span>Sofa</span><span><span>Free</span></span></a></div>`
	badCard  = `<div role="article"><span>N/A</span></div>`
)

func TestExtract_ParsesCards(t *testing.T) {
	tab := &fakeTab{fragments: []string{bikeCard, sofaCard}}
	svc := newTestService(&fakeBrowser{tab: tab}, nil)

	query := models.SearchQuery{Query: "bike", Filters: models.Filters{Category: "Vehicles", Condition: "Used"}}
	res := svc.ExtractDetailed(context.Background(), query, nil)

	require.Len(t, res.Listings, 2)
	assert.False(t, res.Degraded())

	bike := res.Listings[0]
	assert.Equal(t, "Road bike", bike.Title)
	assert.Equal(t, 1299.0, bike.Price)
	assert.Equal(t, "https://www.facebook.com/marketplace/item/111/?ref=search", bike.URL)
	assert.Equal(t, "111", bike.MarketplaceID)
	assert.Equal(t, "https://cdn.example/bike.jpg", bike.ImageURL)
	assert.Equal(t, models.UnknownCity, bike.City)
	assert.Equal(t, "Vehicles", bike.Category)
	assert.Equal(t, "Used", bike.Condition)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), bike.PublishedAt)

	sofa := res.Listings[1]
	assert.Equal(t, "Sofa", sofa.Title)
	assert.Equal(t, 0.0, sofa.Price)
	assert.Equal(t, "222", sofa.MarketplaceID)
	assert.Equal(t, "", sofa.ImageURL)

	assert.Contains(t, tab.navigatedTo, "query=bike")
	assert.Equal(t, int32(1), tab.closed.Load())
}

func TestExtract_NeverFails(t *testing.T) {
	tests := []struct {
		name    string
		browser interfaces.Browser
		query   models.SearchQuery
		state   *models.SessionState
		kind    DegradationKind
	}{
		{"nil browser", nil, models.NewSearchQuery("bike"), nil, DegradationBrowser},
		{"open failure", &fakeBrowser{openErr: errors.New("chrome not found")}, models.NewSearchQuery("bike"), nil, DegradationBrowser},
		{"blank query zero cards", &fakeBrowser{tab: &fakeTab{waitErr: context.DeadlineExceeded}}, models.NewSearchQuery(""), nil, DegradationCardWait},
		{"empty session", &fakeBrowser{tab: &fakeTab{collectErr: errors.New("detached")}}, models.NewSearchQuery("x"), models.NewSessionState(nil), DegradationCollect},
		{"panicking tab", &fakeBrowser{tab: &fakeTab{panicOn: "navigate"}}, models.NewSearchQuery("x"), nil, DegradationPanic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(tt.browser, nil)

			var res Result
			require.NotPanics(t, func() {
				res = svc.ExtractDetailed(context.Background(), tt.query, tt.state)
			})
			assert.NotNil(t, res.Listings)
			assert.Empty(t, res.Listings)
			require.NotEmpty(t, res.Degradations)
			assert.Equal(t, tt.kind, res.Degradations[0].Kind)

			assert.NotNil(t, svc.Extract(context.Background(), tt.query, tt.state))
		})
	}
}

func TestExtract_PanickingTabIsClosed(t *testing.T) {
	tab := &fakeTab{panicOn: "navigate"}
	svc := newTestService(&fakeBrowser{tab: tab}, nil)

	svc.Extract(context.Background(), models.NewSearchQuery("x"), nil)
	assert.Equal(t, int32(1), tab.closed.Load())
}

func TestExtract_MalformedCardIsolated(t *testing.T) {
	tab := &fakeTab{fragments: []string{bikeCard, badCard, "", sofaCard}}
	svc := newTestService(&fakeBrowser{tab: tab}, nil)

	res := svc.ExtractDetailed(context.Background(), models.NewSearchQuery("x"), nil)

	// Only the empty fragment is unrecoverable
	require.Len(t, res.Listings, 3)
	assert.Equal(t, 4, res.Cards)
	require.Len(t, res.Degradations, 1)
	assert.Equal(t, DegradationCardParse, res.Degradations[0].Kind)
	assert.Equal(t, 2, res.Degradations[0].Card)

	assert.Equal(t, 1299.0, res.Listings[0].Price)

	bad := res.Listings[1]
	assert.Equal(t, "N/A", bad.Title)
	assert.Equal(t, 0.0, bad.Price)
	assert.Equal(t, "https://www.facebook.com", bad.URL)

	assert.Equal(t, "222", res.Listings[2].MarketplaceID)
}

func TestExtract_RespectsCardCap(t *testing.T) {
	fragments := make([]string, 30)
	for i := range fragments {
		fragments[i] = bikeCard
	}
	svc := newTestService(&fakeBrowser{tab: &fakeTab{fragments: fragments}}, nil)

	res := svc.ExtractDetailed(context.Background(), models.NewSearchQuery("x"), nil)
	assert.Len(t, res.Listings, 20)
}

func TestExtract_PersistsRotatedCookies(t *testing.T) {
	rotated := sessionWith("c_user", "xs", "fr")
	tab := &fakeTab{fragments: []string{bikeCard}, cookies: rotated}
	sessions := &fakeSessions{}
	browser := &fakeBrowser{tab: tab}
	svc := newTestService(browser, sessions)

	seed := sessionWith("c_user", "xs")
	res := svc.ExtractDetailed(context.Background(), models.NewSearchQuery("x"), seed)

	assert.False(t, res.Degraded())
	assert.Same(t, seed, browser.seeded)
	require.Len(t, sessions.saved, 1)
	assert.Equal(t, []string{"c_user", "xs", "fr"}, sessions.saved[0].CookieNames())
}

func TestExtract_PersistFailureIsDegradation(t *testing.T) {
	tab := &fakeTab{fragments: []string{bikeCard}, cookies: sessionWith("c_user")}
	svc := newTestService(&fakeBrowser{tab: tab}, &fakeSessions{err: errors.New("disk full")})

	res := svc.ExtractDetailed(context.Background(), models.NewSearchQuery("x"), sessionWith("c_user"))

	require.Len(t, res.Listings, 1)
	require.Len(t, res.Degradations, 1)
	assert.Equal(t, DegradationPersist, res.Degradations[0].Kind)
}

func TestExtract_NoPersistWithoutSession(t *testing.T) {
	sessions := &fakeSessions{}
	tab := &fakeTab{fragments: []string{bikeCard}, cookies: sessionWith("datr")}
	svc := newTestService(&fakeBrowser{tab: tab}, sessions)

	svc.Extract(context.Background(), models.NewSearchQuery("x"), nil)
	assert.Empty(t, sessions.saved)
}

func TestExtract_SnapshotKeepsOtherDomainCookies(t *testing.T) {
	seed := models.NewSessionState([]models.Cookie{
		{Name: "c_user", Value: "42", Domain: ".facebook.com", Path: "/", SameSite: models.SameSiteLax},
		{Name: "xs", Value: "v", Domain: ".messenger.com", Path: "/", SameSite: models.SameSiteLax},
	})
	// The tab reports the whole browser context, not just the page's cookies
	snapshot := models.NewSessionState([]models.Cookie{
		{Name: "c_user", Value: "42", Domain: ".facebook.com", Path: "/", SameSite: models.SameSiteLax},
		{Name: "fr", Value: "rotated", Domain: ".facebook.com", Path: "/", SameSite: models.SameSiteLax},
		{Name: "xs", Value: "v", Domain: ".messenger.com", Path: "/", SameSite: models.SameSiteLax},
	})
	sessions := &fakeSessions{}
	svc := newTestService(&fakeBrowser{tab: &fakeTab{fragments: []string{bikeCard}, cookies: snapshot}}, sessions)

	svc.ExtractDetailed(context.Background(), models.NewSearchQuery("x"), seed)

	require.Len(t, sessions.saved, 1)
	domains := make(map[string]bool)
	for _, c := range sessions.saved[0].Cookies {
		domains[c.Domain] = true
	}
	assert.True(t, domains[".messenger.com"], "a scan must not drop cookies set for other domains")
	assert.True(t, domains[".facebook.com"])
}
