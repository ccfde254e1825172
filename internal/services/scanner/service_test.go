package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
	"github.com/ternarybob/marketfinder/internal/services/extractor"
)

type mockEmail struct{ mock.Mock }

func (m *mockEmail) SendEmail(ctx context.Context, to, subject, body string) error {
	return m.Called(ctx, to, subject, body).Error(0)
}

func (m *mockEmail) IsConfigured(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

type mockPush struct{ mock.Mock }

func (m *mockPush) Push(ctx context.Context, title, message string) error {
	return m.Called(ctx, title, message).Error(0)
}

func (m *mockPush) IsConfigured() bool {
	return m.Called().Bool(0)
}

type fakeSessions struct {
	ensured atomic.Int32
	state   *models.SessionState
	loadErr error
}

func (f *fakeSessions) EnsureSession(context.Context) bool {
	f.ensured.Add(1)
	return f.state != nil
}

func (f *fakeSessions) Load() (*models.SessionState, error) {
	return f.state, f.loadErr
}

// fakeExtractor returns canned listings per query text
type fakeExtractor struct {
	mu       sync.Mutex
	results  map[string][]models.Listing
	seen     []*models.SessionState
	panicFor string
	active   atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeExtractor) ExtractDetailed(_ context.Context, q models.SearchQuery, state *models.SessionState) extractor.Result {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if q.Query == f.panicFor && f.panicFor != "" {
		panic("extractor bug")
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.seen = append(f.seen, state)
	f.mu.Unlock()

	return extractor.Result{Listings: f.results[q.Query], Cards: len(f.results[q.Query])}
}

type fakeSearches struct {
	searches []*models.SavedSearch
	err      error
}

func (f *fakeSearches) List(context.Context) ([]*models.SavedSearch, error) { return f.searches, f.err }
func (f *fakeSearches) ListNotificationEnabled(context.Context) ([]*models.SavedSearch, error) {
	var out []*models.SavedSearch
	for _, s := range f.searches {
		if s.NotificationsEnabled {
			out = append(out, s)
		}
	}
	return out, f.err
}
func (f *fakeSearches) Get(context.Context, string) (*models.SavedSearch, error) {
	return nil, interfaces.ErrSavedSearchNotFound
}
func (f *fakeSearches) Save(context.Context, *models.SavedSearch) error { return nil }
func (f *fakeSearches) Delete(context.Context, string) error { return nil }
func (f *fakeSearches) UpdateNotifications(context.Context, string, models.NotificationUpdate) (*models.SavedSearch, error) {
	return nil, interfaces.ErrSavedSearchNotFound
}

type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryKV) Set(_ context.Context, key, value, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryKV) ListPrefix(_ context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pairs []interfaces.KeyValuePair
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) {
			pairs = append(pairs, interfaces.KeyValuePair{Key: k, Value: v})
		}
	}
	return pairs, nil
}

func listing(id, title string) models.Listing {
	return models.Listing{MarketplaceID: id, Title: title, URL: "https://www.facebook.com/marketplace/item/" + id}
}

func saved(id, query string) *models.SavedSearch {
	return &models.SavedSearch{ID: id, Query: query, Filters: models.DefaultFilters(), NotificationsEnabled: true}
}

func testConfig() *common.Config {
	config := common.NewDefaultConfig()
	config.Email.SMTPUsername = "owner@example.com"
	return config
}

func TestRunScan_EnsuresSessionThenExtracts(t *testing.T) {
	state := models.NewSessionState([]models.Cookie{{Name: "c_user", Value: "1", Domain: ".facebook.com", Path: "/"}})
	sessions := &fakeSessions{state: state}
	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}

	svc := NewService(Dependencies{Sessions: sessions, Extractor: ext}, testConfig(), arbor.NewLogger())
	report := svc.RunScanDetailed(context.Background(), models.NewSearchQuery("bike"))

	assert.Equal(t, int32(1), sessions.ensured.Load())
	assert.True(t, report.Authenticated)
	require.Len(t, report.Listings, 1)
	assert.Equal(t, "Road bike", report.Listings[0].Title)
	assert.NotEmpty(t, report.ID)
	require.Len(t, ext.seen, 1)
	assert.Same(t, state, ext.seen[0])
}

func TestRunScan_LoggedOutStillScans(t *testing.T) {
	sessions := &fakeSessions{loadErr: errors.New("corrupt cache")}
	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}

	svc := NewService(Dependencies{Sessions: sessions, Extractor: ext}, testConfig(), arbor.NewLogger())
	listings := svc.RunScan(context.Background(), models.NewSearchQuery("bike"))

	assert.Len(t, listings, 1)
	require.Len(t, ext.seen, 1)
	assert.Nil(t, ext.seen[0])
}

func TestRunScan_PanicIsContained(t *testing.T) {
	ext := &fakeExtractor{panicFor: "boom"}
	svc := NewService(Dependencies{Sessions: &fakeSessions{}, Extractor: ext}, testConfig(), arbor.NewLogger())

	var listings []models.Listing
	require.NotPanics(t, func() {
		listings = svc.RunScan(context.Background(), models.NewSearchQuery("boom"))
	})
	assert.NotNil(t, listings)
	assert.Empty(t, listings)

	// The slot was released
	assert.NotNil(t, svc.RunScan(context.Background(), models.NewSearchQuery("ok")))
}

func TestRunScan_CancelledCallerDoesNotAbortScan(t *testing.T) {
	ext := &fakeExtractor{
		results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}},
		delay:   20 * time.Millisecond,
	}
	svc := NewService(Dependencies{Sessions: &fakeSessions{}, Extractor: ext}, testConfig(), arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Len(t, svc.RunScan(ctx, models.NewSearchQuery("bike")), 1)
}

func TestRunScan_BoundedConcurrency(t *testing.T) {
	config := testConfig()
	config.Scanner.MaxConcurrent = 2
	ext := &fakeExtractor{delay: 30 * time.Millisecond}
	svc := NewService(Dependencies{Sessions: &fakeSessions{}, Extractor: ext}, config, arbor.NewLogger())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RunScan(context.Background(), models.NewSearchQuery("x"))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, ext.peak.Load(), int32(2))
}

func TestSweep_OneNonEmptySearchNotifiesOnce(t *testing.T) {
	ext := &fakeExtractor{results: map[string][]models.Listing{
		"bike": {listing("111", "Road bike"), listing("222", "Kids bike")},
		"sofa": nil,
	}}
	searches := &fakeSearches{searches: []*models.SavedSearch{saved("ss_1", "bike"), saved("ss_2", "sofa")}}

	email := &mockEmail{}
	email.On("SendEmail", mock.Anything, "owner@example.com", EmailSubject, "Road bike").Return(nil).Once()
	push := &mockPush{}
	push.On("Push", mock.Anything, PushTitle, "New item: Road bike").Return(nil).Once()

	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: ext,
		Searches:  searches,
		Email:     email,
		Push:      push,
	}, testConfig(), arbor.NewLogger())

	report := svc.Sweep(context.Background())

	assert.Equal(t, 2, report.Searches)
	assert.Equal(t, 1, report.NonEmpty)
	assert.Equal(t, 1, report.Notified)
	email.AssertExpectations(t)
	push.AssertExpectations(t)
	email.AssertNumberOfCalls(t, "SendEmail", 1)
	push.AssertNumberOfCalls(t, "Push", 1)
}

func TestSweep_SkipsDisabledSearches(t *testing.T) {
	disabled := saved("ss_1", "bike")
	disabled.NotificationsEnabled = false
	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}

	push := &mockPush{}
	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: ext,
		Searches:  &fakeSearches{searches: []*models.SavedSearch{disabled}},
		Push:      push,
	}, testConfig(), arbor.NewLogger())

	report := svc.Sweep(context.Background())
	assert.Equal(t, 0, report.Searches)
	push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweep_SenderFailuresAreCounted(t *testing.T) {
	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}

	email := &mockEmail{}
	email.On("SendEmail", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	push := &mockPush{}
	push.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: ext,
		Searches:  &fakeSearches{searches: []*models.SavedSearch{saved("ss_1", "bike")}},
		Email:     email,
		Push:      push,
	}, testConfig(), arbor.NewLogger())

	report := svc.Sweep(context.Background())
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, report.SenderFailures)
	assert.Empty(t, report.Error)
}

func TestSweep_RenotifiesWithoutDedupe(t *testing.T) {
	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}
	push := &mockPush{}
	push.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: ext,
		Searches:  &fakeSearches{searches: []*models.SavedSearch{saved("ss_1", "bike")}},
		KV:        &memoryKV{},
		Push:      push,
	}, testConfig(), arbor.NewLogger())

	svc.Sweep(context.Background())
	svc.Sweep(context.Background())
	push.AssertNumberOfCalls(t, "Push", 2)
}

func TestSweep_DedupeSkipsSameFirstListing(t *testing.T) {
	config := testConfig()
	config.Scanner.DedupeNotifications = true

	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}
	push := &mockPush{}
	push.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	kv := &memoryKV{}

	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: ext,
		Searches:  &fakeSearches{searches: []*models.SavedSearch{saved("ss_1", "bike")}},
		KV:        kv,
		Push:      push,
	}, config, arbor.NewLogger())

	first := svc.Sweep(context.Background())
	second := svc.Sweep(context.Background())

	assert.Equal(t, 1, first.Notified)
	assert.Equal(t, 0, second.Notified)
	assert.Equal(t, 1, second.Deduplicated)
	push.AssertNumberOfCalls(t, "Push", 1)

	stored, err := kv.Get(context.Background(), "last_notified_ss_1")
	require.NoError(t, err)
	assert.Equal(t, "1", stored)

	ext.mu.Lock()
	ext.results["bike"] = []models.Listing{listing("2", "Newer bike"), listing("1", "Road bike")}
	ext.mu.Unlock()

	third := svc.Sweep(context.Background())
	assert.Equal(t, 1, third.Notified)
	push.AssertNumberOfCalls(t, "Push", 2)
}

func TestSweep_RespectsChannelFlags(t *testing.T) {
	config := testConfig()
	config.Scanner.RespectChannelFlags = true

	search := saved("ss_1", "bike")
	search.Notifications = models.NotificationChannels{Email: true, Push: false}

	ext := &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}}
	email := &mockEmail{}
	email.On("SendEmail", mock.Anything, mock.Anything, EmailSubject, "Road bike").Return(nil)
	push := &mockPush{}

	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: ext,
		Searches:  &fakeSearches{searches: []*models.SavedSearch{search}},
		Email:     email,
		Push:      push,
	}, config, arbor.NewLogger())

	svc.Sweep(context.Background())
	email.AssertNumberOfCalls(t, "SendEmail", 1)
	push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweep_StorageFailureIsReported(t *testing.T) {
	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: &fakeExtractor{},
		Searches:  &fakeSearches{err: errors.New("db closed")},
	}, testConfig(), arbor.NewLogger())

	report := svc.Sweep(context.Background())
	assert.Equal(t, "db closed", report.Error)

	noStorage := NewService(Dependencies{Sessions: &fakeSessions{}, Extractor: &fakeExtractor{}}, testConfig(), arbor.NewLogger())
	assert.NotEmpty(t, noStorage.Sweep(context.Background()).Error)
}

func TestSweep_OverlappingSweepIsSkipped(t *testing.T) {
	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: &fakeExtractor{},
		Searches:  &fakeSearches{},
	}, testConfig(), arbor.NewLogger())

	svc.sweepMu.Lock()
	report := svc.Sweep(context.Background())
	svc.sweepMu.Unlock()

	assert.True(t, report.AlreadyRunning)
}

func TestSweep_PrunesMarkersOfRemovedSearches(t *testing.T) {
	config := testConfig()
	config.Scanner.DedupeNotifications = true

	kv := &memoryKV{}
	require.NoError(t, kv.Set(context.Background(), "last_notified_ss_gone", "9", ""))
	require.NoError(t, kv.Set(context.Background(), "smtp_host", "mail.example.com", ""))

	svc := NewService(Dependencies{
		Sessions:  &fakeSessions{},
		Extractor: &fakeExtractor{results: map[string][]models.Listing{"bike": {listing("1", "Road bike")}}},
		Searches:  &fakeSearches{searches: []*models.SavedSearch{saved("ss_1", "bike")}},
		KV:        kv,
	}, config, arbor.NewLogger())

	svc.Sweep(context.Background())

	_, err := kv.Get(context.Background(), "last_notified_ss_gone")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	kept, err := kv.Get(context.Background(), "last_notified_ss_1")
	require.NoError(t, err)
	assert.Equal(t, "1", kept)

	_, err = kv.Get(context.Background(), "smtp_host")
	assert.NoError(t, err)
}
