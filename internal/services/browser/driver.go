// -----------------------------------------------------------------------
// Browser Driver - chromedp allocator/tab lifecycle and credential login
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

const (
	loginEmailSelector  = `input[name="email"]`
	loginPassSelector   = `input[name="pass"]`
	loginButtonSelector = `button[name="login"]`

	// Present only once the account is signed in
	signedInCookie = "c_user"
)

// ErrLoginRejected is returned when the login page is still shown after submit
// (wrong credentials, checkpoint or two-factor prompt)
var ErrLoginRejected = errors.New("login was not accepted")

// Driver launches one Chrome process per tab. Tabs never share state.
type Driver struct {
	config *common.MarketplaceConfig
	logger arbor.ILogger
}

// NewDriver creates a chromedp backed browser
func NewDriver(config *common.MarketplaceConfig, logger arbor.ILogger) *Driver {
	return &Driver{config: config, logger: logger}
}

var (
	_ interfaces.Browser         = (*Driver)(nil)
	_ interfaces.SessionAcquirer = (*Driver)(nil)
)

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if d.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.config.UserAgent))
	}
	return opts
}

// Open starts a fresh browser seeded with state's cookies
func (d *Driver) Open(ctx context.Context, state *models.SessionState) (interfaces.BrowserTab, error) {
	startTime := time.Now()

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	t := &tab{
		ctx:             browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		logger:          d.logger,
	}

	// First Run launches the process
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	if state != nil && len(state.Cookies) > 0 {
		if err := t.seedCookies(state.Cookies); err != nil {
			t.Close()
			return nil, err
		}
	}

	d.logger.Debug().
		Int("cookies", cookieCount(state)).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser tab opened")

	return t, nil
}

// Login fills the login form and captures the resulting cookies
func (d *Driver) Login(ctx context.Context, creds models.Credentials) (*models.SessionState, error) {
	if !creds.Available() {
		return nil, fmt.Errorf("credentials are required")
	}

	bt, err := d.Open(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer bt.Close()
	t := bt.(*tab)

	if err := t.Navigate(ctx, d.config.LoginURL, d.config.NavTimeout); err != nil {
		return nil, fmt.Errorf("failed to load login page: %w", err)
	}

	fillCtx, fillCancel := context.WithTimeout(t.ctx, d.config.NavTimeout)
	err = chromedp.Run(fillCtx,
		chromedp.WaitVisible(loginEmailSelector, chromedp.ByQuery),
		chromedp.SendKeys(loginEmailSelector, creds.Email, chromedp.ByQuery),
		chromedp.SendKeys(loginPassSelector, creds.Password, chromedp.ByQuery),
	)
	fillCancel()
	if err != nil {
		return nil, fmt.Errorf("failed to fill login form: %w", err)
	}

	submitCtx, submitCancel := context.WithTimeout(t.ctx, d.config.SubmitTimeout)
	err = chromedp.Run(submitCtx, chromedp.Click(loginButtonSelector, chromedp.ByQuery, chromedp.NodeVisible))
	submitCancel()
	if err != nil {
		d.logger.Debug().Err(err).Msg("Login button not clickable, submitting with Enter")
		enterCtx, enterCancel := context.WithTimeout(t.ctx, d.config.SubmitTimeout)
		err = chromedp.Run(enterCtx, chromedp.SendKeys(loginPassSelector, "\r", chromedp.ByQuery))
		enterCancel()
		if err != nil {
			return nil, fmt.Errorf("failed to submit login form: %w", err)
		}
	}

	// Settle: redirects and cookie rotation after submit
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.config.SettleTimeout):
	}

	state, err := t.Cookies(ctx)
	if err != nil {
		return nil, err
	}

	var location string
	_ = chromedp.Run(t.ctx, chromedp.Location(&location))

	if !loggedIn(state, location) {
		d.logger.Warn().
			Str("location", location).
			Int("cookies", len(state.Cookies)).
			Msg("Login did not produce a signed-in session")
		return nil, ErrLoginRejected
	}

	d.logger.Info().Int("cookies", len(state.Cookies)).Msg("Login captured session cookies")
	return state, nil
}

// loggedIn treats the signed-in cookie as proof unless the page is still a
// login or checkpoint screen
func loggedIn(state *models.SessionState, location string) bool {
	if state == nil {
		return false
	}
	lower := strings.ToLower(location)
	if strings.Contains(lower, "/login") || strings.Contains(lower, "/checkpoint") {
		return false
	}
	for _, c := range state.Cookies {
		if c.Name == signedInCookie && c.Value != "" {
			return true
		}
	}
	return false
}

func cookieCount(state *models.SessionState) int {
	if state == nil {
		return 0
	}
	return len(state.Cookies)
}
