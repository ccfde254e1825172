package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/models"
)

// tab owns one allocator and browser context pair
type tab struct {
	ctx             context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	logger          arbor.ILogger

	closeOnce sync.Once
}

// Navigate loads url and returns once the document body exists, without
// waiting for the load event.
func (t *tab) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	navCtx, cancel := t.bounded(ctx, timeout)
	defer cancel()

	if err := chromedp.Run(navCtx, navigateTasks(url)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("navigation to %s timed out before the document was ready: %w", url, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// navigateTasks issues the navigation and waits only for document construction
func navigateTasks(url string) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errorText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			return navigationError(errorText)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
}

// navigationError maps the error text Chrome reports for a failed navigation
func navigationError(errorText string) error {
	if errorText == "" {
		return nil
	}
	return fmt.Errorf("page load error %s", errorText)
}

// WaitAny waits for the first selector in the list to appear
func (t *tab) WaitAny(ctx context.Context, selectors []string, timeout time.Duration) error {
	if len(selectors) == 0 {
		return fmt.Errorf("no selectors to wait for")
	}

	waitCtx, cancel := t.bounded(ctx, timeout)
	defer cancel()

	// A selector group matches when any member does
	combined := strings.Join(selectors, ", ")
	if err := chromedp.Run(waitCtx, chromedp.WaitReady(combined, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("no element matched %q: %w", combined, err)
	}
	return nil
}

// OuterHTML returns fragments for the first selector that matches anything
func (t *tab) OuterHTML(ctx context.Context, selectors []string, limit int) ([]string, error) {
	script, err := outerHTMLScript(selectors, limit)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := t.bounded(ctx, 0)
	defer cancel()

	var fragments []string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &fragments)); err != nil {
		return nil, fmt.Errorf("failed to collect elements: %w", err)
	}
	return fragments, nil
}

// Cookies snapshots every cookie in the browser context, not only those
// visible to the current page, so a saved session loses no domains.
func (t *tab) Cookies(ctx context.Context) (*models.SessionState, error) {
	runCtx, cancel := t.bounded(ctx, 0)
	defer cancel()

	var captured []*network.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		captured = cookies
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}

	return models.NewSessionState(fromNetworkCookies(captured)), nil
}

// Close tears down the browser and its allocator
func (t *tab) Close() error {
	t.closeOnce.Do(func() {
		t.browserCancel()
		t.allocatorCancel()
	})
	return nil
}

func (t *tab) seedCookies(cookies []models.Cookie) error {
	params := toCookieParams(cookies, time.Now())

	failed := 0
	err := chromedp.Run(t.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, p := range params {
			if err := network.SetCookie(p.Name, p.Value).
				WithDomain(p.Domain).
				WithPath(p.Path).
				WithSecure(p.Secure).
				WithHTTPOnly(p.HTTPOnly).
				WithSameSite(p.SameSite).
				WithExpires(p.Expires).
				Do(ctx); err != nil {
				failed++
				t.logger.Warn().
					Err(err).
					Str("cookie_name", p.Name).
					Str("domain", p.Domain).
					Msg("Failed to seed cookie")
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("failed to seed cookies: %w", err)
	}

	t.logger.Debug().
		Int("seeded", len(params)-failed).
		Int("failed", failed).
		Msg("Session cookies seeded into browser")
	return nil
}

// bounded derives a run context from the tab that also honours the caller's
// cancellation. Cancelling it never closes the tab.
func (t *tab) bounded(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(t.ctx)
	}

	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func outerHTMLScript(selectors []string, limit int) (string, error) {
	if len(selectors) == 0 {
		return "", fmt.Errorf("no selectors to collect")
	}
	if limit <= 0 {
		return "", fmt.Errorf("limit must be positive")
	}
	encoded, err := json.Marshal(selectors)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
	const selectors = %s;
	for (const sel of selectors) {
		let nodes;
		try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
		if (nodes.length > 0) {
			return Array.from(nodes).slice(0, %d).map(n => n.outerHTML);
		}
	}
	return [];
})()`, encoded, limit), nil
}

// toCookieParams converts stored cookies into CDP parameters. Cookies whose
// expiry has passed are skipped; seeding them without an expiry would turn
// them into session cookies that outlive their stored lifetime.
func toCookieParams(cookies []models.Cookie, now time.Time) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if !c.Valid() {
			continue
		}

		var expires *cdp.TimeSinceEpoch
		if c.Expires != nil && *c.Expires > 0 {
			sec := int64(*c.Expires)
			nsec := int64((*c.Expires - float64(sec)) * float64(time.Second))
			expiresTime := time.Unix(sec, nsec)
			if !expiresTime.After(now) {
				continue
			}
			ts := cdp.TimeSinceEpoch(expiresTime)
			expires = &ts
		}

		path := c.Path
		if path == "" {
			path = "/"
		}

		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: toSameSite(c.SameSite),
			Expires:  expires,
		})
	}
	return params
}

func toSameSite(value string) network.CookieSameSite {
	switch models.NormalizeSameSite(value) {
	case models.SameSiteStrict:
		return network.CookieSameSiteStrict
	case models.SameSiteNone:
		return network.CookieSameSiteNone
	default:
		return network.CookieSameSiteLax
	}
}

// fromNetworkCookies converts a CDP snapshot into storage-state cookies
func fromNetworkCookies(cookies []*network.Cookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: models.NormalizeSameSite(string(c.SameSite)),
		}
		if !c.Session && c.Expires > 0 {
			expires := c.Expires
			cookie.Expires = &expires
		}
		if cookie.Path == "" {
			cookie.Path = "/"
		}
		if cookie.Valid() {
			out = append(out, cookie)
		}
	}
	return out
}
