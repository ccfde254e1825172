// Package pushover sends push notifications through the Pushover API.
package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

const (
	// DefaultAPIURL is the message endpoint.
	DefaultAPIURL = "https://api.pushover.net/1/messages.json"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultInterval is the minimum gap between messages.
	DefaultInterval = time.Second

	// Pushover rejects longer fields
	maxTitleLen   = 250
	maxMessageLen = 1024
)

// Client posts messages to Pushover. Without a token and user key every
// Push is logged and dropped.
type Client struct {
	apiURL     string
	token      string
	user       string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

var _ interfaces.PushSender = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithAPIURL sets a custom endpoint.
func WithAPIURL(apiURL string) ClientOption {
	return func(c *Client) {
		if apiURL != "" {
			c.apiURL = apiURL
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithInterval sets the minimum time between messages.
func WithInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// NewClient creates a Pushover client.
func NewClient(token, user string, logger arbor.ILogger, opts ...ClientOption) *Client {
	c := &Client{
		apiURL: DefaultAPIURL,
		token:  strings.TrimSpace(token),
		user:   strings.TrimSpace(user),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(DefaultInterval), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewClientFromConfig creates a client from the [pushover] section.
func NewClientFromConfig(config *common.PushoverConfig, logger arbor.ILogger) *Client {
	opts := []ClientOption{
		WithAPIURL(config.APIURL),
		WithInterval(config.RateLimit),
	}
	if config.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	}
	return NewClient(config.Token, config.User, logger, opts...)
}

// APIError represents a rejected message.
type APIError struct {
	StatusCode int
	Errors     []string
	Request    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pushover API error: %s (status %d, request %s)", strings.Join(e.Errors, "; "), e.StatusCode, e.Request)
}

type apiResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

// IsConfigured reports whether both credentials are present.
func (c *Client) IsConfigured() bool {
	return c.token != "" && c.user != ""
}

// Push sends one notification.
func (c *Client) Push(ctx context.Context, title, message string) error {
	if !c.IsConfigured() {
		c.logger.Info().
			Str("title", title).
			Str("message", message).
			Msg("Pushover disabled, notification not sent")
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}

	form := url.Values{}
	form.Set("token", c.token)
	form.Set("user", c.user)
	form.Set("title", truncate(title, maxTitleLen))
	form.Set("message", truncate(message, maxMessageLen))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var parsed apiResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK || parsed.Status != 1 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Errors: parsed.Errors, Request: parsed.Request}
		if len(apiErr.Errors) == 0 {
			apiErr.Errors = []string{strings.TrimSpace(string(body))}
		}
		return apiErr
	}

	c.logger.Debug().
		Str("title", title).
		Str("request", parsed.Request).
		Msg("Pushover notification sent")

	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
