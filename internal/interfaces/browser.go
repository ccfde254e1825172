package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/marketfinder/internal/models"
)

// Browser opens isolated browsing contexts seeded with a session
type Browser interface {
	// Open starts a fresh tab; a nil state yields an unauthenticated tab
	Open(ctx context.Context, state *models.SessionState) (BrowserTab, error)
}

// BrowserTab is one isolated page. Close must be safe to call more than once.
type BrowserTab interface {
	// Navigate loads url and returns once the document is constructed
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// WaitAny blocks until any selector matches or the timeout elapses
	WaitAny(ctx context.Context, selectors []string, timeout time.Duration) error

	// OuterHTML returns up to limit outer-HTML fragments of elements matching selectors
	OuterHTML(ctx context.Context, selectors []string, limit int) ([]string, error)

	// Cookies snapshots the tab's cookies in storage-state shape
	Cookies(ctx context.Context) (*models.SessionState, error)

	Close() error
}

// SessionAcquirer performs interactive credential login
type SessionAcquirer interface {
	Login(ctx context.Context, creds models.Credentials) (*models.SessionState, error)
}

// SessionProvider is the subset of the session store the extractor needs
type SessionProvider interface {
	Save(state *models.SessionState) error
}
