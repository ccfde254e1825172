package models

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// UnknownCity is emitted when the results page does not expose a location
	UnknownCity = "—"
	// DefaultCategory is used when the query did not filter by category
	DefaultCategory = "Miscellaneous"
	// DefaultTitle is used when no title element could be found on a card
	DefaultTitle = "Listing"
)

// Listing is one scraped search result.
// Listings are created fresh on every scan and never updated.
type Listing struct {
	MarketplaceID string    `json:"marketplace_id"` // Last path segment of URL - not guaranteed unique
	Title         string    `json:"title"`
	Price         float64   `json:"price"` // Non-negative, 0 when unparsable
	City          string    `json:"city"`
	Category      string    `json:"category"`
	ImageURL      string    `json:"image_url"`
	URL           string    `json:"url"`          // Absolute
	PublishedAt   time.Time `json:"published_at"` // Scan time - the page rarely exposes a real publish time
	Condition     string    `json:"condition"`
}

// MarketplaceIDFromURL derives a listing id from the trailing non-empty path
// segment of the URL. Malformed URLs yield their raw trailing segment.
func MarketplaceIDFromURL(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Sort orders accepted by the search endpoint
const (
	SortDateDesc  = "date_desc"
	SortDateAsc   = "date_asc"
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
)

// SortListings orders listings in place. Unknown orders leave page order intact.
// The sort is stable so equal keys keep the order the page showed them in.
func SortListings(listings []Listing, order string) {
	var less func(a, b Listing) bool
	switch order {
	case SortPriceAsc:
		less = func(a, b Listing) bool { return a.Price < b.Price }
	case SortPriceDesc:
		less = func(a, b Listing) bool { return a.Price > b.Price }
	case SortDateAsc:
		less = func(a, b Listing) bool { return a.PublishedAt.Before(b.PublishedAt) }
	case SortDateDesc:
		less = func(a, b Listing) bool { return a.PublishedAt.After(b.PublishedAt) }
	default:
		return
	}
	sort.SliceStable(listings, func(i, j int) bool { return less(listings[i], listings[j]) })
}
