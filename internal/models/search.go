package models

import (
	"fmt"
	"strings"
	"time"
)

// Date range filter values
const (
	DateRangeAny     = "any"
	DateRangeLast24h = "last_24h"
	DateRangeLast3d  = "last_3d"
	DateRangeLast7d  = "last_7d"
)

const (
	DefaultRadius    = 25
	DefaultCondition = "Any"
)

// Filters narrow a marketplace search. Zero values mean "unfiltered".
type Filters struct {
	Category  string   `json:"category,omitempty"`
	PriceMin  *float64 `json:"price_min,omitempty" validate:"omitempty,gte=0"`
	PriceMax  *float64 `json:"price_max,omitempty" validate:"omitempty,gte=0"`
	Location  string   `json:"location,omitempty"`
	Radius    int      `json:"radius" validate:"gte=0,lte=500"` // Miles
	Condition string   `json:"condition"`
	DateRange string   `json:"date_range" validate:"omitempty,oneof=any last_24h last_3d last_7d"`
}

// DefaultFilters returns filters with radius 25, condition "Any" and date range "any"
func DefaultFilters() Filters {
	return Filters{
		Radius:    DefaultRadius,
		Condition: DefaultCondition,
		DateRange: DateRangeAny,
	}
}

// WithDefaults fills unset fields with their defaults
func (f Filters) WithDefaults() Filters {
	if f.Radius == 0 {
		f.Radius = DefaultRadius
	}
	if strings.TrimSpace(f.Condition) == "" {
		f.Condition = DefaultCondition
	}
	if strings.TrimSpace(f.DateRange) == "" {
		f.DateRange = DateRangeAny
	}
	return f
}

// DaysSinceListed maps the date range onto a day count, 0 meaning unbounded
func (f Filters) DaysSinceListed() int {
	switch f.DateRange {
	case DateRangeLast24h:
		return 1
	case DateRangeLast3d:
		return 3
	case DateRangeLast7d:
		return 7
	default:
		return 0
	}
}

// Validate checks cross-field constraints the tag validator cannot express
func (f Filters) Validate() error {
	if f.PriceMin != nil && f.PriceMax != nil && *f.PriceMin > *f.PriceMax {
		return fmt.Errorf("price_min %.2f exceeds price_max %.2f", *f.PriceMin, *f.PriceMax)
	}
	return nil
}

// SearchQuery is one marketplace search. Immutable for the duration of a scan.
type SearchQuery struct {
	Query   string  `json:"query" validate:"max=200"`
	Filters Filters `json:"filters"`
}

// NewSearchQuery builds a query with default filters
func NewSearchQuery(query string) SearchQuery {
	return SearchQuery{Query: query, Filters: DefaultFilters()}
}

// CategoryOrDefault returns the category filter or "Miscellaneous"
func (q SearchQuery) CategoryOrDefault() string {
	if c := strings.TrimSpace(q.Filters.Category); c != "" {
		return c
	}
	return DefaultCategory
}

// ConditionOrDefault returns the condition filter or "Any"
func (q SearchQuery) ConditionOrDefault() string {
	if c := strings.TrimSpace(q.Filters.Condition); c != "" {
		return c
	}
	return DefaultCondition
}

// NotificationChannels selects which senders a saved search uses
type NotificationChannels struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// SavedSearch is a persisted query that the periodic sweep re-runs
type SavedSearch struct {
	ID                   string               `json:"id"`
	Query                string               `json:"query" validate:"max=200"`
	Filters              Filters              `json:"filters"`
	NotificationsEnabled bool                 `json:"notifications_enabled" badgerhold:"index"`
	Notifications        NotificationChannels `json:"notifications"`
	CreatedAt            time.Time            `json:"created_at"`
}

// SearchQuery returns the query this saved search re-runs
func (s *SavedSearch) SearchQuery() SearchQuery {
	return SearchQuery{Query: s.Query, Filters: s.Filters.WithDefaults()}
}

// NotificationUpdate is a partial update of the channel flags; nil leaves a flag unchanged
type NotificationUpdate struct {
	Email   *bool `json:"email,omitempty"`
	Push    *bool `json:"push,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
}

// Apply merges the update into the saved search
func (u NotificationUpdate) Apply(s *SavedSearch) {
	if u.Email != nil {
		s.Notifications.Email = *u.Email
	}
	if u.Push != nil {
		s.Notifications.Push = *u.Push
	}
	if u.Enabled != nil {
		s.NotificationsEnabled = *u.Enabled
	}
}
