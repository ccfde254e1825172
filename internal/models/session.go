package models

import (
	"strings"
	"time"
)

// SameSite policy values accepted on a stored cookie
const (
	SameSiteStrict = "Strict"
	SameSiteLax    = "Lax"
	SameSiteNone   = "None"
)

// Cookie is one cookie record of a persisted browser session.
// Field names follow the browser "storage state" export format so the local
// cache file can be inspected or replaced by hand.
type Cookie struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	Domain   string   `json:"domain"`
	Path     string   `json:"path"`
	Expires  *float64 `json:"expires,omitempty"` // Unix seconds; nil for session cookies
	HTTPOnly bool     `json:"httpOnly"`
	Secure   bool     `json:"secure"`
	SameSite string   `json:"sameSite"` // Strict, Lax or None
}

// Valid reports whether the cookie carries the minimum identifying fields
func (c Cookie) Valid() bool {
	return c.Name != "" && c.Value != "" && c.Domain != ""
}

// OriginState is key/value storage scoped to a web origin.
// Opaque to this service; it is carried but never produced.
type OriginState struct {
	Origin       string            `json:"origin"`
	LocalStorage []OriginStorageKV `json:"localStorage"`
}

// OriginStorageKV is a single localStorage entry
type OriginStorageKV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SessionState is the authentication material for the marketplace: an ordered
// cookie set plus origin-scoped storage.
// A SessionState is replaced as a whole on every save, never edited in place.
type SessionState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// NewSessionState returns a state with the given cookies and an empty origins slot
func NewSessionState(cookies []Cookie) *SessionState {
	if cookies == nil {
		cookies = []Cookie{}
	}
	return &SessionState{
		Cookies: cookies,
		Origins: []OriginState{},
	}
}

// IsEmpty reports whether the state holds no cookies
func (s *SessionState) IsEmpty() bool {
	return s == nil || len(s.Cookies) == 0
}

// Clone returns a deep copy so callers can never mutate a stored snapshot
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}

	clone := &SessionState{
		Cookies: make([]Cookie, len(s.Cookies)),
		Origins: make([]OriginState, len(s.Origins)),
	}
	for i, c := range s.Cookies {
		if c.Expires != nil {
			exp := *c.Expires
			c.Expires = &exp
		}
		clone.Cookies[i] = c
	}
	for i, o := range s.Origins {
		kv := make([]OriginStorageKV, len(o.LocalStorage))
		copy(kv, o.LocalStorage)
		clone.Origins[i] = OriginState{Origin: o.Origin, LocalStorage: kv}
	}
	return clone
}

// CookieNames lists cookie names in order, mainly for logging
func (s *SessionState) CookieNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		names = append(names, c.Name)
	}
	return names
}

// NormalizeSameSite maps an arbitrary same-site string onto Strict, Lax or None.
// Unknown values fall back to Lax.
func NormalizeSameSite(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return SameSiteStrict
	case "none", "no_restriction":
		return SameSiteNone
	default:
		return SameSiteLax
	}
}

// AuthStatus is the human-facing view of the session slot
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message"`
}

// Credentials are the account identifier and secret used for interactive login
type Credentials struct {
	Email    string
	Password string
}

// Available reports whether both credential strings are present
func (c Credentials) Available() bool {
	return strings.TrimSpace(c.Email) != "" && c.Password != ""
}

// SessionRecord is the durable-store envelope around a SessionState
type SessionRecord struct {
	Key       string        `json:"key"`
	State     *SessionState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}
