// -----------------------------------------------------------------------
// Cookie Normalizer - browser export / extension payloads to SessionState
// -----------------------------------------------------------------------

package cookies

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/marketfinder/internal/models"
)

// ErrMalformedPayload is matched by every NormalizationError
var ErrMalformedPayload = errors.New("malformed cookie payload")

// NormalizationError reports a payload whose top-level shape is neither a
// cookie list nor an object wrapping one.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedPayload, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedPayload, e.Reason)
}

func (e *NormalizationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedPayload, e.Err}
	}
	return []error{ErrMalformedPayload}
}

// payload is the decoded top-level shape. Exactly two variants exist.
type payload interface {
	records() []any
}

// cookieList is a bare JSON array of cookie objects
type cookieList []any

func (l cookieList) records() []any { return l }

// cookieWrapper is an object carrying the list under "cookies"
type cookieWrapper struct {
	cookies []any
}

func (w cookieWrapper) records() []any { return w.cookies }

// Normalize decodes raw JSON and converts it into a SessionState
func Normalize(raw []byte) (*models.SessionState, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &NormalizationError{Reason: "empty body"}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &NormalizationError{Reason: "invalid JSON", Err: err}
	}

	return NormalizeValue(value)
}

// NormalizeValue converts an already decoded JSON value into a SessionState.
// Records missing name, value or domain are skipped; order is preserved.
func NormalizeValue(value any) (*models.SessionState, error) {
	p, err := classify(value)
	if err != nil {
		return nil, err
	}

	records := p.records()
	cookies := make([]models.Cookie, 0, len(records))
	for _, record := range records {
		fields, ok := record.(map[string]any)
		if !ok {
			continue
		}
		if cookie, ok := toCookie(fields); ok {
			cookies = append(cookies, cookie)
		}
	}

	return models.NewSessionState(cookies), nil
}

func classify(value any) (payload, error) {
	switch v := value.(type) {
	case []any:
		return cookieList(v), nil
	case map[string]any:
		raw, ok := v["cookies"]
		if !ok {
			return nil, &NormalizationError{Reason: "object has no cookies field"}
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, &NormalizationError{Reason: fmt.Sprintf("cookies field is %s, not a list", jsonKind(raw))}
		}
		return cookieWrapper{cookies: list}, nil
	default:
		return nil, &NormalizationError{Reason: fmt.Sprintf("top-level %s is neither a list nor an object", jsonKind(value))}
	}
}

func toCookie(fields map[string]any) (models.Cookie, bool) {
	cookie := models.Cookie{
		Name:     stringField(fields, "name", "Name", "key"),
		Value:    stringField(fields, "value", "Value"),
		Domain:   stringField(fields, "domain", "Domain"),
		Path:     stringField(fields, "path", "Path"),
		HTTPOnly: boolField(fields, "httpOnly", "HttpOnly", "http_only"),
		Secure:   boolField(fields, "secure", "Secure"),
		SameSite: models.NormalizeSameSite(stringField(fields, "sameSite", "SameSite")),
		Expires:  numberField(fields, "expires", "expirationDate"),
	}

	if cookie.Path == "" {
		cookie.Path = "/"
	}

	return cookie, cookie.Valid()
}

// lookup returns the first alias present with a non-null value
func lookup(fields map[string]any, aliases ...string) (any, bool) {
	for _, alias := range aliases {
		if v, ok := fields[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]any, aliases ...string) string {
	v, ok := lookup(fields, aliases...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func boolField(fields map[string]any, aliases ...string) bool {
	v, ok := lookup(fields, aliases...)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	case json.Number:
		n, err := b.Float64()
		return err == nil && n != 0
	default:
		return false
	}
}

func numberField(fields map[string]any, aliases ...string) *float64 {
	v, ok := lookup(fields, aliases...)
	if !ok {
		return nil
	}
	var n float64
	var err error
	switch x := v.(type) {
	case json.Number:
		n, err = x.Float64()
	case float64:
		n = x
	case string:
		n, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return &n
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
