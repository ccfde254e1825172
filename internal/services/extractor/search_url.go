package extractor

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ternarybob/marketfinder/internal/models"
)

// itemConditions maps display conditions onto the page's filter values
var itemConditions = map[string]string{
	"new":             "new",
	"used - like new": "used_like_new",
	"used - good":     "used_good",
	"used - fair":     "used_fair",
	"used":            "used_like_new,used_good,used_fair",
	"like new":        "used_like_new",
	"good":            "used_good",
	"fair":            "used_fair",
	"refurbished":     "refurbished",
}

// BuildSearchURL appends the escaped query and any set filters to searchURL
func BuildSearchURL(searchURL string, query models.SearchQuery) (string, error) {
	u, err := url.Parse(searchURL)
	if err != nil {
		return "", fmt.Errorf("invalid search url %q: %w", searchURL, err)
	}

	params := u.Query()
	params.Set("query", strings.TrimSpace(query.Query))

	f := query.Filters
	if f.PriceMin != nil {
		params.Set("minPrice", formatPrice(*f.PriceMin))
	}
	if f.PriceMax != nil {
		params.Set("maxPrice", formatPrice(*f.PriceMax))
	}
	if days := f.DaysSinceListed(); days > 0 {
		params.Set("daysSinceListed", strconv.Itoa(days))
	}
	if f.Radius > 0 && f.Radius != models.DefaultRadius {
		params.Set("radius", strconv.Itoa(f.Radius))
	}
	if cond, ok := itemConditions[strings.ToLower(strings.TrimSpace(f.Condition))]; ok {
		params.Set("itemCondition", cond)
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

func formatPrice(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatInt(int64(v), 10)
}
