package extractor

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/marketfinder/internal/models"
)

var (
	errEmptyCard = errors.New("card fragment is empty")
	priceNumber  = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// parseCard turns one card fragment into a listing. Missing fields take
// their defaults; only an unreadable fragment is an error.
func parseCard(fragment string, sel Selectors, base *url.URL, query models.SearchQuery, scannedAt time.Time) (models.Listing, error) {
	if strings.TrimSpace(fragment) == "" {
		return models.Listing{}, errEmptyCard
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return models.Listing{}, fmt.Errorf("failed to parse card: %w", err)
	}

	card := doc.Find("body").Children().First()
	if card.Length() == 0 {
		return models.Listing{}, fmt.Errorf("card fragment has no element")
	}

	title, ok := first(card, sel.Title)
	if !ok {
		title = models.DefaultTitle
	}

	var price float64
	if text, ok := first(card, sel.Price); ok {
		price = parsePrice(text)
	}

	link := base.String()
	if href, ok := first(card, sel.Link); ok {
		link = resolveLink(base, href)
	}

	image, _ := first(card, sel.Image)

	return models.Listing{
		MarketplaceID: models.MarketplaceIDFromURL(link),
		Title:         title,
		Price:         price,
		City:          models.UnknownCity,
		Category:      query.CategoryOrDefault(),
		ImageURL:      image,
		URL:           link,
		PublishedAt:   scannedAt,
		Condition:     query.ConditionOrDefault(),
	}, nil
}

// parsePrice reads the first amount in text. "$1,299.00" is 1299; anything
// that is not a plain non-negative decimal after cleaning is 0.
func parsePrice(text string) float64 {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return 0
	}

	at := 0
	for i, t := range tokens {
		if hasCurrencyMarker(t) {
			at = i
			break
		}
	}

	cleaned := cleanAmount(tokens[at])
	// A detached symbol ("€ 12") leaves the amount in the next token
	if cleaned == "" && at+1 < len(tokens) {
		cleaned = cleanAmount(tokens[at+1])
	}

	if !priceNumber.MatchString(cleaned) {
		return 0
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func cleanAmount(token string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == ',' || strings.ContainsRune(currencyMarkers, r) {
			return -1
		}
		return r
	}, token)
	// Currency codes such as "CA" or "US" prefix the symbol
	return strings.TrimLeft(cleaned, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
}

// resolveLink makes href absolute against base; unparsable hrefs fall back to base
func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return base.String()
	}
	return base.ResolveReference(ref).String()
}
