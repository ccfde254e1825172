package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StrategyKind tags how a Strategy reads a value from a card
type StrategyKind string

const (
	// StrategyText reads the trimmed text of the first non-empty match
	StrategyText StrategyKind = "text"
	// StrategyPlainText is StrategyText ignoring matches that look like a price
	StrategyPlainText StrategyKind = "plain_text"
	// StrategyAttribute reads an attribute of the first match carrying it
	StrategyAttribute StrategyKind = "attribute"
	// StrategyCurrencyText reads the innermost match whose text holds a currency marker
	StrategyCurrencyText StrategyKind = "currency_text"
)

// currencyMarkers are the symbols that identify a price element
const currencyMarkers = "$€£"

// Strategy is one way of locating a field inside a card
type Strategy struct {
	Kind     StrategyKind
	Selector string
	Attr     string
}

func Text(selector string) Strategy {
	return Strategy{Kind: StrategyText, Selector: selector}
}

func PlainText(selector string) Strategy {
	return Strategy{Kind: StrategyPlainText, Selector: selector}
}

func Attribute(selector, attr string) Strategy {
	return Strategy{Kind: StrategyAttribute, Selector: selector, Attr: attr}
}

func CurrencyText(selector string) Strategy {
	return Strategy{Kind: StrategyCurrencyText, Selector: selector}
}

// Selectors holds every markup shape the extractor knows about.
// Each list is tried in order; supporting new markup only extends a list.
type Selectors struct {
	Cards []string
	Title []Strategy
	Price []Strategy
	Link  []Strategy
	Image []Strategy
}

// DefaultSelectors covers the two known result card shapes: an article
// container and a bare item permalink anchor.
func DefaultSelectors() Selectors {
	return Selectors{
		Cards: []string{
			`div[role="article"]`,
			`a[href*="/marketplace/item/"]`,
		},
		Title: []Strategy{
			Text(`span[style*="-webkit-line-clamp"]`),
			PlainText("span"),
			Attribute("img", "alt"),
		},
		Price: []Strategy{
			CurrencyText("span"),
			CurrencyText("*"),
		},
		Link: []Strategy{
			Attribute(`a[href*="/marketplace/item/"]`, "href"),
			Attribute(`a[role="link"][tabindex="0"]`, "href"),
		},
		Image: []Strategy{
			Attribute("img", "src"),
		},
	}
}

// Apply returns the value this strategy finds in card
func (s Strategy) Apply(card *goquery.Selection) (string, bool) {
	matches := withRoot(card, s.Selector)

	switch s.Kind {
	case StrategyText, StrategyPlainText:
		var found string
		matches.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			found = strings.TrimSpace(sel.Text())
			if s.Kind == StrategyPlainText && hasCurrencyMarker(found) {
				found = ""
			}
			return found == ""
		})
		return found, found != ""

	case StrategyAttribute:
		var found string
		matches.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			v, ok := sel.Attr(s.Attr)
			found = strings.TrimSpace(v)
			return !ok || found == ""
		})
		return found, found != ""

	case StrategyCurrencyText:
		var found string
		matches.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			text := sel.Text()
			if !hasCurrencyMarker(text) {
				return true
			}
			// Skip wrappers; an inner element holds the price on its own
			inner := false
			sel.Children().EachWithBreak(func(_ int, child *goquery.Selection) bool {
				inner = hasCurrencyMarker(child.Text())
				return !inner
			})
			if inner {
				return true
			}
			found = strings.TrimSpace(text)
			return false
		})
		return found, found != ""
	}

	return "", false
}

// first runs strategies in order and returns the first hit
func first(card *goquery.Selection, strategies []Strategy) (string, bool) {
	for _, s := range strategies {
		if v, ok := s.Apply(card); ok {
			return v, true
		}
	}
	return "", false
}

// withRoot matches the card itself as well as its descendants
func withRoot(card *goquery.Selection, selector string) *goquery.Selection {
	return card.Filter(selector).AddSelection(card.Find(selector))
}

func hasCurrencyMarker(text string) bool {
	return strings.ContainsAny(text, currencyMarkers)
}
