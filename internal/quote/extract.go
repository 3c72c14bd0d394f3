package quote

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SymbolPlaceholder is replaced with the identifier inside selectors, so a page listing several
// tickers can be narrowed to the one requested.
const SymbolPlaceholder = "{symbol}"

// Field names reported by ParseError.
const (
	FieldValue         = "value"
	FieldValueChange   = "value_change"
	FieldPercentChange = "percent_change"
)

// Selectors locates the quote attributes inside a page.
type Selectors struct {
	Value         string `mapstructure:"value"`
	ValueChange   string `mapstructure:"value_change"`
	PercentChange string `mapstructure:"percent_change"`
}

// DefaultSelectors matches the streaming quote header of the Yahoo Finance quote page.
func DefaultSelectors() Selectors {
	return Selectors{
		Value:         `fin-streamer[data-symbol="{symbol}"][data-field="regularMarketPrice"]`,
		ValueChange:   `fin-streamer[data-symbol="{symbol}"][data-field="regularMarketChange"]`,
		PercentChange: `fin-streamer[data-symbol="{symbol}"][data-field="regularMarketChangePercent"]`,
	}
}

// ExtractQuote parses the three quote attributes out of body. A missing or empty node yields a
// *ParseError naming the field.
func ExtractQuote(identifier string, body []byte, sel Selectors) (Fields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Fields{}, fmt.Errorf("parse %s: read document: %w", identifier, err)
	}
	var fields Fields
	targets := []struct {
		name     string
		selector string
		dest     *string
	}{
		{FieldValue, sel.Value, &fields.Value},
		{FieldValueChange, sel.ValueChange, &fields.ValueChange},
		{FieldPercentChange, sel.PercentChange, &fields.PercentChange},
	}
	for _, target := range targets {
		text, ok := firstText(doc, strings.ReplaceAll(target.selector, SymbolPlaceholder, identifier))
		if !ok {
			return Fields{}, &ParseError{Identifier: identifier, Field: target.name}
		}
		*target.dest = text
	}
	return fields, nil
}

func firstText(doc *goquery.Document, selector string) (string, bool) {
	if strings.TrimSpace(selector) == "" {
		return "", false
	}
	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", false
	}
	text := strings.TrimSpace(node.Text())
	text = strings.TrimSuffix(strings.TrimPrefix(text, "("), ")")
	if text == "" {
		return "", false
	}
	return text, true
}
