// Package detector decides when a quote page needs a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultThreshold is the body size below which a script-heavy page is treated as a shell.
const DefaultThreshold = 2048

// scriptShare is the percentage of the document that inline scripts must cover to count as a shell.
const scriptShare = 25

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold selects DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var appMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("root.App.main"),
}

// ShouldPromote reports whether a page that lacked the quote fields is likely filled in by
// scripts, so a headless render could find them. Only successful responses are promoted.
func (h *Heuristic) ShouldPromote(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range appMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if emptyStreamers(doc) {
		return true
	}
	return len(body) < h.BodyLengthThreshold && scriptHeavy(doc, len(body))
}

// emptyStreamers reports whether the page carries quote placeholders that scripts have not
// filled yet.
func emptyStreamers(doc *goquery.Document) bool {
	nodes := doc.Find("fin-streamer")
	if nodes.Length() == 0 {
		return false
	}
	empty := true
	nodes.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "" {
			empty = false
			return false
		}
		return true
	})
	return empty
}

func scriptHeavy(doc *goquery.Document, size int) bool {
	if size == 0 {
		return false
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		covered += len(s.Text()) + len("<script></script>")
	})
	return covered > 0 && covered*100/size >= scriptShare
}
