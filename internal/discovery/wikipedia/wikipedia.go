// Package wikipedia discovers ticker symbols from the S&P 500 constituents table on Wikipedia.
package wikipedia

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Defaults for the S&P 500 constituents page.
const (
	DefaultURL      = "https://en.wikipedia.org/wiki/List_of_S%26P_500_companies"
	DefaultSelector = "table#constituents tr"
)

// Config controls which page is read and how symbols are located in it.
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	// RowSelector matches table rows; the symbol is the text of the first data cell.
	RowSelector string
	// Limit caps the number of symbols yielded. Zero means no cap.
	Limit int
}

// Discoverer implements quote.Discoverer over a constituents table.
type Discoverer struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
}

// New builds a Discoverer, applying defaults for empty fields.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.RowSelector == "" {
		cfg.RowSelector = DefaultSelector
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Discoverer{
		cfg:       cfg,
		collector: c,
		logger:    logger.Named("wikipedia"),
	}
}

// Discover fetches the page once and yields each symbol in table order. A failed fetch or parse
// yields nothing and is logged.
func (d *Discoverer) Discover(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		body, err := d.fetch(ctx)
		if err != nil {
			d.logger.Error("failed to fetch constituents page", zap.String("url", d.cfg.URL), zap.Error(err))
			return
		}
		symbols, err := ExtractSymbols(body, d.cfg.RowSelector)
		if err != nil {
			d.logger.Error("failed to parse constituents page", zap.String("url", d.cfg.URL), zap.Error(err))
			return
		}
		if d.cfg.Limit > 0 && len(symbols) > d.cfg.Limit {
			symbols = symbols[:d.cfg.Limit]
		}
		d.logger.Info("constituents discovered", zap.Int("symbols", len(symbols)))
		for _, s := range symbols {
			if !yield(s) {
				return
			}
		}
	}
}

type page struct {
	status int
	body   []byte
	err    error
}

func (d *Discoverer) fetch(ctx context.Context) ([]byte, error) {
	done := make(chan page, 1)
	go func() {
		var p page
		c := d.collector.Clone()
		c.OnResponse(func(r *colly.Response) {
			p.status = r.StatusCode
			p.body = append([]byte(nil), r.Body...)
		})
		c.OnError(func(r *colly.Response, err error) {
			if r != nil {
				p.status = r.StatusCode
			}
			p.err = err
		})
		if err := c.Visit(d.cfg.URL); err != nil && p.err == nil {
			p.err = err
		}
		done <- p
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("constituents fetch canceled: %w", ctx.Err())
	case p := <-done:
		if p.err != nil {
			return nil, fmt.Errorf("constituents visit: %w", p.err)
		}
		if p.status != http.StatusOK {
			return nil, fmt.Errorf("constituents page returned status %d", p.status)
		}
		return p.body, nil
	}
}

// ExtractSymbols returns the trimmed first data cell of every row matched by rowSelector. Header
// rows without data cells are skipped. Repeated symbols are kept, one per row.
func ExtractSymbols(body []byte, rowSelector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	rows := doc.Find(rowSelector)
	if rows.Length() == 0 {
		return nil, errors.New("no rows match " + rowSelector)
	}
	var symbols []string
	rows.Each(func(_ int, row *goquery.Selection) {
		cell := row.Find("td").First()
		if cell.Length() == 0 {
			return
		}
		symbol := strings.TrimSpace(cell.Text())
		if symbol == "" {
			return
		}
		symbols = append(symbols, symbol)
	})
	return symbols, nil
}
