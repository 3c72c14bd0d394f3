// Package collyfetcher fetches quote pages over plain HTTP with gocolly and extracts their fields
// with goquery.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/clock/system"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// Source is stamped on every record this fetcher produces.
const Source = "colly"

// Config controls collector behavior.
type Config struct {
	// BaseURL is the quote page prefix. The identifier replaces {symbol} when present and is
	// appended otherwise.
	BaseURL       string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
	Selectors     quote.Selectors
}

// Promoter decides whether a page whose quote fields were missing deserves another fetcher.
type Promoter interface {
	ShouldPromote(status int, body []byte) bool
}

// Fetcher implements quote.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	clock         quote.Clock
	ids           quote.IDGenerator
	baseCollector *colly.Collector

	fallback quote.Fetcher
	promoter Promoter
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchOutcome struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher. A nil clock or id generator falls back to the system clock and UUIDv7.
func New(cfg Config, clock quote.Clock, ids quote.IDGenerator) (*Fetcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("colly fetcher: base url is required")
	}
	if cfg.Selectors == (quote.Selectors{}) {
		cfg.Selectors = quote.DefaultSelectors()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newRobotsTransport(newHTTPTransport()))
	// Clones share the backend http.Client, so the timeout is only ever set here.
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		clock:         clock,
		ids:           ids,
		baseCollector: c,
	}, nil
}

// WithFallback returns a copy of f that hands an identifier to fallback when the page parsed
// without its quote fields and promoter agrees. A nil promoter always promotes.
func (f *Fetcher) WithFallback(fallback quote.Fetcher, promoter Promoter) *Fetcher {
	cp := *f
	cp.fallback = fallback
	cp.promoter = promoter
	return &cp
}

// URL returns the quote page for identifier.
func (f *Fetcher) URL(identifier string) string {
	if strings.Contains(f.cfg.BaseURL, quote.SymbolPlaceholder) {
		return strings.ReplaceAll(f.cfg.BaseURL, quote.SymbolPlaceholder, identifier)
	}
	return f.cfg.BaseURL + identifier
}

// FetchQuote downloads the quote page for identifier and extracts its fields.
func (f *Fetcher) FetchQuote(ctx context.Context, identifier string) (quote.Record, error) {
	out, err := f.fetch(ctx, f.URL(identifier))
	if err != nil {
		return quote.Record{}, &quote.FetchError{Identifier: identifier, Status: out.status, Err: err}
	}
	metrics.ObserveFetchResponse(Source, out.status)
	if out.status < http.StatusOK || out.status >= http.StatusMultipleChoices {
		return quote.Record{}, &quote.FetchError{Identifier: identifier, Status: out.status}
	}

	fields, err := quote.ExtractQuote(identifier, out.body, f.cfg.Selectors)
	if err != nil {
		if f.shouldPromote(err, out) {
			metrics.ObservePromotion(Source)
			return f.fallback.FetchQuote(ctx, identifier)
		}
		return quote.Record{}, err
	}
	id, err := f.ids.NewID()
	if err != nil {
		return quote.Record{}, fmt.Errorf("fetch %s: %w", identifier, err)
	}
	return quote.Record{
		ID:            id,
		Subject:       identifier,
		Value:         fields.Value,
		ValueChange:   fields.ValueChange,
		PercentChange: fields.PercentChange,
		Source:        Source,
		FetchedAt:     f.clock.Now(),
	}, nil
}

func (f *Fetcher) shouldPromote(err error, out fetchOutcome) bool {
	if f.fallback == nil {
		return false
	}
	var parseErr *quote.ParseError
	if !errors.As(err, &parseErr) {
		return false
	}
	return f.promoter == nil || f.promoter.ShouldPromote(out.status, out.body)
}

func (f *Fetcher) fetch(ctx context.Context, target string) (fetchOutcome, error) {
	done := make(chan fetchOutcome, 1)
	go func() {
		var out fetchOutcome
		collector := f.buildCollector()
		f.configureCollectorHooks(collector, &out)
		if err := collector.Visit(target); err != nil && out.err == nil {
			out.err = err
		}
		done <- out
	}()

	select {
	case <-ctx.Done():
		return fetchOutcome{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-done:
		if out.err != nil {
			return out, fmt.Errorf("colly visit failed: %w", out.err)
		}
		return out, nil
	}
}

func (f *Fetcher) buildCollector() *colly.Collector {
	return f.baseCollector.Clone()
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, out *fetchOutcome) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		out.status = r.StatusCode
		out.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			out.status = r.StatusCode
		}
		out.err = err
	})
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
