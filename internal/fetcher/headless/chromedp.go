// Package headless fetches quote pages that need JavaScript, rendering them in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/clock/system"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// Source is stamped on every record this fetcher produces.
const Source = "chromedp"

// Config controls the behavior of the headless fetcher.
type Config struct {
	// BaseURL is the quote page prefix. The identifier replaces {symbol} when present and is
	// appended otherwise.
	BaseURL           string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready for scripts to fill the quote.
	SettleDelay time.Duration
	Headers     http.Header
	Selectors   quote.Selectors
}

// Fetcher implements quote.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	clock       quote.Clock
	ids         quote.IDGenerator
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome itself is only launched by
// the first fetch.
func NewChromedp(cfg Config, clock quote.Clock, ids quote.IDGenerator) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("headless fetcher: base url is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Selectors == (quote.Selectors{}) {
		cfg.Selectors = quote.DefaultSelectors()
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		clock:       clock,
		ids:         ids,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the browser allocator.
func (f *Fetcher) Close() error {
	f.allocCancel()
	return nil
}

// URL returns the quote page for identifier.
func (f *Fetcher) URL(identifier string) string {
	if strings.Contains(f.cfg.BaseURL, quote.SymbolPlaceholder) {
		return strings.ReplaceAll(f.cfg.BaseURL, quote.SymbolPlaceholder, identifier)
	}
	return f.cfg.BaseURL + identifier
}

// FetchQuote renders the quote page for identifier and extracts its fields from the final DOM.
func (f *Fetcher) FetchQuote(ctx context.Context, identifier string) (quote.Record, error) {
	if err := f.acquire(ctx); err != nil {
		return quote.Record{}, &quote.FetchError{Identifier: identifier, Err: err}
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, err := f.render(taskCtx, f.URL(identifier))
	if err != nil {
		return quote.Record{}, &quote.FetchError{Identifier: identifier, Err: err}
	}
	status := meta.statusOrOK()
	metrics.ObserveFetchResponse(Source, status)
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return quote.Record{}, &quote.FetchError{Identifier: identifier, Status: status}
	}

	fields, err := quote.ExtractQuote(identifier, []byte(html), f.cfg.Selectors)
	if err != nil {
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

func (f *Fetcher) render(ctx context.Context, target string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirects and frames report later documents; the first one is the page we navigated to.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// statusOrOK returns the captured status, assuming success when no document event was seen.
func (m *responseMeta) statusOrOK() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
