package pipeline

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

type stubSource struct {
	ids []string
}

func (s stubSource) Discover(context.Context) iter.Seq[string] {
	return slices.Values(s.ids)
}

type stubFetcher struct {
	calls atomic.Int64
	fail  map[string]bool
}

func (f *stubFetcher) FetchQuote(_ context.Context, id string) (quote.Record, error) {
	f.calls.Add(1)
	if f.fail[id] {
		return quote.Record{}, &quote.FetchError{Identifier: id, Status: 500}
	}
	return quote.Record{Subject: id, Value: "1.00", ValueChange: "+0.01", PercentChange: "+1.00%"}, nil
}

type memorySink struct {
	mu      sync.Mutex
	records []quote.Record
}

func (s *memorySink) Persist(_ context.Context, rec quote.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Subject)
	}
	slices.Sort(out)
	return out
}

func testRegistry(source quote.Discoverer, fetcher quote.Fetcher, sink quote.Persister) *Registry {
	reg := NewRegistry()
	reg.RegisterWorker("source", SourceKind(source))
	reg.RegisterPool("fetch", FetchKind(fetcher, PoolOptions{}))
	reg.RegisterPool("sink", SinkKind(sink, PoolOptions{}))
	return reg
}

// drainQueue reads everything currently queued without blocking.
func drainQueue[T any](t *testing.T, ch *Channel[T]) []Message[T] {
	t.Helper()
	var out []Message[T]
	for ch.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		msg, err := ch.Get(ctx)
		cancel()
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func splitMessages[T any](msgs []Message[T]) ([]T, int) {
	var (
		items []T
		stops int
	)
	for _, m := range msgs {
		if v, ok := m.Value(); ok {
			items = append(items, v)
			continue
		}
		stops++
	}
	return items, stops
}

func joinWithin(t *testing.T, e *Executor, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, e.Join(ctx))
}

func requireAllStopped(t *testing.T, stage Stage) {
	t.Helper()
	for _, m := range stage.Members() {
		require.Equal(t, StateStopped, m.State(), "instance %d", m.Index())
	}
}

var errBoom = errors.New("boom")
