package quote

import (
	"context"
	"iter"
)

// Discoverer yields the identifiers to fetch. The sequence is finite and single-use; a failed
// discovery yields nothing and logs the cause.
type Discoverer interface {
	Discover(ctx context.Context) iter.Seq[string]
}

// Fetcher turns one identifier into a Record. Implementations hold no per-call state and are
// safe for concurrent use.
type Fetcher interface {
	FetchQuote(ctx context.Context, identifier string) (Record, error)
}

// Persister durably stores a Record. Implementations must be safe for concurrent use.
type Persister interface {
	Persist(ctx context.Context, record Record) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, identifier string) (Record, error)

// FetchQuote calls f.
func (f FetcherFunc) FetchQuote(ctx context.Context, identifier string) (Record, error) {
	return f(ctx, identifier)
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, record Record) error

// Persist calls f.
func (f PersisterFunc) Persist(ctx context.Context, record Record) error {
	return f(ctx, record)
}
