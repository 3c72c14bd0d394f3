// Package static discovers a fixed list of symbols taken from configuration.
package static

import (
	"context"
	"iter"
	"slices"
)

// Discoverer yields the configured symbols in order.
type Discoverer struct {
	symbols []string
}

// New copies symbols into a Discoverer.
func New(symbols []string) *Discoverer {
	return &Discoverer{symbols: slices.Clone(symbols)}
}

// Discover yields every configured symbol, stopping early if ctx ends.
func (d *Discoverer) Discover(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, s := range d.symbols {
			if ctx.Err() != nil || !yield(s) {
				return
			}
		}
	}
}
