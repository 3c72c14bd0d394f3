// Package logsink writes quote records to the structured log instead of a store.
package logsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// Sink implements quote.Persister by logging each record at info level.
type Sink struct {
	logger *zap.Logger
}

// New returns a Sink writing to logger.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger.Named("quotes")}
}

// Persist logs rec. It never fails.
func (s *Sink) Persist(_ context.Context, rec quote.Record) error {
	s.logger.Info("quote",
		zap.String("ticker", rec.Subject),
		zap.String("price", rec.NormalizedValue()),
		zap.String("price_change", rec.ValueChange),
		zap.String("percentual_change", rec.PercentChange),
		zap.String("source", rec.Source),
		zap.Time("fetched_at", rec.FetchedAt),
	)
	return nil
}
