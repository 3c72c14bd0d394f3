package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// SinkName identifies the Postgres sink in errors and metrics.
const SinkName = "postgres"

// PriceStore inserts quote records into the prices table. It implements quote.Persister.
type PriceStore struct {
	pool  execer
	table string
	query string
}

// NewPriceStore wraps pool. An empty table defaults to "prices".
func NewPriceStore(pool execer, table string) (*PriceStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, "prices")
	if err != nil {
		return nil, err
	}
	return &PriceStore{
		pool:  pool,
		table: table,
		query: fmt.Sprintf(
			"INSERT INTO %s (ticker, price, price_change, percentual_change) VALUES ($1, $2, $3, $4)",
			table,
		),
	}, nil
}

// Persist inserts one row. Thousands separators are stripped from the price first.
func (s *PriceStore) Persist(ctx context.Context, rec quote.Record) error {
	if rec.Subject == "" {
		return &quote.PersistError{Sink: SinkName, Err: errors.New("record has no ticker")}
	}
	_, err := s.pool.Exec(ctx, s.query, rec.Subject, rec.NormalizedValue(), rec.ValueChange, rec.PercentChange)
	if err != nil {
		return &quote.PersistError{Subject: rec.Subject, Sink: SinkName, Err: fmt.Errorf("insert into %s: %w", s.table, err)}
	}
	return nil
}
