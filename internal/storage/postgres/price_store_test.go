package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

func TestPriceStoreInsertsNormalizedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPriceStore(mock, "")
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO prices \(ticker, price, price_change, percentual_change\)`).
		WithArgs("AAPL", "1234.56", "+3.21", "+0.26%").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Persist(context.Background(), quote.Record{
		Subject:       "AAPL",
		Value:         "1,234.56",
		ValueChange:   "+3.21",
		PercentChange: "+0.26%",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceStoreWrapsInsertFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPriceStore(mock, "quotes")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO quotes").
		WithArgs("MSFT", "410.00", "-1.00", "-0.24%").
		WillReturnError(errors.New("relation does not exist"))

	err = store.Persist(context.Background(), quote.Record{
		Subject: "MSFT", Value: "410.00", ValueChange: "-1.00", PercentChange: "-0.24%",
	})
	var persistErr *quote.PersistError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "MSFT", persistErr.Subject)
	assert.Equal(t, SinkName, persistErr.Sink)
	assert.Contains(t, err.Error(), "relation does not exist")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceStoreRejectsRecordWithoutTicker(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPriceStore(mock, "")
	require.NoError(t, err)
	require.Error(t, store.Persist(context.Background(), quote.Record{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPriceStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPriceStore(nil, "prices")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPriceStore(mock, "prices; DROP TABLE prices")
	require.ErrorContains(t, err, "invalid table name")
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn is required")

	_, err = Connect(context.Background(), Config{DSN: "://not a dsn"})
	require.ErrorContains(t, err, "parse postgres dsn")
}
