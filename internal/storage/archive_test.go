package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

func testRecord() quote.Record {
	return quote.Record{
		ID:            "0194262b-0000-7000-8000-000000000000",
		Subject:       "AAPL",
		Value:         "1,234.56",
		ValueChange:   "+3.21",
		PercentChange: "+0.26%",
		Source:        "colly",
		FetchedAt:     time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC),
	}
}

func TestArchiverWritesJSONUnderRunPrefix(t *testing.T) {
	t.Parallel()

	store := &MockBlobStore{}
	store.On("PutObject", mock.Anything,
		mock.MatchedBy(func(p string) bool {
			return strings.HasPrefix(p, "quotes/run-1/AAPL-") && strings.HasSuffix(p, ".json")
		}),
		"application/json",
		mock.MatchedBy(func(data []byte) bool {
			var rec quote.Record
			return json.Unmarshal(data, &rec) == nil && rec.Subject == "AAPL" && rec.Value == "1,234.56"
		}),
	).Return("gs://bucket/quotes/run-1/AAPL.json", nil).Once()

	a, err := NewArchiver(store, ArchiveConfig{Sink: "gcs", Prefix: "/quotes/", RunID: "run-1"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Persist(context.Background(), testRecord()))
	store.AssertExpectations(t)
}

func TestArchiverWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	store := &MockBlobStore{}
	store.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("bucket gone"))

	a, err := NewArchiver(store, ArchiveConfig{Sink: "gcs", RunID: "run-1"}, nil)
	require.NoError(t, err)

	err = a.Persist(context.Background(), testRecord())
	var persistErr *quote.PersistError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "gcs", persistErr.Sink)
	assert.Equal(t, "AAPL", persistErr.Subject)
}

func TestArchiverObjectPath(t *testing.T) {
	t.Parallel()

	a, err := NewArchiver(&MockBlobStore{}, ArchiveConfig{RunID: "run-1"}, nil)
	require.NoError(t, err)

	p1 := a.ObjectPath("BRK.B", []byte("x"))
	p2 := a.ObjectPath("BRK.B", []byte("x"))
	p3 := a.ObjectPath("BRK.B", []byte("y"))
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.True(t, strings.HasPrefix(p1, "run-1/BRK.B-"))

	assert.True(t, strings.HasPrefix(a.ObjectPath("../etc", nil), "run-1/.._etc-"))
	assert.True(t, strings.HasPrefix(a.ObjectPath("..", nil), "run-1/_-"))
	assert.True(t, strings.HasPrefix(a.ObjectPath("", nil), "run-1/_-"))
}

func TestNewArchiverValidation(t *testing.T) {
	t.Parallel()

	_, err := NewArchiver(nil, ArchiveConfig{RunID: "r"}, nil)
	require.Error(t, err)
	_, err = NewArchiver(&MockBlobStore{}, ArchiveConfig{}, nil)
	require.ErrorContains(t, err, "run id is required")
}
