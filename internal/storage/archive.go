// Package storage archives quote records as JSON objects in a blob store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// BlobStore writes one object and returns a URI for it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ArchiveConfig controls where archived records land.
type ArchiveConfig struct {
	// Sink names the archive in errors and logs.
	Sink   string
	Prefix string
	RunID  string
}

// Archiver implements quote.Persister by writing each record to
// <prefix>/<run-id>/<ticker>-<digest>.json.
type Archiver struct {
	store  BlobStore
	cfg    ArchiveConfig
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewArchiver wraps store.
func NewArchiver(store BlobStore, cfg ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.Sink == "" {
		cfg.Sink = "archive"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		cfg:    cfg,
		hasher: sha256.New(),
		logger: logger.With(zap.String("sink", cfg.Sink)),
	}, nil
}

// Persist marshals rec and uploads it.
func (a *Archiver) Persist(ctx context.Context, rec quote.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return &quote.PersistError{Subject: rec.Subject, Sink: a.cfg.Sink, Err: fmt.Errorf("marshal record: %w", err)}
	}
	objectPath := a.ObjectPath(rec.Subject, payload)
	uri, err := a.store.PutObject(ctx, objectPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return &quote.PersistError{Subject: rec.Subject, Sink: a.cfg.Sink, Err: err}
	}
	a.logger.Debug("record archived", zap.String("ticker", rec.Subject), zap.String("uri", uri))
	return nil
}

// ObjectPath names the object for a payload. Identical payloads map to the same object.
func (a *Archiver) ObjectPath(subject string, payload []byte) string {
	name := fmt.Sprintf("%s-%s.json", safeSegment(subject), a.hasher.Short(payload, 16))
	return path.Join(a.cfg.Prefix, a.cfg.RunID, name)
}

func safeSegment(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '^':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
