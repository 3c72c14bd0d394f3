// Package app binds the topology kinds to concrete sources, fetchers and sinks and owns the
// resources they open.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/clock/system"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/config"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/discovery/static"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/discovery/wikipedia"
	collyfetcher "github.com/JakeFAU/realtime-quote-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/headless/detector"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/realtime-quote-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/storage"
	gcsstorage "github.com/JakeFAU/realtime-quote-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-quote-pipeline/internal/storage/local"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/storage/logsink"
	pgstore "github.com/JakeFAU/realtime-quote-pipeline/internal/storage/postgres"
)

// Kinds accepted in the topology.
const (
	KindWikipedia     = "discovery.wikipedia"
	KindStatic        = "discovery.static"
	KindFetch         = "fetch.quote"
	KindFetchHeadless = "fetch.quote.headless"
	KindFetchAuto     = "fetch.quote.auto"
	KindSinkPostgres  = "sink.postgres"
	KindSinkGCS       = "sink.gcs"
	KindSinkLocal     = "sink.local"
	KindSinkPubSub    = "sink.pubsub"
	KindSinkLog       = "sink.log"
)

// DB is the subset of a pgx pool the Postgres sinks use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// BlobStore is an archive target that owns a connection.
type BlobStore interface {
	storage.BlobStore
	Close() error
}

// Publisher is a record sink that owns a connection.
type Publisher interface {
	quote.Persister
	Close() error
}

// Openers create the external connections. Each is called at most once per App, and only when
// the topology uses a kind that needs it.
type Openers struct {
	Postgres func(ctx context.Context, cfg pgstore.Config) (DB, error)
	GCS      func(ctx context.Context, cfg gcsstorage.Config) (BlobStore, error)
	PubSub   func(ctx context.Context, projectID, topicID string) (Publisher, error)
}

// DefaultOpeners connect to real services.
func DefaultOpeners() Openers {
	return Openers{
		Postgres: func(ctx context.Context, cfg pgstore.Config) (DB, error) {
			pool, err := pgstore.Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return pool, nil
		},
		GCS: func(ctx context.Context, cfg gcsstorage.Config) (BlobStore, error) {
			store, err := gcsstorage.Open(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		PubSub: func(ctx context.Context, projectID, topicID string) (Publisher, error) {
			pub, err := gcppublisher.Open(ctx, projectID, topicID)
			if err != nil {
				return nil, err
			}
			return pub, nil
		},
	}
}

// Option customizes an App.
type Option func(*App)

// WithOpeners replaces the connection openers.
func WithOpeners(o Openers) Option {
	return func(a *App) { a.openers = o }
}

// WithClock replaces the clock stamped on records and runs.
func WithClock(c quote.Clock) Option {
	return func(a *App) { a.clock = c }
}

// App holds the configuration of one run and every resource opened for it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	openers   Openers
	clock     quote.Clock
	ids       *uuid.Generator
	limiter   *ratelimit.Limiter
	runID     string
	startedAt time.Time

	mu        sync.Mutex
	closers   []namedCloser
	db        DB
	prices    *pgstore.PriceStore
	archives  map[string]*storage.Archiver
	publisher Publisher
	colly     *collyfetcher.Fetcher
	chrome    *headless.Fetcher

	executor atomic.Pointer[pipeline.Executor]
}

type namedCloser struct {
	name  string
	close func() error
}

// New prepares an App. No connection is opened until a topology kind needs it.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		openers:  DefaultOpeners(),
		clock:    system.New(),
		ids:      uuid.NewUUIDGenerator(),
		archives: make(map[string]*storage.Archiver),
		limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Politeness.RequestsPerSecond,
			DefaultBurst: cfg.Politeness.Burst,
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.startedAt = a.clock.Now()
	runID, err := a.ids.NewRunID(a.startedAt)
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a.runID = runID
	a.logger = a.logger.With(zap.String("run_id", runID))
	return a, nil
}

// RunID identifies this run in logs, archives and the runs table.
func (a *App) RunID() string { return a.runID }

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the kinds available to the topology. Resources are opened with ctx when a
// factory first needs them.
func (a *App) Registry(ctx context.Context) *pipeline.Registry {
	reg := pipeline.NewRegistry()

	reg.RegisterWorker(KindWikipedia, sourceKind(func() (quote.Discoverer, error) {
		return wikipedia.New(wikipedia.Config{
			URL:         a.cfg.Discovery.URL,
			UserAgent:   a.cfg.Fetch.UserAgent,
			Timeout:     a.cfg.Discovery.Timeout,
			RowSelector: a.cfg.Discovery.RowSelector,
			Limit:       a.cfg.Discovery.Limit,
		}, a.logger), nil
	}))
	reg.RegisterWorker(KindStatic, sourceKind(func() (quote.Discoverer, error) {
		if len(a.cfg.Discovery.Symbols) == 0 {
			return nil, errors.New("discovery.symbols is empty")
		}
		return static.New(a.cfg.Discovery.Symbols), nil
	}))

	fetchOpts := a.fetchOptions()
	reg.RegisterPool(KindFetch, fetchKind(a.collyFetcher, fetchOpts))
	reg.RegisterPool(KindFetchHeadless, fetchKind(a.headlessFetcher, fetchOpts))
	reg.RegisterPool(KindFetchAuto, fetchKind(a.autoFetcher, fetchOpts))

	reg.RegisterPool(KindSinkPostgres, sinkKind(pgstore.SinkName, func() (quote.Persister, error) {
		return a.priceStore(ctx)
	}))
	reg.RegisterPool(KindSinkGCS, sinkKind("gcs", func() (quote.Persister, error) {
		return a.archive(ctx, "gcs")
	}))
	reg.RegisterPool(KindSinkLocal, sinkKind("local", func() (quote.Persister, error) {
		return a.archive(ctx, "local")
	}))
	reg.RegisterPool(KindSinkPubSub, sinkKind(gcppublisher.SinkName, func() (quote.Persister, error) {
		return a.pubsubPublisher(ctx)
	}))
	reg.RegisterPool(KindSinkLog, sinkKind("log", func() (quote.Persister, error) {
		return logsink.New(a.logger), nil
	}))
	return reg
}

// Validate checks the topology against the registry without opening anything.
func (a *App) Validate(ctx context.Context) error {
	return pipeline.Validate(a.cfg.Pipeline.Topology, a.Registry(ctx))
}

// Build constructs the executor and every component it needs. Nothing is started.
func (a *App) Build(ctx context.Context) (*pipeline.Executor, error) {
	exec, err := pipeline.NewExecutor(a.cfg.Pipeline.Topology, a.Registry(ctx), a.logger)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	a.executor.Store(exec)
	return exec, nil
}

// Run builds and executes the pipeline, recording the run when db.record_runs is set.
func (a *App) Run(ctx context.Context) error {
	exec, err := a.Build(ctx)
	if err != nil {
		return err
	}
	runs, err := a.runStore(ctx)
	if err != nil {
		return err
	}
	if runs != nil {
		if err := runs.StartRun(ctx, a.runID, a.startedAt); err != nil {
			a.logger.Warn("failed to record run start", zap.Error(err))
		}
	}

	runErr := exec.Run(ctx, a.cfg.Pipeline.JoinTimeout)

	if runs != nil {
		sum := summarize(a.runID, exec.Snapshot(), runErr)
		sum.FinishedAt = a.clock.Now()
		if err := runs.CompleteRun(context.WithoutCancel(ctx), sum); err != nil {
			a.logger.Warn("failed to record run completion", zap.Error(err))
		}
	}
	return runErr
}

// Snapshot reports the progress of the built pipeline. ok is false before Build.
func (a *App) Snapshot() (snap pipeline.Snapshot, ok bool) {
	exec := a.executor.Load()
	if exec == nil {
		return pipeline.Snapshot{}, false
	}
	return exec.Snapshot(), true
}

// Ready reports whether the pipeline has been built.
func (a *App) Ready() bool {
	return a.executor.Load() != nil
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) fetchOptions() pipeline.PoolOptions {
	opts := pipeline.PoolOptions{
		JitterMin: a.cfg.Politeness.JitterMin,
		JitterMax: a.cfg.Politeness.JitterMax,
	}
	if a.cfg.Politeness.RequestsPerSecond > 0 {
		opts.Throttle = a.limiter.For(a.cfg.Fetch.BaseURL)
	}
	return opts
}

func (a *App) collyFetcher() (quote.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.colly != nil {
		return a.colly, nil
	}
	f, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:       a.cfg.Fetch.BaseURL,
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.Fetch.Timeout,
		Headers:       a.cfg.Fetch.HTTPHeaders(),
		Selectors:     a.cfg.Fetch.Selectors,
	}, a.clock, a.ids)
	if err != nil {
		return nil, err
	}
	a.colly = f
	return f, nil
}

func (a *App) headlessFetcher() (quote.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chrome != nil {
		return a.chrome, nil
	}
	f, err := headless.NewChromedp(headless.Config{
		BaseURL:           a.cfg.Fetch.BaseURL,
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetch.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		SettleDelay:       a.cfg.Headless.SettleDelay,
		Headers:           a.cfg.Fetch.HTTPHeaders(),
		Selectors:         a.cfg.Fetch.Selectors,
	}, a.clock, a.ids)
	if err != nil {
		return nil, err
	}
	a.chrome = f
	a.addCloser("headless browser", f.Close)
	return f, nil
}

// autoFetcher fetches with colly and promotes script-rendered pages to headless Chrome.
func (a *App) autoFetcher() (quote.Fetcher, error) {
	if _, err := a.collyFetcher(); err != nil {
		return nil, err
	}
	fallback, err := a.headlessFetcher()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.colly.WithFallback(fallback, detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)), nil
}

// database opens the shared pool. The caller must hold a.mu.
func (a *App) database(ctx context.Context) (DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := a.openers.Postgres(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.db = db
	a.addCloser("postgres", func() error {
		db.Close()
		return nil
	})
	return db, nil
}

func (a *App) priceStore(ctx context.Context) (quote.Persister, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prices != nil {
		return a.prices, nil
	}
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	store, err := pgstore.NewPriceStore(db, a.cfg.DB.Table)
	if err != nil {
		return nil, err
	}
	a.prices = store
	return store, nil
}

func (a *App) runStore(ctx context.Context) (*pgstore.RunStore, error) {
	if !a.cfg.DB.RecordRuns {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	return pgstore.NewRunStore(db, a.cfg.DB.RunsTable)
}

func (a *App) archive(ctx context.Context, target string) (quote.Persister, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if arc, ok := a.archives[target]; ok {
		return arc, nil
	}
	var blobs storage.BlobStore
	switch target {
	case "gcs":
		store, err := a.openers.GCS(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs: %w", err)
		}
		a.addCloser("gcs", store.Close)
		blobs = store
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		blobs = store
	default:
		return nil, fmt.Errorf("unknown archive target %q", target)
	}
	arc, err := storage.NewArchiver(blobs, storage.ArchiveConfig{
		Sink:   target,
		Prefix: a.cfg.Storage.Prefix,
		RunID:  a.runID,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.archives[target] = arc
	return arc, nil
}

func (a *App) pubsubPublisher(ctx context.Context) (quote.Persister, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.publisher != nil {
		return a.publisher, nil
	}
	pub, err := a.openers.PubSub(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicID)
	if err != nil {
		return nil, fmt.Errorf("open pubsub: %w", err)
	}
	a.publisher = pub
	a.addCloser("pubsub", pub.Close)
	return pub, nil
}

func summarize(runID string, snap pipeline.Snapshot, runErr error) pgstore.RunSummary {
	sum := pgstore.RunSummary{RunID: runID, Status: pgstore.RunSucceeded, Err: runErr}
	for _, p := range snap.Pools {
		sum.Processed += p.Processed
		sum.Failed += p.Failed
	}
	if runErr != nil {
		sum.Status = pgstore.RunFailed
	}
	return sum
}

func sourceKind(build func() (quote.Discoverer, error)) pipeline.WorkerKind {
	return pipeline.WorkerKind{
		Output: pipeline.PayloadIdentifier,
		Factory: func(b pipeline.WorkerBinding) (pipeline.Worker, error) {
			src, err := build()
			if err != nil {
				return nil, fmt.Errorf("worker %q: %w", b.Name, err)
			}
			return pipeline.SourceKind(src).Factory(b)
		},
	}
}

func fetchKind(build func() (quote.Fetcher, error), opts pipeline.PoolOptions) pipeline.PoolKind {
	return pipeline.PoolKind{
		Input:  pipeline.PayloadIdentifier,
		Output: pipeline.PayloadRecord,
		Factory: func(b pipeline.PoolBinding) (pipeline.Stage, error) {
			f, err := build()
			if err != nil {
				return nil, fmt.Errorf("scheduler %q: %w", b.Name, err)
			}
			return pipeline.FetchKind(f, opts).Factory(b)
		},
	}
}

func sinkKind(sink string, build func() (quote.Persister, error)) pipeline.PoolKind {
	return pipeline.PoolKind{
		Input:  pipeline.PayloadRecord,
		Output: pipeline.PayloadRecord,
		Factory: func(b pipeline.PoolBinding) (pipeline.Stage, error) {
			p, err := build()
			if err != nil {
				return nil, fmt.Errorf("scheduler %q: %w", b.Name, err)
			}
			return pipeline.SinkKind(observed(sink, p), pipeline.PoolOptions{}).Factory(b)
		},
	}
}

func observed(sink string, p quote.Persister) quote.Persister {
	return quote.PersisterFunc(func(ctx context.Context, rec quote.Record) error {
		if err := p.Persist(ctx, rec); err != nil {
			metrics.ObservePersist(sink, metrics.OutcomeFailed)
			return err
		}
		metrics.ObservePersist(sink, metrics.OutcomeOK)
		return nil
	})
}
