// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// EnvPrefix is prepended to every environment override, e.g. QUOTEPIPE_DB_DSN.
const EnvPrefix = "QUOTEPIPE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Server     ServerConfig     `mapstructure:"server"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry spans for processed items.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ServerConfig controls the ops HTTP server that runs alongside the pipeline.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PipelineConfig is the topology plus the join watchdog.
type PipelineConfig struct {
	pipeline.Topology `mapstructure:",squash"`
	// JoinTimeout bounds the wait for every pool to stop. Zero waits forever.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

// DiscoveryConfig configures the identifier sources.
type DiscoveryConfig struct {
	URL         string        `mapstructure:"url"`
	RowSelector string        `mapstructure:"row_selector"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Limit       int           `mapstructure:"limit"`
	// Symbols feeds the static source.
	Symbols []string `mapstructure:"symbols"`
}

// FetchConfig configures the quote page fetchers.
type FetchConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	UserAgent     string            `mapstructure:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Headers       map[string]string `mapstructure:"headers"`
	Selectors     quote.Selectors   `mapstructure:"selectors"`
}

// HTTPHeaders converts the configured headers to canonical form.
func (c FetchConfig) HTTPHeaders() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

// HeadlessConfig configures the headless fetcher.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	// PromotionThreshold is the body size under which a script-heavy page is promoted by
	// fetch.quote.auto.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// PolitenessConfig spaces out requests made by fetch pools.
type PolitenessConfig struct {
	JitterMin         time.Duration `mapstructure:"jitter_min"`
	JitterMax         time.Duration `mapstructure:"jitter_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	RunsTable       string        `mapstructure:"runs_table"`
	RecordRuns      bool          `mapstructure:"record_runs"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig sets where archived records are written.
type StorageConfig struct {
	Prefix string           `mapstructure:"prefix"`
	GCS    GCSStorageConfig `mapstructure:"gcs"`
	Local  LocalConfig      `mapstructure:"local"`
}

// GCSStorageConfig names the archive bucket.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// LocalConfig names the archive directory.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds the topic records are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Pipeline.empty() {
		cfg.Pipeline.Topology = DefaultTopology()
	}
	cfg.Pipeline.lowerQueueRefs()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.join_timeout", "10m")
	v.SetDefault("discovery.timeout", "30s")
	v.SetDefault("fetch.base_url", "https://finance.yahoo.com/quote/")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.user_agent", "realtime-quote-pipeline/0.1")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle_delay", "1s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("politeness.jitter_min", "0s")
	v.SetDefault("politeness.jitter_max", "1s")
	v.SetDefault("politeness.requests_per_second", 0)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("db.table", "prices")
	v.SetDefault("db.runs_table", "pipeline_runs")
	v.SetDefault("db.max_conns", 5)
	v.SetDefault("storage.prefix", "quotes")

	// Keys without a meaningful default are still registered so env overrides reach Unmarshal.
	for _, key := range []string{
		"db.dsn",
		"storage.gcs.bucket",
		"storage.local.base_dir",
		"pubsub.project_id",
		"pubsub.topic_id",
		"discovery.url",
	} {
		v.SetDefault(key, "")
	}
}

// DefaultTopology is the shape used when the config file declares none: the constituents table
// feeds five quote fetchers, which feed five Postgres writers.
func DefaultTopology() pipeline.Topology {
	return pipeline.Topology{
		Queues: map[string]pipeline.QueueConfig{
			"tickers": {Description: "symbols discovered from the constituents table", Payload: pipeline.PayloadIdentifier},
			"prices":  {Description: "fetched quotes waiting to be stored", Payload: pipeline.PayloadRecord},
		},
		Workers: map[string]pipeline.WorkerConfig{
			"wikipedia": {Kind: "discovery.wikipedia", OutputQueue: "tickers"},
		},
		Schedulers: map[string]pipeline.SchedulerConfig{
			"quotes":   {Kind: "fetch.quote", Instances: 5, InputQueue: "tickers", OutputQueue: "prices"},
			"postgres": {Kind: "sink.postgres", Instances: 5, InputQueue: "prices"},
		},
	}
}

// lowerQueueRefs matches queue references to the queue names, which viper lowercases as map keys.
func (p *PipelineConfig) lowerQueueRefs() {
	for name, w := range p.Workers {
		w.InputQueue = strings.ToLower(w.InputQueue)
		w.OutputQueue = strings.ToLower(w.OutputQueue)
		p.Workers[name] = w
	}
	for name, s := range p.Schedulers {
		s.InputQueue = strings.ToLower(s.InputQueue)
		s.OutputQueue = strings.ToLower(s.OutputQueue)
		p.Schedulers[name] = s
	}
}

func (p PipelineConfig) empty() bool {
	return len(p.Queues) == 0 && len(p.Workers) == 0 && len(p.Schedulers) == 0
}

// Validate enforces required values and reasonable limits. Topology wiring is checked by the
// executor against the registered kinds.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Enabled && c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0 when the server is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if c.Pipeline.JoinTimeout < 0 {
		errs = append(errs, errors.New("pipeline.join_timeout must be >= 0"))
	}
	if c.Discovery.Limit < 0 {
		errs = append(errs, errors.New("discovery.limit must be >= 0"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Headless.MaxParallel < 0 {
		errs = append(errs, errors.New("headless.max_parallel must be >= 0"))
	}
	if c.Politeness.JitterMin < 0 || c.Politeness.JitterMax < c.Politeness.JitterMin {
		errs = append(errs, errors.New("politeness jitter must satisfy 0 <= jitter_min <= jitter_max"))
	}
	if c.Politeness.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("politeness.requests_per_second must be >= 0"))
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 || (c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns) {
		errs = append(errs, errors.New("db.min_conns must be between 0 and db.max_conns"))
	}
	return errors.Join(errs...)
}

// UsesKind reports whether any worker or scheduler in the topology has the given kind.
func (c Config) UsesKind(kind string) bool {
	for _, w := range c.Pipeline.Workers {
		if w.Kind == kind {
			return true
		}
	}
	for _, s := range c.Pipeline.Schedulers {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// MissingSetting names an empty setting that a configured component kind needs at run time.
type MissingSetting struct {
	Key  string
	Kind string
}

// MissingSettings lists the empty settings the topology's kinds will need once resources open.
// Load does not reject them so that a topology can be checked before credentials exist.
func (c Config) MissingSettings() []MissingSetting {
	var out []MissingSetting
	need := func(kind, key, value string) {
		if c.UsesKind(kind) && strings.TrimSpace(value) == "" {
			out = append(out, MissingSetting{Key: key, Kind: kind})
		}
	}
	if c.UsesKind("discovery.static") && len(c.Discovery.Symbols) == 0 {
		out = append(out, MissingSetting{Key: "discovery.symbols", Kind: "discovery.static"})
	}
	need("sink.postgres", "db.dsn", c.DB.DSN)
	if c.DB.RecordRuns && !c.UsesKind("sink.postgres") && c.DB.DSN == "" {
		out = append(out, MissingSetting{Key: "db.dsn", Kind: "db.record_runs"})
	}
	need("sink.gcs", "storage.gcs.bucket", c.Storage.GCS.Bucket)
	need("sink.local", "storage.local.base_dir", c.Storage.Local.BaseDir)
	need("sink.pubsub", "pubsub.project_id", c.PubSub.ProjectID)
	need("sink.pubsub", "pubsub.topic_id", c.PubSub.TopicID)
	return out
}
