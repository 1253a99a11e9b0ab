package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/anomaly"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validStoreDrivers  = []string{"sqlite", "postgres", "memory"}
	validLockBackends  = []string{"memory", "redis"}
	defaultAPIKeyEnv   = "INFONLINE_API_KEY"
	defaultSQLiteDSN   = "reach-monitor.db"
	defaultRequeueStep = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Source    SourceConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Sites     []SiteConfig
	Metrics   []sourceapi.Metric
	Ingest    IngestConfig
	Anomaly   AnomalyConfig
	Store     StoreConfig
	Locks     LocksConfig
	Backfill  BackfillConfig
	Exporter  ExporterConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// SourceConfig configures the reporting API.
type SourceConfig struct {
	BaseURL        string
	APIKey         string
	APIKeyEnv      string
	RequestTimeout time.Duration
	UserAgent      string
	Aggregation    sourceapi.Aggregation
	// HealthSiteID is probed by readiness checks; the first site is used when blank.
	HealthSiteID string
}

// RateLimitConfig configures the shared token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// RetryConfig configures upstream retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	Jitter         float64
}

// SiteConfig is one measured site.
type SiteConfig struct {
	SiteID  string `yaml:"site_id"`
	Brand   string `yaml:"brand"`
	Surface string `yaml:"surface"`
	Name    string `yaml:"name"`
}

// IngestConfig tunes ingestion concurrency.
type IngestConfig struct {
	Parallel        bool
	MaxWorkers      int
	PairConcurrency int
	BatchSize       int
}

// AnomalyConfig configures the detector.
type AnomalyConfig struct {
	LookbackDays     int
	MinDataPoints    int
	WarningZScore    float64
	WarningPctDelta  float64
	CriticalZScore   float64
	CriticalPctDelta float64
	WeekdayAdjusted  bool
}

// Detector converts the section into detector thresholds.
func (a AnomalyConfig) Detector() anomaly.Config {
	return anomaly.Config{
		LookbackDays:     a.LookbackDays,
		MinDataPoints:    a.MinDataPoints,
		WarningZScore:    a.WarningZScore,
		WarningPctDelta:  a.WarningPctDelta,
		CriticalZScore:   a.CriticalZScore,
		CriticalPctDelta: a.CriticalPctDelta,
	}
}

// StoreConfig configures measurement persistence.
type StoreConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// LocksConfig configures job and dedup locks.
type LocksConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
	JobLockTTL    time.Duration
}

// BackfillConfig configures failed-pair retries.
type BackfillConfig struct {
	Enabled                     bool
	MaxMessageAge               time.Duration
	ConsumerCount               int
	RequeueDelays               []time.Duration
	DedupTTL                    time.Duration
	MaxEnqueuesPerSitePerMinute int
	QueueBuffer                 int
}

// ExporterConfig configures the metrics endpoint.
type ExporterConfig struct {
	RefreshInterval time.Duration
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveCredential returns the inline API key or reads it from the configured environment variable.
func (c *Config) ResolveCredential(getenv func(string) string) (string, error) {
	if key := strings.TrimSpace(c.Source.APIKey); key != "" {
		return key, nil
	}
	envName := strings.TrimSpace(c.Source.APIKeyEnv)
	if envName == "" {
		envName = defaultAPIKeyEnv
	}
	if getenv != nil {
		if key := strings.TrimSpace(getenv(envName)); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("source credential is not set: provide source.api_key or %s", envName)
}

// Brands returns the distinct configured brands in first-seen order.
func (c *Config) Brands() []string {
	seen := make(map[string]bool, len(c.Sites))
	brands := make([]string, 0, len(c.Sites))
	for _, site := range c.Sites {
		brand := strings.ToLower(site.Brand)
		if seen[brand] {
			continue
		}
		seen[brand] = true
		brands = append(brands, brand)
	}
	return brands
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.Source.RequestTimeout <= 0 {
		errs = append(errs, "source.request_timeout must be > 0")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, "rate_limit.requests_per_second must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be within [0, 1]")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if len(c.Sites) == 0 {
		errs = append(errs, "sites must contain at least one site")
	}
	seenSites := make(map[string]struct{}, len(c.Sites))
	for i, site := range c.Sites {
		prefix := fmt.Sprintf("sites[%d]", i)
		if site.SiteID == "" {
			errs = append(errs, prefix+".site_id is required")
		}
		if site.Brand == "" {
			errs = append(errs, prefix+".brand is required")
		}
		if site.Surface == "" {
			errs = append(errs, prefix+".surface is required")
		}
		if _, ok := seenSites[site.SiteID]; ok && site.SiteID != "" {
			errs = append(errs, "sites contains duplicate site_id: "+site.SiteID)
		}
		seenSites[site.SiteID] = struct{}{}
	}
	if len(c.Metrics) == 0 {
		errs = append(errs, "metrics must contain at least one metric")
	}

	if c.Ingest.MaxWorkers <= 0 {
		errs = append(errs, "ingest.max_workers must be > 0")
	}
	if c.Ingest.PairConcurrency <= 0 {
		errs = append(errs, "ingest.pair_concurrency must be > 0")
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, "ingest.batch_size must be > 0")
	}

	if err := c.Anomaly.Detector().Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			errs = append(errs, "anomaly."+line)
		}
	}

	if !slices.Contains(validStoreDrivers, c.Store.Driver) {
		errs = append(errs, "store.driver must be one of sqlite|postgres|memory")
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		errs = append(errs, "store.dsn is required unless store.driver=memory")
	}

	if !slices.Contains(validLockBackends, c.Locks.Backend) {
		errs = append(errs, "locks.backend must be memory or redis")
	}
	if c.Locks.Backend == "redis" && c.Locks.RedisAddr == "" {
		errs = append(errs, "locks.redis_addr is required when locks.backend=redis")
	}
	if c.Locks.JobLockTTL <= 0 {
		errs = append(errs, "locks.job_lock_ttl must be > 0")
	}

	if c.Backfill.Enabled {
		if len(c.Backfill.RequeueDelays) == 0 {
			errs = append(errs, "backfill.requeue_delays must contain at least one duration")
		}
		if c.Backfill.ConsumerCount <= 0 {
			errs = append(errs, "backfill.consumer_count must be > 0 when backfill.enabled=true")
		}
	}

	if c.Exporter.RefreshInterval < 0 {
		errs = append(errs, "exporter.refresh_interval must be >= 0")
	}
	if !telemetry.ValidTraceMode(c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Source.BaseURL == "" {
		cfg.Source.BaseURL = sourceapi.DefaultBaseURL
	}
	if cfg.Source.APIKeyEnv == "" {
		cfg.Source.APIKeyEnv = defaultAPIKeyEnv
	}
	if cfg.Source.RequestTimeout == 0 {
		cfg.Source.RequestTimeout = 30 * time.Second
	}
	if cfg.Source.Aggregation == "" {
		cfg.Source.Aggregation = sourceapi.AggregationDay
	}
	if cfg.Source.HealthSiteID == "" && len(cfg.Sites) > 0 {
		cfg.Source.HealthSiteID = cfg.Sites[0].SiteID
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}

	defaultRetry := sourceapi.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = defaultRetry.MaxAttempts
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = defaultRetry.BaseDelay
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = defaultRetry.Multiplier
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = defaultRetry.MaxDelay
	}

	if len(cfg.Metrics) == 0 {
		cfg.Metrics = []sourceapi.Metric{sourceapi.MetricPageImpressions, sourceapi.MetricVisits}
	}

	if cfg.Ingest.MaxWorkers == 0 {
		cfg.Ingest.MaxWorkers = 4
	}
	if cfg.Ingest.PairConcurrency == 0 {
		cfg.Ingest.PairConcurrency = 4
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 500
	}

	defaults := anomaly.DefaultConfig()
	if cfg.Anomaly.LookbackDays == 0 {
		cfg.Anomaly.LookbackDays = defaults.LookbackDays
	}
	if cfg.Anomaly.MinDataPoints == 0 {
		cfg.Anomaly.MinDataPoints = defaults.MinDataPoints
	}
	if cfg.Anomaly.WarningZScore == 0 {
		cfg.Anomaly.WarningZScore = defaults.WarningZScore
	}
	if cfg.Anomaly.WarningPctDelta == 0 {
		cfg.Anomaly.WarningPctDelta = defaults.WarningPctDelta
	}
	if cfg.Anomaly.CriticalZScore == 0 {
		cfg.Anomaly.CriticalZScore = defaults.CriticalZScore
	}
	if cfg.Anomaly.CriticalPctDelta == 0 {
		cfg.Anomaly.CriticalPctDelta = defaults.CriticalPctDelta
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = defaultSQLiteDSN
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 25
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 5
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Store.ConnectAttempts == 0 {
		cfg.Store.ConnectAttempts = 5
	}

	if cfg.Locks.Backend == "" {
		cfg.Locks.Backend = "memory"
	}
	if cfg.Locks.Namespace == "" {
		cfg.Locks.Namespace = "reach-monitor"
	}
	if cfg.Locks.JobLockTTL == 0 {
		cfg.Locks.JobLockTTL = 2 * time.Hour
	}

	if cfg.Backfill.MaxMessageAge == 0 {
		cfg.Backfill.MaxMessageAge = 7 * 24 * time.Hour
	}
	if cfg.Backfill.ConsumerCount == 0 {
		cfg.Backfill.ConsumerCount = 1
	}
	if len(cfg.Backfill.RequeueDelays) == 0 {
		cfg.Backfill.RequeueDelays = slices.Clone(defaultRequeueStep)
	}
	if cfg.Backfill.DedupTTL == 0 {
		cfg.Backfill.DedupTTL = 12 * time.Hour
	}
	if cfg.Backfill.MaxEnqueuesPerSitePerMinute == 0 {
		cfg.Backfill.MaxEnqueuesPerSitePerMinute = 30
	}
	if cfg.Backfill.QueueBuffer == 0 {
		cfg.Backfill.QueueBuffer = 1024
	}

	if cfg.Exporter.RefreshInterval == 0 {
		cfg.Exporter.RefreshInterval = 30 * time.Second
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	Source    rawSource    `yaml:"source"`
	RateLimit rawRateLimit `yaml:"rate_limit"`
	Retry     rawRetry     `yaml:"retry"`
	Sites     []SiteConfig `yaml:"sites"`
	Metrics   []string     `yaml:"metrics"`
	Ingest    rawIngest    `yaml:"ingest"`
	Anomaly   rawAnomaly   `yaml:"anomaly"`
	Store     rawStore     `yaml:"store"`
	Locks     rawLocks     `yaml:"locks"`
	Backfill  rawBackfill  `yaml:"backfill"`
	Exporter  rawExporter  `yaml:"exporter"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawSource struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	RequestTimeout duration `yaml:"request_timeout"`
	UserAgent      string   `yaml:"user_agent"`
	Aggregation    string   `yaml:"aggregation"`
	HealthSiteID   string   `yaml:"health_site_id"`
}

type rawRateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	MaxBackoff     duration `yaml:"max_backoff"`
	Jitter         float64  `yaml:"jitter"`
}

type rawIngest struct {
	Parallel        bool `yaml:"parallel"`
	MaxWorkers      int  `yaml:"max_workers"`
	PairConcurrency int  `yaml:"pair_concurrency"`
	BatchSize       int  `yaml:"batch_size"`
}

type rawAnomaly struct {
	LookbackDays     int     `yaml:"lookback_days"`
	MinDataPoints    int     `yaml:"min_data_points"`
	WarningZScore    float64 `yaml:"warning_zscore"`
	WarningPctDelta  float64 `yaml:"warning_pct_delta"`
	CriticalZScore   float64 `yaml:"critical_zscore"`
	CriticalPctDelta float64 `yaml:"critical_pct_delta"`
	WeekdayAdjusted  bool    `yaml:"weekday_adjusted"`
}

type rawStore struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime duration `yaml:"conn_max_lifetime"`
	ConnectAttempts int      `yaml:"connect_attempts"`
}

type rawLocks struct {
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	Namespace     string   `yaml:"namespace"`
	JobLockTTL    duration `yaml:"job_lock_ttl"`
}

type rawBackfill struct {
	Enabled                     bool       `yaml:"enabled"`
	MaxMessageAge               duration   `yaml:"max_message_age"`
	ConsumerCount               int        `yaml:"consumer_count"`
	RequeueDelays               []duration `yaml:"requeue_delays"`
	DedupTTL                    duration   `yaml:"dedup_ttl"`
	MaxEnqueuesPerSitePerMinute int        `yaml:"max_enqueues_per_site_per_minute"`
	QueueBuffer                 int        `yaml:"queue_buffer"`
}

type rawExporter struct {
	RefreshInterval duration `yaml:"refresh_interval"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() (*Config, error) {
	var errs []string

	aggregation, err := sourceapi.ParseAggregation(r.Source.Aggregation)
	if err != nil {
		errs = append(errs, "source.aggregation must be DAY or MONTH")
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: strings.TrimSpace(r.Server.ListenAddr),
			LogLevel:   strings.ToLower(strings.TrimSpace(r.Server.LogLevel)),
		},
		Source: SourceConfig{
			BaseURL:        strings.TrimSpace(r.Source.BaseURL),
			APIKey:         r.Source.APIKey,
			APIKeyEnv:      strings.TrimSpace(r.Source.APIKeyEnv),
			RequestTimeout: r.Source.RequestTimeout.Duration,
			UserAgent:      r.Source.UserAgent,
			Aggregation:    aggregation,
			HealthSiteID:   strings.TrimSpace(r.Source.HealthSiteID),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: r.RateLimit.RequestsPerSecond,
			Burst:             r.RateLimit.Burst,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			Multiplier:     r.Retry.Multiplier,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
			Jitter:         r.Retry.Jitter,
		},
		Sites:   make([]SiteConfig, 0, len(r.Sites)),
		Metrics: make([]sourceapi.Metric, 0, len(r.Metrics)),
		Ingest: IngestConfig{
			Parallel:        r.Ingest.Parallel,
			MaxWorkers:      r.Ingest.MaxWorkers,
			PairConcurrency: r.Ingest.PairConcurrency,
			BatchSize:       r.Ingest.BatchSize,
		},
		Anomaly: AnomalyConfig(r.Anomaly),
		Store: StoreConfig{
			Driver:          strings.ToLower(strings.TrimSpace(r.Store.Driver)),
			DSN:             strings.TrimSpace(r.Store.DSN),
			MaxOpenConns:    r.Store.MaxOpenConns,
			MaxIdleConns:    r.Store.MaxIdleConns,
			ConnMaxLifetime: r.Store.ConnMaxLifetime.Duration,
			ConnectAttempts: r.Store.ConnectAttempts,
		},
		Locks: LocksConfig{
			Backend:       strings.ToLower(strings.TrimSpace(r.Locks.Backend)),
			RedisAddr:     strings.TrimSpace(r.Locks.RedisAddr),
			RedisPassword: r.Locks.RedisPassword,
			RedisDB:       r.Locks.RedisDB,
			Namespace:     strings.TrimSpace(r.Locks.Namespace),
			JobLockTTL:    r.Locks.JobLockTTL.Duration,
		},
		Backfill: BackfillConfig{
			Enabled:                     r.Backfill.Enabled,
			MaxMessageAge:               r.Backfill.MaxMessageAge.Duration,
			ConsumerCount:               r.Backfill.ConsumerCount,
			RequeueDelays:               make([]time.Duration, 0, len(r.Backfill.RequeueDelays)),
			DedupTTL:                    r.Backfill.DedupTTL.Duration,
			MaxEnqueuesPerSitePerMinute: r.Backfill.MaxEnqueuesPerSitePerMinute,
			QueueBuffer:                 r.Backfill.QueueBuffer,
		},
		Exporter: ExporterConfig{
			RefreshInterval: r.Exporter.RefreshInterval.Duration,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for _, site := range r.Sites {
		cfg.Sites = append(cfg.Sites, SiteConfig{
			SiteID:  strings.TrimSpace(site.SiteID),
			Brand:   strings.ToLower(strings.TrimSpace(site.Brand)),
			Surface: strings.ToLower(strings.TrimSpace(site.Surface)),
			Name:    strings.TrimSpace(site.Name),
		})
	}
	seenMetrics := make(map[sourceapi.Metric]bool, len(r.Metrics))
	for i, rawMetric := range r.Metrics {
		metric, err := sourceapi.ParseMetric(rawMetric)
		if err != nil {
			errs = append(errs, fmt.Sprintf("metrics[%d]: %v", i, err))
			continue
		}
		if seenMetrics[metric] {
			continue
		}
		seenMetrics[metric] = true
		cfg.Metrics = append(cfg.Metrics, metric)
	}
	for _, delay := range r.Backfill.RequeueDelays {
		cfg.Backfill.RequeueDelays = append(cfg.Backfill.RequeueDelays, delay.Duration)
	}

	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}
