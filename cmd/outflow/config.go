package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outflowhq/outflow/internal/alert"
	"github.com/outflowhq/outflow/internal/archive"
	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/engine"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/scheduler"
	"github.com/outflowhq/outflow/pkg/schema"
)

// Config holds all outflow daemon configuration.
// Priority: env vars > config.yaml > defaults. Zero-valued tuning knobs
// fall through to each package's own defaults.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Guard     GuardConfig     `yaml:"guard"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Provider  ProviderConfig  `yaml:"provider"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Alert     AlertConfig     `yaml:"alert"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // libsql or postgres
	DBPath string `yaml:"db_path"`
	URL    string `yaml:"url"`
}

// EngineConfig tunes the sweep executor.
type EngineConfig struct {
	PoolSize   int `yaml:"pool_size"`
	SweepBatch int `yaml:"sweep_batch"`
}

// SchedulerConfig holds the periodic-pass cron expressions.
type SchedulerConfig struct {
	SweepCron    string `yaml:"sweep_cron"`
	RecoveryCron string `yaml:"recovery_cron"`
	TickInterval string `yaml:"tick_interval"`
	RunTimeout   string `yaml:"run_timeout"`
}

// QueueConfig tunes the delayed-job consumer.
type QueueConfig struct {
	PollInterval string `yaml:"poll_interval"`
	BatchSize    int    `yaml:"batch_size"`
	MaxAttempts  int    `yaml:"max_attempts"`
	RetryDelay   string `yaml:"retry_delay"`
}

// GuardConfig tunes the dispatch guard and its counter backend.
type GuardConfig struct {
	RedisURL         string `yaml:"redis_url"` // empty keeps counters in-process
	PerSecond        int64  `yaml:"per_second"`
	PerMinute        int64  `yaml:"per_minute"`
	FailureThreshold int64  `yaml:"failure_threshold"`
	FailureWindow    string `yaml:"failure_window"`
	OpenCooldown     string `yaml:"open_cooldown"`
	BackoffBase      string `yaml:"backoff_base"`
}

// RecoveryConfig tunes stuck-stage recovery.
type RecoveryConfig struct {
	InactivityWindow string `yaml:"inactivity_window"`
	QueueDepthLimit  int    `yaml:"queue_depth_limit"`
	Batch            int    `yaml:"batch"`
}

// ProviderConfig selects the send provider.
type ProviderConfig struct {
	Mode     string                   `yaml:"mode"` // http or log
	Timeout  string                   `yaml:"timeout"`
	Channels map[string]ChannelConfig `yaml:"channels"`
}

// ChannelConfig is one channel's delivery endpoint.
type ChannelConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MetricsConfig points at the engagement-tracking backend.
type MetricsConfig struct {
	Endpoint string            `yaml:"endpoint"` // empty uses the static dev provider
	Token    string            `yaml:"token"`
	Timeout  string            `yaml:"timeout"`
	Paths    map[string]string `yaml:"paths"`
}

// ArchiveConfig points at the S3-compatible dispatch archive.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"` // empty disables archiving
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// AlertConfig adds a webhook receiver next to the log notifier.
type AlertConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"webhook_token"`
	Timeout      string `yaml:"timeout"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.LogLevel = "info"
	cfg.Store.Driver = "libsql"
	cfg.Store.DBPath = filepath.Join(outflowDir(), "outflow.db")
	cfg.Scheduler.SweepCron = "* * * * *"
	cfg.Scheduler.RecoveryCron = "*/10 * * * *"
	cfg.Provider.Mode = "log"
	return cfg
}

func outflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".outflow"
	}
	return filepath.Join(home, ".outflow")
}

func configPath() string {
	if v := os.Getenv("OUTFLOW_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(outflowDir(), "config.yaml")
}

func loadConfig(path string) Config {
	cfg := defaultConfig()

	// Layer 2: config.yaml (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("OUTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OUTFLOW_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("OUTFLOW_DB_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("OUTFLOW_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("OUTFLOW_DB_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("OUTFLOW_REDIS_URL"); v != "" {
		cfg.Guard.RedisURL = v
	}
	if v := os.Getenv("OUTFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.PoolSize = n
		}
	}
	if v := os.Getenv("OUTFLOW_SWEEP_CRON"); v != "" {
		cfg.Scheduler.SweepCron = v
	}
	if v := os.Getenv("OUTFLOW_RECOVERY_CRON"); v != "" {
		cfg.Scheduler.RecoveryCron = v
	}
	if v := os.Getenv("OUTFLOW_RUN_TIMEOUT"); v != "" {
		cfg.Scheduler.RunTimeout = v
	}
	if v := os.Getenv("OUTFLOW_PROVIDER_MODE"); v != "" {
		cfg.Provider.Mode = v
	}
	if v := os.Getenv("OUTFLOW_METRICS_ENDPOINT"); v != "" {
		cfg.Metrics.Endpoint = v
	}
	if v := os.Getenv("OUTFLOW_METRICS_TOKEN"); v != "" {
		cfg.Metrics.Token = v
	}
	if v := os.Getenv("OUTFLOW_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("OUTFLOW_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("OUTFLOW_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("OUTFLOW_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("OUTFLOW_ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alert.WebhookURL = v
	}
	if v := os.Getenv("OUTFLOW_ALERT_WEBHOOK_TOKEN"); v != "" {
		cfg.Alert.WebhookToken = v
	}

	return cfg
}

// duration parses a config duration, returning zero (package default)
// when unset or malformed.
func duration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// checkParamKey maps a config file metric key to its canonical check
// parameter, so "views" and "Views" select the same override.
func checkParamKey(s string) schema.CheckParam {
	switch strings.ToLower(s) {
	case "views":
		return schema.ParamViews
	case "clicks":
		return schema.ParamClicks
	case "bounces":
		return schema.ParamBounces
	case "unsubscribes":
		return schema.ParamUnsubscribes
	default:
		return schema.CheckParam(s)
	}
}

func (c Config) executorConfig() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		PoolSize:   c.Engine.PoolSize,
		SweepBatch: c.Engine.SweepBatch,
	}
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		TickInterval: duration(c.Scheduler.TickInterval),
		RunTimeout:   duration(c.Scheduler.RunTimeout),
	}
}

func (c Config) consumerConfig() queue.ConsumerConfig {
	return queue.ConsumerConfig{
		PollInterval: duration(c.Queue.PollInterval),
		BatchSize:    c.Queue.BatchSize,
		MaxAttempts:  c.Queue.MaxAttempts,
		RetryDelay:   duration(c.Queue.RetryDelay),
	}
}

func (c Config) guardConfig() dispatch.GuardConfig {
	return dispatch.GuardConfig{
		PerSecond:        c.Guard.PerSecond,
		PerMinute:        c.Guard.PerMinute,
		FailureThreshold: c.Guard.FailureThreshold,
		FailureWindow:    duration(c.Guard.FailureWindow),
		OpenCooldown:     duration(c.Guard.OpenCooldown),
		BackoffBase:      duration(c.Guard.BackoffBase),
	}
}

func (c Config) recoveryConfig() engine.RecoveryConfig {
	return engine.RecoveryConfig{
		InactivityWindow: duration(c.Recovery.InactivityWindow),
		QueueDepthLimit:  c.Recovery.QueueDepthLimit,
		Batch:            c.Recovery.Batch,
	}
}

func (c Config) providerConfig() dispatch.HTTPProviderConfig {
	endpoints := make(map[string]dispatch.ChannelEndpoint, len(c.Provider.Channels))
	for ch, e := range c.Provider.Channels {
		endpoints[ch] = dispatch.ChannelEndpoint{URL: e.URL, Token: e.Token}
	}
	return dispatch.HTTPProviderConfig{
		Endpoints: endpoints,
		Timeout:   duration(c.Provider.Timeout),
	}
}

func (c Config) metricsConfig() metrics.HTTPConfig {
	paths := make(map[schema.CheckParam]string, len(c.Metrics.Paths))
	for p, expr := range c.Metrics.Paths {
		paths[checkParamKey(p)] = expr
	}
	return metrics.HTTPConfig{
		Endpoint: c.Metrics.Endpoint,
		Token:    c.Metrics.Token,
		Timeout:  duration(c.Metrics.Timeout),
		Paths:    paths,
	}
}

func (c Config) archiveConfig() archive.MinIOConfig {
	return archive.MinIOConfig{
		Endpoint:  c.Archive.Endpoint,
		AccessKey: c.Archive.AccessKey,
		SecretKey: c.Archive.SecretKey,
		Bucket:    c.Archive.Bucket,
		Region:    c.Archive.Region,
		UseSSL:    c.Archive.UseSSL,
	}
}

func (c Config) webhookConfig() alert.WebhookConfig {
	return alert.WebhookConfig{
		URL:     c.Alert.WebhookURL,
		Token:   c.Alert.WebhookToken,
		Timeout: duration(c.Alert.Timeout),
	}
}
