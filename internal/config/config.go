// Package config loads and validates sitecrawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
	"github.com/JakeFAU/sitecrawler/internal/storage/sqlite"
)

// EnvPrefix namespaces environment overrides, e.g. SITECRAWLER_SERVER_PORT.
const EnvPrefix = "SITECRAWLER"

// Content and metadata backend names.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendPubSub   = "pubsub"
)

// Config captures all application configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig selects and tunes the page-loading backend.
type BrowserConfig struct {
	// Backend is auto, chrome, or static.
	Backend           string `mapstructure:"backend"`
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	NoSandbox         bool   `mapstructure:"no_sandbox"`
	UserAgent         string `mapstructure:"user_agent"`
	ViewportWidth     int    `mapstructure:"viewport_width"`
	ViewportHeight    int    `mapstructure:"viewport_height"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	BlockStylesheets  bool   `mapstructure:"block_stylesheets"`
	ClickSettleMs     int    `mapstructure:"click_settle_ms"`
}

// CrawlConfig holds run defaults that sources may override.
type CrawlConfig struct {
	SourcesDir         string  `mapstructure:"sources_dir"`
	MaxPagesDefault    int     `mapstructure:"max_pages_default"`
	DelaySeconds       float64 `mapstructure:"delay_seconds"`
	DetailConcurrency  int     `mapstructure:"detail_concurrency"`
	Performance        bool    `mapstructure:"performance"`
	ListingRetries     int     `mapstructure:"listing_retries"`
	RetryBackoffMs     int     `mapstructure:"retry_backoff_ms"`
	RetryBackoffMaxMs  int     `mapstructure:"retry_backoff_max_ms"`
	ResetThreshold     int     `mapstructure:"reset_threshold"`
	WaitTimeoutSeconds int     `mapstructure:"wait_timeout_seconds"`
	HashCacheSize      int     `mapstructure:"hash_cache_size"`
	// DetailRPS paces detail navigations per host. Zero disables pacing.
	DetailRPS   float64 `mapstructure:"detail_rps"`
	DetailBurst int     `mapstructure:"detail_burst"`
}

// StorageConfig selects the content and metadata backends.
type StorageConfig struct {
	Content  ContentConfig  `mapstructure:"content"`
	Metadata MetadataConfig `mapstructure:"metadata"`
}

// ContentConfig configures the blob store.
type ContentConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// MetadataConfig configures the session and item index.
type MetadataConfig struct {
	Backend  string          `mapstructure:"backend"`
	SQLite   sqlite.Config   `mapstructure:"sqlite"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// PublisherConfig selects where closed-session events go.
type PublisherConfig struct {
	// Backend is none or pubsub.
	Backend string        `mapstructure:"backend"`
	PubSub  pubsub.Config `mapstructure:"pubsub"`
}

// ServerConfig controls the query API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("browser.backend", "auto")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "sitecrawler/0.1")
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.block_stylesheets", false)
	v.SetDefault("browser.click_settle_ms", 500)
	v.SetDefault("crawl.sources_dir", "sources")
	v.SetDefault("crawl.max_pages_default", 0)
	v.SetDefault("crawl.delay_seconds", 1.0)
	v.SetDefault("crawl.detail_concurrency", 3)
	v.SetDefault("crawl.performance", false)
	v.SetDefault("crawl.listing_retries", 3)
	v.SetDefault("crawl.retry_backoff_ms", 250)
	v.SetDefault("crawl.retry_backoff_max_ms", 5000)
	v.SetDefault("crawl.reset_threshold", 3)
	v.SetDefault("crawl.wait_timeout_seconds", 10)
	v.SetDefault("crawl.hash_cache_size", 4096)
	v.SetDefault("crawl.detail_rps", 0.0)
	v.SetDefault("crawl.detail_burst", 1)
	v.SetDefault("storage.content.backend", BackendLocal)
	v.SetDefault("storage.content.local.base_dir", "data/content")
	v.SetDefault("storage.content.gcs.bucket", "")
	v.SetDefault("storage.content.gcs.prefix", "content")
	v.SetDefault("storage.metadata.backend", BackendSQLite)
	v.SetDefault("storage.metadata.sqlite.path", "data/sitecrawler.db")
	v.SetDefault("storage.metadata.postgres.dsn", "")
	v.SetDefault("storage.metadata.postgres.max_conns", 4)
	v.SetDefault("storage.metadata.postgres.min_conns", 0)
	v.SetDefault("storage.metadata.postgres.max_conn_lifetime", "30m")
	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("publisher.pubsub.topic", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits. Every problem is
// reported.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Browser.Backend) {
	case "auto", "chrome", "static":
	default:
		errs = append(errs, fmt.Errorf("browser.backend must be auto, chrome, or static, got %q", c.Browser.Backend))
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("browser.nav_timeout_seconds must be > 0"))
	}
	if c.Crawl.DetailConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("crawl.detail_concurrency must be > 0"))
	}
	if c.Crawl.DelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("crawl.delay_seconds must be >= 0"))
	}
	if c.Crawl.MaxPagesDefault < 0 {
		errs = append(errs, fmt.Errorf("crawl.max_pages_default must be >= 0"))
	}
	if c.Crawl.ListingRetries < 1 {
		errs = append(errs, fmt.Errorf("crawl.listing_retries must be >= 1"))
	}

	switch c.Storage.Content.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Content.Local.BaseDir == "" {
			errs = append(errs, fmt.Errorf("storage.content.local.base_dir must be set for the local backend"))
		}
	case BackendGCS:
		if c.Storage.Content.GCS.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.content.gcs.bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage.content.backend %q", c.Storage.Content.Backend))
	}

	switch c.Storage.Metadata.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Metadata.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.metadata.sqlite.path must be set for the sqlite backend"))
		}
	case BackendPostgres:
		if c.Storage.Metadata.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.metadata.postgres.dsn must be set for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage.metadata.backend %q", c.Storage.Metadata.Backend))
	}

	if c.Crawl.DetailRPS < 0 {
		errs = append(errs, fmt.Errorf("crawl.detail_rps must be >= 0"))
	}

	switch c.Publisher.Backend {
	case "", BackendNone:
	case BackendPubSub:
		if c.Publisher.PubSub.ProjectID == "" || c.Publisher.PubSub.Topic == "" {
			errs = append(errs, fmt.Errorf("publisher.pubsub.project_id and publisher.pubsub.topic must be set for the pubsub backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported publisher.backend %q", c.Publisher.Backend))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	return errors.Join(errs...)
}

// NavigationTimeout returns the per-page load budget.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// ClickSettle returns how long a click waits for the DOM to update.
func (c BrowserConfig) ClickSettle() time.Duration {
	return time.Duration(c.ClickSettleMs) * time.Millisecond
}

// Delay returns the default pause between listing pages.
func (c CrawlConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// Concurrency returns the detail worker count, raised to the performance
// tier when it is enabled.
func (c CrawlConfig) Concurrency() int {
	if c.Performance && c.DetailConcurrency < 8 {
		return 8
	}
	return c.DetailConcurrency
}

// WaitTimeout returns how long to wait for a container selector.
func (c CrawlConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// RetryBackoff returns the base and cap of the listing retry backoff.
func (c CrawlConfig) RetryBackoff() (base, limit time.Duration) {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond, time.Duration(c.RetryBackoffMaxMs) * time.Millisecond
}
