// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/tabcrawler/internal/filters"
	"github.com/JakeFAU/tabcrawler/internal/storage/local"
)

// EnvPrefix prefixes every environment override, e.g. TABCRAWLER_CRAWLER_MAX_TABS.
const EnvPrefix = "TABCRAWLER"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Collector CollectorConfig `mapstructure:"collector"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig governs batch execution.
type CrawlerConfig struct {
	MaxTabs               int     `mapstructure:"max_tabs"`
	TimeoutSeconds        int     `mapstructure:"timeout_seconds"`
	CaptureTimeoutSeconds int     `mapstructure:"capture_timeout_seconds"`
	URLList               string  `mapstructure:"url_list"`
	MaxRounds             int     `mapstructure:"max_rounds"`
	PerHostRPS            float64 `mapstructure:"per_host_rps"`
	Warm                  bool    `mapstructure:"warm"`
}

// BrowserConfig controls how Chrome is launched.
type BrowserConfig struct {
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	UserAgent         string `mapstructure:"user_agent"`
	WindowWidth       int    `mapstructure:"window_width"`
	WindowHeight      int    `mapstructure:"window_height"`
	ScreenshotQuality int    `mapstructure:"screenshot_quality"`
	NoSandbox         bool   `mapstructure:"no_sandbox"`
}

// CollectorConfig describes the collector a crawler reports to, or the one this
// process serves.
type CollectorConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	MaxBodyMB      int    `mapstructure:"max_body_mb"`
	ReportTimeout  int    `mapstructure:"report_timeout_seconds"`
	ExitWhenDone   bool   `mapstructure:"exit_when_done"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// StorageConfig selects where collector artifacts go.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// DBConfig controls the optional Postgres record table.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for saved-record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// FiltersConfig lists the ad-block filter lists applied to every tab.
type FiltersConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	Lists                  []string `mapstructure:"lists"`
	DownloadTimeoutSeconds int      `mapstructure:"download_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and the environment.
// v may carry flag bindings; nil uses a fresh instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

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

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("crawler.max_tabs", 15)
	v.SetDefault("crawler.timeout_seconds", 300)
	v.SetDefault("crawler.capture_timeout_seconds", 30)
	v.SetDefault("crawler.max_rounds", 3)
	v.SetDefault("crawler.per_host_rps", 0)
	v.SetDefault("crawler.warm", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.screenshot_quality", 80)
	v.SetDefault("collector.host", "127.0.0.1")
	v.SetDefault("collector.port", 0)
	v.SetDefault("collector.max_body_mb", 64)
	v.SetDefault("collector.report_timeout_seconds", 60)
	v.SetDefault("collector.request_timeout_seconds", 60)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "out")
	v.SetDefault("db.table", "crawl_records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("filters.enabled", false)
	v.SetDefault("filters.lists", filters.DefaultLists)
	v.SetDefault("filters.download_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Crawler.MaxTabs <= 0 {
		errs = append(errs, fmt.Errorf("crawler.max_tabs must be > 0"))
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("crawler.timeout_seconds must be > 0"))
	}
	if c.Crawler.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("crawler.max_rounds must be > 0"))
	}
	if c.Crawler.PerHostRPS < 0 {
		errs = append(errs, fmt.Errorf("crawler.per_host_rps must be >= 0"))
	}
	if q := c.Browser.ScreenshotQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("browser.screenshot_quality must be between 1 and 100"))
	}
	if c.Collector.Port < 0 || c.Collector.Port > 65535 {
		errs = append(errs, fmt.Errorf("collector.port must be between 0 and 65535"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			errs = append(errs, fmt.Errorf("storage.local.base_dir must be set for the local backend"))
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if c.Filters.Enabled && len(c.Filters.Lists) == 0 {
		errs = append(errs, fmt.Errorf("filters.lists must not be empty when filters are enabled"))
	}
	return errors.Join(errs...)
}

// Timeout is the page load timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// CaptureTimeout bounds artifact capture after a load.
func (c Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Crawler.CaptureTimeoutSeconds) * time.Second
}

// ReportTimeout bounds one POST to the collector.
func (c Config) ReportTimeout() time.Duration {
	return time.Duration(c.Collector.ReportTimeout) * time.Second
}

// FilterDownloadTimeout bounds the download of one filter list.
func (c Config) FilterDownloadTimeout() time.Duration {
	return time.Duration(c.Filters.DownloadTimeoutSeconds) * time.Second
}
