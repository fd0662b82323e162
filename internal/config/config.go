// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/phuongnt-git/truyengg-sub001/internal/extractor/api"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor/html"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	DB       DBConfig                `mapstructure:"db"`
	Storage  StorageConfig           `mapstructure:"storage"`
	PubSub   PubSubConfig            `mapstructure:"pubsub"`
	HTTP     HTTPConfig              `mapstructure:"http"`
	Dispatch DispatchConfig          `mapstructure:"dispatch"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Sources  map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects and parameterizes the image object store.
type StorageConfig struct {
	// Backend is "gcs" or "local".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project id disables the sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// DispatchConfig governs the queue processor.
type DispatchConfig struct {
	ClaimBatch           int `mapstructure:"claim_batch"`
	SystemCeiling        int `mapstructure:"system_ceiling"`
	OperatorCeiling      int `mapstructure:"operator_ceiling"`
	DrainIntervalSeconds int `mapstructure:"drain_interval_seconds"`
	MaxRetries           int `mapstructure:"max_retries"`
	RetryBaseSeconds     int `mapstructure:"retry_base_seconds"`
	RetryMaxSeconds      int `mapstructure:"retry_max_seconds"`
	SignalRevalidateSec  int `mapstructure:"signal_revalidate_seconds"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig binds one source domain to its extraction protocol. The map
// key is a free-form label; the domain lives in its own field because Viper
// treats dots in keys as nesting.
type SourceConfig struct {
	Domain string `mapstructure:"domain"`
	// Kind is "html" or "api".
	Kind      string         `mapstructure:"kind"`
	Selectors html.Selectors `mapstructure:"selectors"`
	Endpoints api.Endpoints  `mapstructure:"endpoints"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "./data/images")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; truyengg-crawler/1.0)")
	v.SetDefault("dispatch.claim_batch", 10)
	v.SetDefault("dispatch.system_ceiling", 25)
	v.SetDefault("dispatch.operator_ceiling", 5)
	v.SetDefault("dispatch.drain_interval_seconds", 300)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_base_seconds", 30)
	v.SetDefault("dispatch.retry_max_seconds", 900)
	v.SetDefault("dispatch.signal_revalidate_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("sources.truyengg.domain", "truyengg.com")
	v.SetDefault("sources.truyengg.kind", "html")
	v.SetDefault("sources.truyengg.selectors.comic_link", "div.item_home a.book_avatar")
	v.SetDefault("sources.truyengg.selectors.comic_name", "h1.title-detail")
	v.SetDefault("sources.truyengg.selectors.origin_name", "li.othername h2")
	v.SetDefault("sources.truyengg.selectors.author", "li.author p.col-xs-8")
	v.SetDefault("sources.truyengg.selectors.alt_names", "li.othername h2")
	v.SetDefault("sources.truyengg.selectors.cover_image", "div.col-image img")
	v.SetDefault("sources.truyengg.selectors.chapter_link", "div.list_chapter a")
	v.SetDefault("sources.truyengg.selectors.chapter_image", "div.page-chapter img")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Dispatch.ClaimBatch <= 0 {
		return fmt.Errorf("dispatch.claim_batch must be > 0")
	}
	if c.Dispatch.SystemCeiling < c.Dispatch.OperatorCeiling {
		return fmt.Errorf("dispatch.system_ceiling must be >= dispatch.operator_ceiling")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs or local, got %q", c.Storage.Backend)
	}
	for label, src := range c.Sources {
		if src.Domain == "" {
			return fmt.Errorf("sources.%s.domain must be set", label)
		}
		if src.Kind != "html" && src.Kind != "api" {
			return fmt.Errorf("sources.%s.kind must be html or api, got %q", label, src.Kind)
		}
	}
	return nil
}

// DrainInterval converts the configured sweep interval into a duration.
func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.Dispatch.DrainIntervalSeconds) * time.Second
}

// FetchTimeout converts the configured HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryBase converts the configured retry base delay into a duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Dispatch.RetryBaseSeconds) * time.Second
}

// RetryMax converts the configured retry delay cap into a duration.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Dispatch.RetryMaxSeconds) * time.Second
}

// SignalRevalidate converts the signal revalidation window into a duration.
func (c Config) SignalRevalidate() time.Duration {
	return time.Duration(c.Dispatch.SignalRevalidateSec) * time.Second
}
