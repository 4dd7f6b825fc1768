package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gammaflow    GammaflowConfig    `yaml:"gammaflow"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Feed         FeedConfig         `yaml:"feed"`
	Chains       []ChainConfig      `yaml:"chains"`
	Greeks       GreeksConfig       `yaml:"greeks"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
	Store        StoreConfig        `yaml:"store"`
	Alert        AlertConfig        `yaml:"alert"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Writer       WriterConfig       `yaml:"writer"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type GammaflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	EventBuffer    int `yaml:"event_buffer"`
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

type FeedConfig struct {
	URL                    string        `yaml:"url"`
	AckTimeout             time.Duration `yaml:"ack_timeout"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	SubscribeChunkSize     int           `yaml:"subscribe_chunk_size"`
	UnsubscribeChunkSize   int           `yaml:"unsubscribe_chunk_size"`
	InterChunkDelay        time.Duration `yaml:"inter_chunk_delay"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	StaleMultiplier        int           `yaml:"stale_multiplier"`
	ReconnectInterval      time.Duration `yaml:"reconnect_interval"`
}

// ChainConfig describes one option chain to subscribe and aggregate.
// Expiry is a calendar date in 2006-01-02 form.
type ChainConfig struct {
	Symbol      string  `yaml:"symbol"`
	Expiry      string  `yaml:"expiry"`
	StrikeRange float64 `yaml:"strike_range"`
	Spacing     float64 `yaml:"spacing"`
}

// ExpiryDate parses the configured expiry.
func (c ChainConfig) ExpiryDate() (time.Time, error) {
	return time.Parse("2006-01-02", c.Expiry)
}

type GreeksConfig struct {
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	DividendYield float64 `yaml:"dividend_yield"`
}

type AggregatorConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type StoreConfig struct {
	Quotes   QuoteStoreConfig    `yaml:"quotes"`
	Retained RetainedStoreConfig `yaml:"retained"`
}

type QuoteStoreConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type RetainedStoreConfig struct {
	Path            string        `yaml:"path"`
	MaxBytes        int64         `yaml:"max_bytes"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type AlertConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WebhookURL     string        `yaml:"webhook_url"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
	WarmupPeriod   time.Duration `yaml:"warmup_period"`
	Cooldown       time.Duration `yaml:"cooldown"`
	GammaThreshold float64       `yaml:"gamma_threshold"`
	VannaThreshold float64       `yaml:"vanna_threshold"`
	CharmThreshold float64       `yaml:"charm_threshold"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type OrchestratorConfig struct {
	MaxWorkers            int           `yaml:"max_workers"`
	QueueWarningThreshold int           `yaml:"queue_warning_threshold"`
	AsyncTaskTimeout      time.Duration `yaml:"async_task_timeout"`
	SummaryInterval       time.Duration `yaml:"summary_interval"`
}

type WriterConfig struct {
	Enabled       bool               `yaml:"enabled"`
	MaxWorkers    int                `yaml:"max_workers"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
	Parquet       ParquetConfig      `yaml:"parquet"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Writer.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("GAMMAFLOW_WEBHOOK_URL"); v != "" {
		config.Alert.WebhookURL = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Gammaflow.Name == "" {
		return fmt.Errorf("gammaflow.name is required")
	}
	if cfg.Gammaflow.Version == "" {
		return fmt.Errorf("gammaflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if cfg.Feed.SubscribeChunkSize <= 0 {
		return fmt.Errorf("feed.subscribe_chunk_size must be greater than 0")
	}
	if cfg.Feed.UnsubscribeChunkSize <= 0 {
		return fmt.Errorf("feed.unsubscribe_chunk_size must be greater than 0")
	}
	if cfg.Feed.HeartbeatInterval <= 0 {
		return fmt.Errorf("feed.heartbeat_interval must be greater than 0")
	}
	if cfg.Feed.HeartbeatCheckInterval <= 0 {
		return fmt.Errorf("feed.heartbeat_check_interval must be greater than 0")
	}
	if cfg.Feed.StaleMultiplier <= 0 {
		return fmt.Errorf("feed.stale_multiplier must be greater than 0")
	}
	if cfg.Feed.ReconnectInterval <= 0 {
		return fmt.Errorf("feed.reconnect_interval must be greater than 0")
	}

	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	for i, chain := range cfg.Chains {
		if chain.Symbol == "" {
			return fmt.Errorf("chains[%d].symbol is required", i)
		}
		if _, err := chain.ExpiryDate(); err != nil {
			return fmt.Errorf("chains[%d].expiry is invalid: %w", i, err)
		}
		if chain.StrikeRange <= 0 {
			return fmt.Errorf("chains[%d].strike_range must be greater than 0", i)
		}
		if chain.Spacing <= 0 {
			return fmt.Errorf("chains[%d].spacing must be greater than 0", i)
		}
	}

	if cfg.Aggregator.RefreshInterval <= 0 {
		return fmt.Errorf("aggregator.refresh_interval must be greater than 0")
	}

	if cfg.Store.Quotes.Path == "" {
		return fmt.Errorf("store.quotes.path is required")
	}
	if cfg.Store.Retained.Path == "" {
		return fmt.Errorf("store.retained.path is required")
	}
	if cfg.Store.Retained.Retention <= 0 {
		return fmt.Errorf("store.retained.retention must be greater than 0")
	}
	if cfg.Store.Retained.CleanupInterval <= 0 {
		return fmt.Errorf("store.retained.cleanup_interval must be greater than 0")
	}

	if cfg.Orchestrator.MaxWorkers <= 0 {
		return fmt.Errorf("orchestrator.max_workers must be greater than 0")
	}
	if cfg.Orchestrator.AsyncTaskTimeout <= 0 {
		return fmt.Errorf("orchestrator.async_task_timeout must be greater than 0")
	}

	if cfg.Alert.Enabled && cfg.Alert.WebhookURL == "" {
		return fmt.Errorf("alert.webhook_url is required when alerting is enabled")
	}

	if cfg.Writer.Enabled {
		if cfg.Writer.FlushInterval <= 0 {
			return fmt.Errorf("writer.flush_interval must be greater than 0 when the writer is enabled")
		}
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when the writer is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when the writer is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when the writer is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
