package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yml"

type Config struct {
	Liqflow  LiqflowConfig  `yaml:"liqflow"`
	Symbol   string         `yaml:"symbol"`
	Feed     FeedConfig     `yaml:"feed"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Channels ChannelsConfig `yaml:"channels"`
	Seed     SeedConfig     `yaml:"seed"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type LiqflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	Provider         string        `yaml:"provider"`
	URL              string        `yaml:"url"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ContractSize converts OKX contract counts to base units.
	ContractSize string        `yaml:"contract_size"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// ContractSizeDecimal parses ContractSize, defaulting to 1.
func (f FeedConfig) ContractSizeDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(f.ContractSize))
	if err != nil || !d.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return d
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     bool          `yaml:"jitter"`
	// ResetAfter is how long a session must stay up before the delay drops
	// back to Initial. Zero means the heartbeat timeout.
	ResetAfter time.Duration `yaml:"reset_after"`
}

type LedgerConfig struct {
	RetentionHorizon time.Duration `yaml:"retention_horizon"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
}

type ChannelsConfig struct {
	RawBuffer     int `yaml:"raw_buffer"`
	ArchiveBuffer int `yaml:"archive_buffer"`
}

// SeedConfig drives the REST history reader that fills the ledger before the
// live feed starts.
type SeedConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	Limit             int           `yaml:"limit"`
	Chunk             time.Duration `yaml:"chunk"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	TimeFormat    string        `yaml:"time_format"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	Prometheus     PrometheusConfig `yaml:"prometheus"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Liqflow: LiqflowConfig{Name: "liqflow", Version: "dev"},
		Symbol:  "BTCUSDT",
		Feed: FeedConfig{
			Provider:         "binance",
			HeartbeatTimeout: 35 * time.Second,
			PingInterval:     20 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ContractSize:     "1",
			Backoff: BackoffConfig{
				Initial:    500 * time.Millisecond,
				Max:        30 * time.Second,
				Multiplier: 2,
				Jitter:     true,
				ResetAfter: 30 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			RetentionHorizon: 24 * time.Hour,
			PruneInterval:    5 * time.Second,
		},
		Channels: ChannelsConfig{RawBuffer: 1024, ArchiveBuffer: 1024},
		Seed: SeedConfig{
			URL:               "https://fapi.binance.com/fapi/v1/allForceOrders",
			Limit:             1000,
			Chunk:             time.Hour,
			RequestsPerSecond: 2,
			Timeout:           10 * time.Second,
		},
		Archive: ArchiveConfig{
			BatchSize:     500,
			FlushInterval: time.Minute,
			TimeFormat:    "date={year}-{month}-{day}/hour={hour}",
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			Prometheus:     PrometheusConfig{Address: "0.0.0.0:2112"},
			CloudWatch:     CloudWatchConfig{Namespace: "Liqflow", Dashboard: "Liqflow"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	config.Symbol = strings.ToUpper(strings.TrimSpace(config.Symbol))
	config.Feed.Provider = strings.ToLower(strings.TrimSpace(config.Feed.Provider))
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(config *Config) {
	if v := os.Getenv("LIQFLOW_SYMBOL"); v != "" {
		config.Symbol = v
	}
	if v := os.Getenv("LIQFLOW_FEED_PROVIDER"); v != "" {
		config.Feed.Provider = v
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
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
}

var providers = map[string]struct{}{"binance": {}, "bybit": {}, "okx": {}}

func validateConfig(cfg *Config) error {
	if cfg.Liqflow.Name == "" {
		return fmt.Errorf("liqflow.name is required")
	}
	if cfg.Liqflow.Version == "" {
		return fmt.Errorf("liqflow.version is required")
	}
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	if _, ok := providers[cfg.Feed.Provider]; !ok {
		return fmt.Errorf("feed.provider '%s' is not supported", cfg.Feed.Provider)
	}
	if cfg.Feed.HeartbeatTimeout <= 0 {
		return fmt.Errorf("feed.heartbeat_timeout must be greater than 0")
	}
	if cfg.Feed.PingInterval <= 0 || cfg.Feed.PingInterval >= cfg.Feed.HeartbeatTimeout {
		return fmt.Errorf("feed.ping_interval must be greater than 0 and below feed.heartbeat_timeout")
	}
	if cfg.Feed.HandshakeTimeout <= 0 {
		return fmt.Errorf("feed.handshake_timeout must be greater than 0")
	}
	if cfg.Feed.ContractSize != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(cfg.Feed.ContractSize)); err != nil || !d.IsPositive() {
			return fmt.Errorf("feed.contract_size '%s' must be a positive number", cfg.Feed.ContractSize)
		}
	}
	b := cfg.Feed.Backoff
	if b.Initial <= 0 || b.Max < b.Initial {
		return fmt.Errorf("feed.backoff requires 0 < initial <= max")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("feed.backoff.multiplier must be at least 1")
	}
	if b.ResetAfter < 0 {
		return fmt.Errorf("feed.backoff.reset_after must not be negative")
	}

	if cfg.Ledger.RetentionHorizon < time.Millisecond {
		return fmt.Errorf("ledger.retention_horizon must be greater than 0")
	}
	if cfg.Ledger.PruneInterval <= 0 {
		return fmt.Errorf("ledger.prune_interval must be greater than 0")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Archive.Enabled && cfg.Channels.ArchiveBuffer <= 0 {
		return fmt.Errorf("channels.archive_buffer must be greater than 0 when archive is enabled")
	}

	if cfg.Seed.Enabled {
		// the force-order history endpoint and its symbols are Binance's
		if cfg.Feed.Provider != "binance" {
			return fmt.Errorf("seed.enabled requires feed.provider 'binance', got '%s'", cfg.Feed.Provider)
		}
		if cfg.Seed.URL == "" {
			return fmt.Errorf("seed.url is required when seeding is enabled")
		}
		if cfg.Seed.Limit <= 0 {
			return fmt.Errorf("seed.limit must be greater than 0")
		}
		if cfg.Seed.Chunk <= 0 {
			return fmt.Errorf("seed.chunk must be greater than 0")
		}
		if cfg.Seed.RequestsPerSecond <= 0 {
			return fmt.Errorf("seed.requests_per_second must be greater than 0")
		}
	}

	if cfg.Archive.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("archive requires storage.s3.enabled")
		}
		if cfg.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.batch_size must be greater than 0")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Metrics.Prometheus.Enabled && cfg.Metrics.Prometheus.Address == "" {
		return fmt.Errorf("metrics.prometheus.address is required when prometheus is enabled")
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
