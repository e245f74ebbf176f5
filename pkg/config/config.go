package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultEnqueueBatchSize is the first-pass enqueue batch size.
	DefaultEnqueueBatchSize = 50

	// DefaultRetryBatchSize is the batch size for the single retry pass
	// over failed submissions.
	DefaultRetryBatchSize = 10

	// DefaultFailureLogCap bounds how many failed job specs are attached
	// to an enqueue integrity error.
	DefaultFailureLogCap = 10

	// DefaultStuckRunThreshold is how long a non-terminal run may go
	// without activity before the recovery engine treats it as stuck.
	DefaultStuckRunThreshold = "10m"

	// DefaultScanInterval is the period of the background recovery scan.
	DefaultScanInterval = "5m"

	// DefaultMaxJobRetries is the per-job retry budget inside the queue.
	DefaultMaxJobRetries = 2

	// DefaultProbeMaxTokens caps the target model's response per turn.
	DefaultProbeMaxTokens = 1000

	// DefaultSummarizeMaxTokens caps the summary model's response.
	DefaultSummarizeMaxTokens = 60

	// DefaultWorkerPollInterval is how often an idle worker re-checks
	// its provider queue when no activity signal arrives.
	DefaultWorkerPollInterval = "2s"

	// DefaultNATSSubject carries the fire-and-forget run activity signal.
	DefaultNATSSubject = "valuerank.activity"
)

// Config is the root configuration for valuerank.
type Config struct {
	Global       GlobalConfig              `yaml:"global" mapstructure:"global"`
	Database     DatabaseConfig            `yaml:"database" mapstructure:"database"`
	NATS         NATSConfig                `yaml:"nats,omitempty" mapstructure:"nats"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator" mapstructure:"orchestrator"`
	Providers    map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Models       []ModelConfig             `yaml:"models,omitempty" mapstructure:"models"`
	API          *APIConfig                `yaml:"api,omitempty" mapstructure:"api"`
	Archive      *ArchiveConfig            `yaml:"archive,omitempty" mapstructure:"archive"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// NATSConfig configures the optional run-activity signal. When disabled
// the orchestrator falls back to a noop notifier and workers rely on
// their poll interval alone.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url,omitempty" mapstructure:"url"`
	Subject string `yaml:"subject,omitempty" mapstructure:"subject"`
}

// OrchestratorConfig contains the orchestration and recovery calibration
// values. The batch sizes and the stuck threshold are empirically tuned;
// they are configuration, not derived values.
type OrchestratorConfig struct {
	EnqueueBatchSize   int    `yaml:"enqueue_batch_size,omitempty" mapstructure:"enqueue_batch_size"`
	RetryBatchSize     int    `yaml:"retry_batch_size,omitempty" mapstructure:"retry_batch_size"`
	FailureLogCap      int    `yaml:"failure_log_cap,omitempty" mapstructure:"failure_log_cap"`
	StuckRunThreshold  string `yaml:"stuck_run_threshold,omitempty" mapstructure:"stuck_run_threshold"`
	ScanInterval       string `yaml:"scan_interval,omitempty" mapstructure:"scan_interval"`
	ScanEnabled        bool   `yaml:"scan_enabled" mapstructure:"scan_enabled"`
	MaxJobRetries      int    `yaml:"max_job_retries,omitempty" mapstructure:"max_job_retries"`
	SummarizeEnabled   bool   `yaml:"summarize_enabled" mapstructure:"summarize_enabled"`
	SummarizeModel     string `yaml:"summarize_model,omitempty" mapstructure:"summarize_model"`
	ProbeMaxTokens     int    `yaml:"probe_max_tokens,omitempty" mapstructure:"probe_max_tokens"`
	SummarizeMaxTokens int    `yaml:"summarize_max_tokens,omitempty" mapstructure:"summarize_max_tokens"`
}

// ProviderConfig configures one upstream model provider. The map key in
// Config.Providers is the provider id and doubles as the provider's
// queue name; its worker concurrency and request rate are the only
// mechanism bounding that provider's load.
type ProviderConfig struct {
	Concurrency       int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	RequestsPerMinute int    `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
	APIKey            string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL           string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	PollInterval      string `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
}

// ModelConfig seeds one entry of the model registry.
type ModelConfig struct {
	ID                 string `yaml:"id" mapstructure:"id"`
	Provider           string `yaml:"provider,omitempty" mapstructure:"provider"`
	Active             *bool  `yaml:"active,omitempty" mapstructure:"active"`
	PromptMilliCents1M int64  `yaml:"prompt_milli_cents_1m,omitempty" mapstructure:"prompt_milli_cents_1m"`
	OutputMilliCents1M int64  `yaml:"output_milli_cents_1m,omitempty" mapstructure:"output_milli_cents_1m"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// ArchiveConfig configures the transcript archive backend.
type ArchiveConfig struct {
	S3 *S3ArchiveConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3 settings for archiving run transcripts.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads and parses a configuration file from the given path.
// Environment variables prefixed with VALUERANK_ override file values
// (e.g. VALUERANK_DATABASE_DRIVER).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VALUERANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults sets default values for unspecified configuration options.
func (c *Config) ApplyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "./valuerank.db"
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}

	o := &c.Orchestrator
	if o.EnqueueBatchSize <= 0 {
		o.EnqueueBatchSize = DefaultEnqueueBatchSize
	}

	if o.RetryBatchSize <= 0 {
		o.RetryBatchSize = DefaultRetryBatchSize
	}

	if o.FailureLogCap <= 0 {
		o.FailureLogCap = DefaultFailureLogCap
	}

	if o.StuckRunThreshold == "" {
		o.StuckRunThreshold = DefaultStuckRunThreshold
	}

	if o.ScanInterval == "" {
		o.ScanInterval = DefaultScanInterval
	}

	if o.MaxJobRetries <= 0 {
		o.MaxJobRetries = DefaultMaxJobRetries
	}

	if o.ProbeMaxTokens <= 0 {
		o.ProbeMaxTokens = DefaultProbeMaxTokens
	}

	if o.SummarizeMaxTokens <= 0 {
		o.SummarizeMaxTokens = DefaultSummarizeMaxTokens
	}

	for id, p := range c.Providers {
		if p.Concurrency <= 0 {
			p.Concurrency = 1
		}

		if p.PollInterval == "" {
			p.PollInterval = DefaultWorkerPollInterval
		}

		c.Providers[id] = p
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	for _, d := range []struct {
		name, value string
	}{
		{"orchestrator.stuck_run_threshold", c.Orchestrator.StuckRunThreshold},
		{"orchestrator.scan_interval", c.Orchestrator.ScanInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
	}

	if c.Orchestrator.SummarizeEnabled && c.Orchestrator.SummarizeModel == "" {
		return fmt.Errorf("orchestrator.summarize_model is required when summarization is enabled")
	}

	for id, p := range c.Providers {
		if id == "" {
			return fmt.Errorf("provider id must not be empty")
		}

		if _, err := time.ParseDuration(p.PollInterval); err != nil {
			return fmt.Errorf("provider %q: parsing poll_interval: %w", id, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Models))

	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d: id is required", i)
		}

		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("model %d: duplicate id %q", i, m.ID)
		}

		seen[m.ID] = struct{}{}
	}

	if c.Archive != nil && c.Archive.S3 != nil && c.Archive.S3.Enabled {
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when s3 archiving is enabled")
		}
	}

	return nil
}

// StuckThreshold returns the parsed stuck-run threshold. Validate has
// already rejected unparsable values.
func (o *OrchestratorConfig) StuckThreshold() time.Duration {
	d, _ := time.ParseDuration(o.StuckRunThreshold)

	return d
}

// ScanPeriod returns the parsed recovery scan interval.
func (o *OrchestratorConfig) ScanPeriod() time.Duration {
	d, _ := time.ParseDuration(o.ScanInterval)

	return d
}
