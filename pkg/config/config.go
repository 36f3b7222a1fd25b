// Package config loads and validates pipeline configuration from YAML files
// with environment-variable overrides. A loaded Config is treated as
// immutable once validated; constructors share one *Config and never modify it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Gates    GatesConfig    `yaml:"gates"`
	Commands CommandsConfig `yaml:"commands"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Trainer  TrainerConfig  `yaml:"trainer"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Execution modes.
const (
	ExecLocal   = "local"
	ExecProcess = "process"
)

// PipelineConfig holds the shard layout, worker counts and queue sizing.
type PipelineConfig struct {
	BaseDir       string        `yaml:"baseDir"`
	Splits        int           `yaml:"splits"`
	Workers       int           `yaml:"workers"`
	Exec          string        `yaml:"exec"`
	QueueCapacity int           `yaml:"queueCapacity"`
	FillThreshold int           `yaml:"fillThreshold"`
	PopTimeout    time.Duration `yaml:"popTimeout"`
	FillPoll      time.Duration `yaml:"fillPoll"`
	ArtifactPoll  time.Duration `yaml:"artifactPoll"`
	TokenPoll     time.Duration `yaml:"tokenPoll"`
	Sentinels     bool          `yaml:"sentinels"`
	ProgressEvery int           `yaml:"progressEvery"`
	Mirrors       []string      `yaml:"mirrors"`
}

// GatesConfig sets the per-stage concurrency limits.
type GatesConfig struct {
	Download int `yaml:"download"`
	Extract  int `yaml:"extract"`
	Convert  int `yaml:"convert"`
}

// CommandsConfig holds the shell templates for the external tools. Templates
// use text/template syntax over stage.CommandArgs.
type CommandsConfig struct {
	Download         string        `yaml:"download"`
	Extract          string        `yaml:"extract"`
	AttemptTimeout   time.Duration `yaml:"attemptTimeout"`
	CommandTimeout   time.Duration `yaml:"commandTimeout"`
	DownloadAttempts int           `yaml:"downloadAttempts"`
}

// CleanupConfig toggles deletion of consumed intermediates.
type CleanupConfig struct {
	Compressed   bool `yaml:"compressed"`
	Decompressed bool `yaml:"decompressed"`
	Text         bool `yaml:"text"`
}

// TrainerConfig controls the external vocabulary trainer.
type TrainerConfig struct {
	Command         []string `yaml:"command"`
	VocabSize       int      `yaml:"vocabSize"`
	CacheCapacity   int      `yaml:"cacheCapacity"`
	ModelPath       string   `yaml:"modelPath"`
	PrettyModelPath string   `yaml:"prettyModelPath"`
}

// PostgresConfig holds PostgreSQL connection parameters for the shard ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings for shard events.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	EventsTopic   string   `yaml:"eventsTopic"`
}

// RedisConfig holds Redis connection parameters and key names for the
// shared gates and queue used in process mode.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config matching the reference corpus layout: 30 shards
// on two mirrors, 16-way CPU parallelism, 2 concurrent downloads.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			BaseDir:       "data",
			Splits:        30,
			Workers:       16,
			Exec:          ExecLocal,
			QueueCapacity: 1 << 16,
			FillThreshold: 1 << 15,
			PopTimeout:    60 * time.Second,
			FillPoll:      time.Second,
			ArtifactPoll:  3 * time.Minute,
			TokenPoll:     50 * time.Millisecond,
			Sentinels:     true,
			ProgressEvery: 100000,
			Mirrors: []string{
				"https://the-eye.eu/public/AI/pile/train/%02d.jsonl.zst",
				"https://mystic.the-eye.eu/public/AI/pile/train/%02d.jsonl.zst",
			},
		},
		Gates: GatesConfig{
			Download: 2,
			Extract:  16,
			Convert:  16,
		},
		Commands: CommandsConfig{
			Download:         "wget -q -t 0 -T {{.Timeout}} -O {{quote .Output}} {{quote .URL}}",
			Extract:          "zstd -d -q -f {{quote .Input}} -o {{quote .Output}}",
			AttemptTimeout:   30 * time.Second,
			DownloadAttempts: 1,
		},
		Trainer: TrainerConfig{
			Command:         []string{"vocab-trainer"},
			VocabSize:       65536,
			CacheCapacity:   1 << 20,
			ModelPath:       "model.json",
			PrettyModelPath: "model.pretty.json",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "corpusvocab",
			User:            "corpusvocab",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "corpusvocab-events",
			EventsTopic:   "corpus.shard-events",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  32,
			KeyPrefix: "corpusvocab:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.Splits <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.splits must be positive, got %d", p.Splits)
	case p.Workers <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.workers must be positive, got %d", p.Workers)
	case p.QueueCapacity <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.queueCapacity must be positive, got %d", p.QueueCapacity)
	case p.FillThreshold < 0 || p.FillThreshold > p.QueueCapacity:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.fillThreshold %d outside [0, %d]", p.FillThreshold, p.QueueCapacity)
	case p.PopTimeout <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.popTimeout must be positive")
	case p.FillPoll <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.fillPoll must be positive, got %s", p.FillPoll)
	case p.ArtifactPoll <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.artifactPoll must be positive, got %s", p.ArtifactPoll)
	case len(p.Mirrors) == 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.mirrors must not be empty")
	case p.Exec != ExecLocal && p.Exec != ExecProcess:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "pipeline.exec must be %q or %q, got %q", ExecLocal, ExecProcess, p.Exec)
	}
	if c.Gates.Download <= 0 || c.Gates.Extract <= 0 || c.Gates.Convert <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "gate capacities must be positive: %+v", c.Gates)
	}
	if c.Commands.DownloadAttempts <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "commands.downloadAttempts must be positive, got %d", c.Commands.DownloadAttempts)
	}
	if c.Trainer.VocabSize <= 256 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "trainer.vocabSize must exceed the 256 byte tokens, got %d", c.Trainer.VocabSize)
	}
	return nil
}

// DownloadDir, LogDir and DoneDir are the fixed sub-directories of BaseDir.
func (p PipelineConfig) DownloadDir() string { return filepath.Join(p.BaseDir, "download") }
func (p PipelineConfig) LogDir() string      { return filepath.Join(p.BaseDir, "log") }
func (p PipelineConfig) DoneDir() string     { return filepath.Join(p.BaseDir, "done") }

// applyEnvOverrides reads CV_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CV_BASE_DIR"); v != "" {
		cfg.Pipeline.BaseDir = v
	}
	if v := os.Getenv("CV_SPLITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Splits = n
		}
	}
	if v := os.Getenv("CV_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("CV_EXEC"); v != "" {
		cfg.Pipeline.Exec = v
	}
	if v := os.Getenv("CV_MIRRORS"); v != "" {
		cfg.Pipeline.Mirrors = strings.Split(v, ",")
	}
	if v := os.Getenv("CV_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CV_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CV_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CV_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CV_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CV_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CV_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CV_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CV_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
