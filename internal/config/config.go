package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
)

// DefaultPath is used when ANALYZERD_CONFIG is unset.
const DefaultPath = "configs/analyzerd.json"

// Config is the complete development host configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Plugins PluginsConfig `json:"plugins"`
	Log     LogConfig     `json:"log"`
	Alerts  AlertsConfig  `json:"alerts"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string   `json:"address"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// StorageConfig selects the procedure store: memory, mysql, postgres or sqlite.
type StorageConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// QueueConfig selects the job transport: memory, redis or rabbitmq.
type QueueConfig struct {
	Driver      string         `json:"driver"`
	Size        int            `json:"size"`
	Workers     int            `json:"workers"`
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// PluginsConfig points at the YAML plugin manager file and controls the
// in-process example analyzer.
type PluginsConfig struct {
	ConfigPath     string `json:"config_path"`
	DisableBuiltin bool   `json:"disable_builtin"`
	Locale         string `json:"locale"`
	Strict         bool   `json:"strict"`
}

type LogConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertsConfig enables webhook notifications for critical job failures.
type AlertsConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Duration reads "5s"-style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Path returns ANALYZERD_CONFIG or DefaultPath.
func Path() string {
	if p := strings.TrimSpace(os.Getenv("ANALYZERD_CONFIG")); p != "" {
		return p
	}
	return DefaultPath
}

// Load parses the JSON file at path. A missing file yields the defaults.
// Relative paths inside the file resolve against its directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" {
		if c.Storage.DSN == "" {
			c.Storage.DSN = filepath.Join(baseDir, "data", "analyzerd.db")
		} else if isFilePath(c.Storage.DSN) {
			c.Storage.DSN = resolve(baseDir, c.Storage.DSN)
		}
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "analyzerd:jobs"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "analyzerd.jobs"
	}

	if c.Plugins.ConfigPath != "" {
		c.Plugins.ConfigPath = resolve(baseDir, c.Plugins.ConfigPath)
	}
	if c.Plugins.Locale == "" {
		c.Plugins.Locale = "de"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Log.Audit.Enabled {
		if c.Log.Audit.Path == "" {
			c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else {
			c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)
		}
	}
}

// envOverrides lists the supported environment variables.
type envOverrides struct {
	Address       string `env:"ANALYZERD_ADDRESS"`
	StorageDriver string `env:"ANALYZERD_STORAGE_DRIVER"`
	StorageDSN    string `env:"ANALYZERD_STORAGE_DSN"`
	QueueDriver   string `env:"ANALYZERD_QUEUE_DRIVER"`
	RedisAddress  string `env:"ANALYZERD_REDIS_ADDRESS"`
	RabbitMQURL   string `env:"ANALYZERD_RABBITMQ_URL"`
	Workers       int    `env:"ANALYZERD_WORKERS"`
	LogLevel      string `env:"ANALYZERD_LOG_LEVEL"`
	LogFormat     string `env:"ANALYZERD_LOG_FORMAT"`
	PluginConfig  string `env:"ANALYZERD_PLUGIN_CONFIG"`
	AlertsWebhook string `env:"ANALYZERD_ALERTS_WEBHOOK_URL"`
}

func (c *Config) applyEnv() error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Address, e.Address)
	set(&c.Storage.Driver, e.StorageDriver)
	set(&c.Storage.DSN, e.StorageDSN)
	set(&c.Queue.Driver, e.QueueDriver)
	set(&c.Queue.Redis.Address, e.RedisAddress)
	set(&c.Queue.RabbitMQ.URL, e.RabbitMQURL)
	set(&c.Log.Level, e.LogLevel)
	set(&c.Log.Format, e.LogFormat)
	set(&c.Alerts.WebhookURL, e.AlertsWebhook)

	// Paths from the environment are relative to the working directory,
	// paths from the file relative to the file.
	if e.PluginConfig != "" {
		abs, err := filepath.Abs(e.PluginConfig)
		if err != nil {
			return fmt.Errorf("resolve ANALYZERD_PLUGIN_CONFIG: %w", err)
		}
		c.Plugins.ConfigPath = abs
	}
	if e.StorageDSN != "" && strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "sqlite") && isFilePath(e.StorageDSN) {
		abs, err := filepath.Abs(e.StorageDSN)
		if err != nil {
			return fmt.Errorf("resolve ANALYZERD_STORAGE_DSN: %w", err)
		}
		c.Storage.DSN = abs
	}
	if e.Workers > 0 {
		c.Queue.Workers = e.Workers
	}
	return nil
}

// Validate checks driver names and the settings each driver requires.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage driver %s requires a dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue driver redis requires queue.redis.address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue driver rabbitmq requires queue.rabbitmq.url")
		}
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}

// LoggerConfig converts the log section for logger.Init.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		OutputPaths: c.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    c.Log.Audit.Enabled,
			Path:       c.Log.Audit.Path,
			MaxSizeMB:  c.Log.Audit.MaxSizeMB,
			MaxBackups: c.Log.Audit.MaxBackups,
			MaxAgeDays: c.Log.Audit.MaxAgeDays,
		},
	}
}

// isFilePath reports whether a sqlite dsn names a plain file.
func isFilePath(dsn string) bool {
	return dsn != ":memory:" && !strings.HasPrefix(dsn, "file:")
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
