// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Health   HealthConfig   `mapstructure:"health"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RemoteConfig describes the upstream service.
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	CountryCode       string        `mapstructure:"country_code"`
	PageSize          int           `mapstructure:"page_size"`
	ProbePath         string        `mapstructure:"probe_path"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// RunnerConfig governs job runners.
type RunnerConfig struct {
	InterPageDelay   time.Duration `mapstructure:"inter_page_delay"`
	NoAccountBackoff time.Duration `mapstructure:"no_account_backoff"`
	TransientBackoff time.Duration `mapstructure:"transient_backoff"`
	OutputDir        string        `mapstructure:"output_dir"`
	ResumeOnStartup  bool          `mapstructure:"resume_on_startup"`
}

// HealthConfig configures the session health monitor.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ScheduleConfig configures the daily create/stop triggers. Times are HH:MM in
// Timezone.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
	CreateAt string `mapstructure:"create_at"`
	StopAt   string `mapstructure:"stop_at"`
}

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StorageConfig selects where accounts and jobs live.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig controls the Postgres pool used by the postgres backend.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig enables the cross-process runner lease when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Prefix   string        `mapstructure:"prefix"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// KafkaConfig enables job event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", false)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.country_code", "0055")
	v.SetDefault("remote.page_size", 3000)
	v.SetDefault("remote.probe_path", "/sys/user/getUserInfo")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.requests_per_second", 2)
	v.SetDefault("remote.burst", 1)
	v.SetDefault("runner.inter_page_delay", "180s")
	v.SetDefault("runner.no_account_backoff", "60s")
	v.SetDefault("runner.transient_backoff", "5s")
	v.SetDefault("runner.output_dir", "output")
	v.SetDefault("runner.resume_on_startup", false)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.interval", "10m")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.timezone", "Asia/Shanghai")
	v.SetDefault("schedule.create_at", "00:30")
	v.SetDefault("schedule.stop_at", "23:50")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "data/crawler.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "sendrecord:lease:")
	v.SetDefault("redis.lease_ttl", "2m")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "sendrecord.job-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if c.Remote.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote.base_url must be an absolute URL")
	}
	if c.Remote.PageSize <= 0 {
		return fmt.Errorf("remote.page_size must be > 0")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be > 0")
	}
	if c.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requests_per_second must be >= 0")
	}
	if c.Runner.InterPageDelay <= 0 {
		return fmt.Errorf("runner.inter_page_delay must be > 0")
	}
	if c.Runner.NoAccountBackoff <= 0 || c.Runner.TransientBackoff <= 0 {
		return fmt.Errorf("runner backoffs must be > 0")
	}
	if c.Runner.OutputDir == "" {
		return fmt.Errorf("runner.output_dir is required")
	}
	if c.Health.Enabled && c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be > 0 when health checks are enabled")
	}
	if c.Schedule.Enabled {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
		for key, val := range map[string]string{"schedule.create_at": c.Schedule.CreateAt, "schedule.stop_at": c.Schedule.StopAt} {
			if _, err := time.Parse("15:04", val); err != nil {
				return fmt.Errorf("%s must be HH:MM, got %q", key, val)
			}
		}
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of sqlite, postgres, memory")
	}
	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= 0 {
		return fmt.Errorf("redis.lease_ttl must be > 0")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}
