package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
  api_key: secret
logging:
  development: true
remote:
  base_url: https://upstream.example.com/api
  country_code: "0086"
  page_size: 500
  timeout: 10s
  requests_per_second: 0.5
  burst: 2
runner:
  inter_page_delay: 45s
  no_account_backoff: 30s
  transient_backoff: 2s
  output_dir: /var/lib/crawler
  resume_on_startup: true
health:
  interval: 5m
schedule:
  timezone: UTC
  create_at: "01:15"
  stop_at: "22:00"
storage:
  backend: postgres
database:
  dsn: postgres://crawler@localhost/crawler
  max_conns: 8
redis:
  addr: localhost:6379
  lease_ttl: 90s
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: events
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging")
	}
	if cfg.Remote.CountryCode != "0086" || cfg.Remote.PageSize != 500 || cfg.Remote.Timeout != 10*time.Second {
		t.Fatalf("unexpected remote config: %+v", cfg.Remote)
	}
	if cfg.Remote.RequestsPerSecond != 0.5 || cfg.Remote.Burst != 2 {
		t.Fatalf("unexpected rate limit: %+v", cfg.Remote)
	}
	if cfg.Runner.InterPageDelay != 45*time.Second || !cfg.Runner.ResumeOnStartup {
		t.Fatalf("unexpected runner config: %+v", cfg.Runner)
	}
	if cfg.Health.Interval != 5*time.Minute {
		t.Fatalf("unexpected health interval: %v", cfg.Health.Interval)
	}
	if cfg.Schedule.CreateAt != "01:15" || cfg.Schedule.Timezone != "UTC" {
		t.Fatalf("unexpected schedule: %+v", cfg.Schedule)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.Database.MaxConns != 8 {
		t.Fatalf("unexpected storage: %+v %+v", cfg.Storage, cfg.Database)
	}
	if cfg.Redis.LeaseTTL != 90*time.Second {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "events" {
		t.Fatalf("unexpected kafka config: %+v", cfg.Kafka)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "remote:\n  base_url: http://localhost:8000\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runner.InterPageDelay != 180*time.Second {
		t.Fatalf("inter_page_delay = %v, want 180s", cfg.Runner.InterPageDelay)
	}
	if cfg.Runner.NoAccountBackoff != time.Minute || cfg.Runner.TransientBackoff != 5*time.Second {
		t.Fatalf("unexpected backoffs: %+v", cfg.Runner)
	}
	if cfg.Remote.PageSize != 3000 || cfg.Remote.CountryCode != "0055" {
		t.Fatalf("unexpected remote defaults: %+v", cfg.Remote)
	}
	if cfg.Health.Interval != 10*time.Minute || !cfg.Health.Enabled {
		t.Fatalf("unexpected health defaults: %+v", cfg.Health)
	}
	if cfg.Schedule.Timezone != "Asia/Shanghai" || cfg.Schedule.CreateAt != "00:30" || cfg.Schedule.StopAt != "23:50" {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Runner.OutputDir != "output" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_REMOTE_BASE_URL", "http://env.example.com")
	t.Setenv("CRAWLER_RUNNER_INTER_PAGE_DELAY", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.BaseURL != "http://env.example.com" {
		t.Fatalf("base_url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Runner.InterPageDelay != 90*time.Second {
		t.Fatalf("inter_page_delay = %v", cfg.Runner.InterPageDelay)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Remote: RemoteConfig{BaseURL: "http://x", PageSize: 10, Timeout: time.Second},
			Runner: RunnerConfig{
				InterPageDelay: time.Second, NoAccountBackoff: time.Second,
				TransientBackoff: time.Second, OutputDir: "out",
			},
			Schedule: ScheduleConfig{Enabled: true, Timezone: "UTC", CreateAt: "00:30", StopAt: "23:50"},
			Storage:  StorageConfig{Backend: BackendMemory},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"base url", func(c *Config) { c.Remote.BaseURL = "relative/path" }, "remote.base_url"},
		{"delay", func(c *Config) { c.Runner.InterPageDelay = 0 }, "inter_page_delay"},
		{"timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"create time", func(c *Config) { c.Schedule.CreateAt = "25:00" }, "schedule.create_at"},
		{"backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "database.dsn"},
		{"kafka topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"} }, "kafka.topic"},
		{"health interval", func(c *Config) { c.Health.Enabled = true }, "health.interval"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
