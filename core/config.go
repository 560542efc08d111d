package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	RetryModeStandard = "standard"
	RetryModeFast     = "fast"

	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"
	QueueBackendGoJob = "gojob"
)

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type QueueConfig struct {
	Backend            string `koanf:"backend" mapstructure:"backend"`
	BatchSize          int    `koanf:"batch_size" mapstructure:"batch_size"`
	Concurrency        int    `koanf:"concurrency" mapstructure:"concurrency"`
	PollIntervalMS     int    `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	LeaseSeconds       int    `koanf:"lease_seconds" mapstructure:"lease_seconds"`
	DispatchMaxRetries int    `koanf:"dispatch_max_retries" mapstructure:"dispatch_max_retries"`
	WebhookMaxRetries  int    `koanf:"webhook_max_retries" mapstructure:"webhook_max_retries"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" mapstructure:"addr"`
	Password string `koanf:"password" mapstructure:"password"`
	DB       int    `koanf:"db" mapstructure:"db"`
}

type SweeperConfig struct {
	Schedule          string `koanf:"schedule" mapstructure:"schedule"`
	BatchSize         int    `koanf:"batch_size" mapstructure:"batch_size"`
	StaleClaimSeconds int    `koanf:"stale_claim_seconds" mapstructure:"stale_claim_seconds"`
}

type TimerConfig struct {
	Schedule        string `koanf:"schedule" mapstructure:"schedule"`
	BatchSize       int    `koanf:"batch_size" mapstructure:"batch_size"`
	LeaseSeconds    int    `koanf:"lease_seconds" mapstructure:"lease_seconds"`
	MaxRedeliveries int    `koanf:"max_redeliveries" mapstructure:"max_redeliveries"`
}

type OnchainConfig struct {
	TimeoutMS int `koanf:"timeout_ms" mapstructure:"timeout_ms"`
}

type WebhookConfig struct {
	TimeoutMS       int `koanf:"timeout_ms" mapstructure:"timeout_ms"`
	CacheTTLSeconds int `koanf:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" mapstructure:"enabled"`
	Namespace string `koanf:"namespace" mapstructure:"namespace"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	WorkerID    string         `koanf:"worker_id" mapstructure:"worker_id"`
	RetryMode   string         `koanf:"retry_mode" mapstructure:"retry_mode"`
	Database    DatabaseConfig `koanf:"database" mapstructure:"database"`
	Queue       QueueConfig    `koanf:"queue" mapstructure:"queue"`
	Redis       RedisConfig    `koanf:"redis" mapstructure:"redis"`
	Sweeper     SweeperConfig  `koanf:"sweeper" mapstructure:"sweeper"`
	Timer       TimerConfig    `koanf:"timer" mapstructure:"timer"`
	Onchain     OnchainConfig  `koanf:"onchain" mapstructure:"onchain"`
	Webhooks    WebhookConfig  `koanf:"webhooks" mapstructure:"webhooks"`
	Metrics     MetricsConfig  `koanf:"metrics" mapstructure:"metrics"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "billing",
		WorkerID:    "billing-worker",
		RetryMode:   RetryModeStandard,
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "file:billing.db?cache=shared&_foreign_keys=on",
		},
		Queue: QueueConfig{
			Backend:            QueueBackendSQL,
			BatchSize:          10,
			Concurrency:        5,
			PollIntervalMS:     1000,
			LeaseSeconds:       60,
			DispatchMaxRetries: 10,
			WebhookMaxRetries:  8,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Sweeper: SweeperConfig{
			Schedule:          "@every 1m",
			BatchSize:         100,
			StaleClaimSeconds: 900,
		},
		Timer: TimerConfig{
			Schedule:        "@every 10s",
			BatchSize:       100,
			LeaseSeconds:    30,
			MaxRedeliveries: 3,
		},
		Onchain: OnchainConfig{
			TimeoutMS: 30000,
		},
		Webhooks: WebhookConfig{
			TimeoutMS:       10000,
			CacheTTLSeconds: 60,
		},
		Metrics: MetricsConfig{
			Namespace: "billing",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.TrimSpace(strings.ToLower(c.RetryMode)) {
	case "", RetryModeStandard, RetryModeFast:
	default:
		return fmt.Errorf("core: retry_mode %q is invalid", c.RetryMode)
	}
	switch strings.TrimSpace(strings.ToLower(c.Queue.Backend)) {
	case "", QueueBackendSQL, QueueBackendRedis, QueueBackendGoJob:
	default:
		return fmt.Errorf("core: queue.backend %q is invalid", c.Queue.Backend)
	}
	if c.Queue.BatchSize < 0 || c.Queue.Concurrency < 0 {
		return fmt.Errorf("core: queue batch_size and concurrency must be positive")
	}
	if c.Timer.MaxRedeliveries < 0 {
		return fmt.Errorf("core: timer.max_redeliveries must be positive")
	}
	return nil
}

func (c Config) OnchainTimeout() time.Duration {
	return millis(c.Onchain.TimeoutMS)
}

func (c Config) WebhookTimeout() time.Duration {
	return millis(c.Webhooks.TimeoutMS)
}

func (c Config) PollInterval() time.Duration {
	return millis(c.Queue.PollIntervalMS)
}

func (c Config) QueueLease() time.Duration {
	return seconds(c.Queue.LeaseSeconds)
}

func (c Config) TimerLease() time.Duration {
	return seconds(c.Timer.LeaseSeconds)
}

func (c Config) StaleClaimAfter() time.Duration {
	return seconds(c.Sweeper.StaleClaimSeconds)
}

func (c Config) AccountCacheTTL() time.Duration {
	return seconds(c.Webhooks.CacheTTLSeconds)
}

func millis(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
