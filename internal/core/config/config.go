package config

import (
	"time"

	redisclient "github.com/trungdn/courier/internal/infra/redis"
	"github.com/trungdn/courier/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Webhook  WebhookConfig      `yaml:"webhook"`
	Provider ProviderConfig     `yaml:"provider"`
	Queue    QueueConfig        `yaml:"queue"`
	Breaker  BreakerConfig      `yaml:"breaker"`
	Events   EventsConfig       `yaml:"events"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// WebhookConfig holds the inbound webhook endpoint settings.
type WebhookConfig struct {
	Port               int    `yaml:"port"`
	Secret             string `yaml:"secret"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// ProviderConfig holds delivery API settings.
type ProviderConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`      // per-request, 5s-120s
	MaxAttempts int           `yaml:"max_attempts"` // inner retries, 1-10
}

// QueueConfig holds dispatch queue settings.
type QueueConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	UrgentPriority int           `yaml:"urgent_priority"`
	Interval       time.Duration `yaml:"interval"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// BreakerConfig holds circuit-breaker and error-policy settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	AuthDisable      time.Duration `yaml:"auth_disable"`
	QuotaDisable     time.Duration `yaml:"quota_disable"`
	NotifyWindow     time.Duration `yaml:"notify_window"`
}

// EventsConfig holds outbound domain-event publishing settings.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
