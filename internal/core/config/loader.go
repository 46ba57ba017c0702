package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8081
	}
	if cfg.Webhook.RateLimitPerMinute == 0 {
		cfg.Webhook.RateLimitPerMinute = 100
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}
	if cfg.Provider.MaxAttempts == 0 {
		cfg.Provider.MaxAttempts = 3
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 50
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.BaseDelay == 0 {
		cfg.Queue.BaseDelay = 30 * time.Second
	}
	if cfg.Queue.MaxDelay == 0 {
		cfg.Queue.MaxDelay = 30 * time.Minute
	}
	if cfg.Queue.UrgentPriority == 0 {
		cfg.Queue.UrgentPriority = 1
	}
	if cfg.Queue.Interval == 0 {
		cfg.Queue.Interval = time.Minute
	}
	if cfg.Queue.LockTTL == 0 {
		cfg.Queue.LockTTL = 5 * time.Minute
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 300 * time.Second
	}
	if cfg.Breaker.AuthDisable == 0 {
		cfg.Breaker.AuthDisable = 15 * time.Minute
	}
	if cfg.Breaker.QuotaDisable == 0 {
		cfg.Breaker.QuotaDisable = 4 * time.Hour
	}
	if cfg.Breaker.NotifyWindow == 0 {
		cfg.Breaker.NotifyWindow = 10 * time.Minute
	}
	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "courier.events"
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Provider.Timeout < 5*time.Second || cfg.Provider.Timeout > 120*time.Second {
		return fmt.Errorf("provider.timeout must be between 5s and 120s, got %s", cfg.Provider.Timeout)
	}
	if cfg.Provider.MaxAttempts < 1 || cfg.Provider.MaxAttempts > 10 {
		return fmt.Errorf("provider.max_attempts must be between 1 and 10, got %d", cfg.Provider.MaxAttempts)
	}
	if cfg.Queue.MaxRetries < 1 || cfg.Queue.MaxRetries > 10 {
		return fmt.Errorf("queue.max_retries must be between 1 and 10, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.BaseDelay >= cfg.Queue.MaxDelay {
		return fmt.Errorf("queue.base_delay %s must be below queue.max_delay %s", cfg.Queue.BaseDelay, cfg.Queue.MaxDelay)
	}
	return nil
}
