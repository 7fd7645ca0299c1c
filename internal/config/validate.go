package config

import (
	"fmt"
	"net/url"
	"time"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Engine.PauseTimeout <= 0 {
		return fmt.Errorf("engine.pause_timeout must be > 0, got %s", cfg.Engine.PauseTimeout)
	}
	if cfg.Engine.PausePollInterval <= 0 {
		return fmt.Errorf("engine.pause_poll_interval must be > 0, got %s", cfg.Engine.PausePollInterval)
	}
	if cfg.Engine.StatsInterval <= 0 {
		return fmt.Errorf("engine.stats_interval must be > 0, got %s", cfg.Engine.StatsInterval)
	}
	if cfg.Engine.StallThreshold < time.Minute {
		return fmt.Errorf("engine.stall_threshold must be >= 1m, got %s", cfg.Engine.StallThreshold)
	}
	if cfg.Engine.SamplerJoinTimeout <= 0 {
		return fmt.Errorf("engine.sampler_join_timeout must be > 0")
	}
	if cfg.Engine.MaxTasksListed < 1 {
		return fmt.Errorf("engine.max_tasks_listed must be >= 1, got %d", cfg.Engine.MaxTasksListed)
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.SweepInterval <= 0 {
			return fmt.Errorf("scheduler.sweep_interval must be > 0, got %s", cfg.Scheduler.SweepInterval)
		}
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone %q is not a valid location: %w", cfg.Scheduler.Timezone, err)
		}
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver is postgres")
		}
		if cfg.Storage.MaxConns < 1 {
			return fmt.Errorf("storage.max_conns must be >= 1, got %d", cfg.Storage.MaxConns)
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (valid: memory, postgres)", cfg.Storage.Driver)
	}

	switch cfg.Listings.Driver {
	case "none", "memory":
	case "jsonl":
		if cfg.Listings.Path == "" {
			return fmt.Errorf("listings.path is required when listings.driver is jsonl")
		}
	case "mongo":
		if cfg.Listings.URI == "" {
			return fmt.Errorf("listings.uri is required when listings.driver is mongo")
		}
		if cfg.Listings.Database == "" || cfg.Listings.Collection == "" {
			return fmt.Errorf("listings.database and listings.collection are required when listings.driver is mongo")
		}
	default:
		return fmt.Errorf("listings.driver %q is not supported (valid: none, memory, jsonl, mongo)", cfg.Listings.Driver)
	}

	if cfg.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if cfg.Fetch.PolitenessDelay < 0 {
		return fmt.Errorf("fetch.politeness_delay must be >= 0")
	}
	if cfg.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0, got %d", cfg.Fetch.MaxRetries)
	}
	if cfg.Fetch.MaxBodySize <= 0 {
		return fmt.Errorf("fetch.max_body_size must be > 0")
	}
	if cfg.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.Rotation != "round_robin" && cfg.Proxy.Rotation != "random" {
			return fmt.Errorf("proxy.rotation must be 'round_robin' or 'random', got %q", cfg.Proxy.Rotation)
		}
		if len(cfg.Proxy.URLs) == 0 {
			return fmt.Errorf("proxy.urls must not be empty when proxy.enabled is true")
		}
		for _, proxyURL := range cfg.Proxy.URLs {
			if _, err := url.Parse(proxyURL); err != nil {
				return fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
			}
		}
	}

	if cfg.Server.Enabled && cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server.enabled is true")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics.enabled is true")
	}

	return nil
}
