package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and CLI flags.
// Priority (highest to lowest): CLI flags > env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("ESTATED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("estated")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".estated"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.pause_timeout", cfg.Engine.PauseTimeout)
	v.SetDefault("engine.pause_poll_interval", cfg.Engine.PausePollInterval)
	v.SetDefault("engine.stats_interval", cfg.Engine.StatsInterval)
	v.SetDefault("engine.stall_threshold", cfg.Engine.StallThreshold)
	v.SetDefault("engine.stall_sweep_interval", cfg.Engine.StallSweepInterval)
	v.SetDefault("engine.sampler_join_timeout", cfg.Engine.SamplerJoinTimeout)
	v.SetDefault("engine.max_tasks_listed", cfg.Engine.MaxTasksListed)

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.sweep_interval", cfg.Scheduler.SweepInterval)
	v.SetDefault("scheduler.timezone", cfg.Scheduler.Timezone)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.max_conns", cfg.Storage.MaxConns)
	v.SetDefault("storage.min_conns", cfg.Storage.MinConns)
	v.SetDefault("storage.max_conn_lifetime", cfg.Storage.MaxConnLifetime)
	v.SetDefault("storage.health_check_period", cfg.Storage.HealthCheckPeriod)

	v.SetDefault("listings.driver", cfg.Listings.Driver)
	v.SetDefault("listings.path", cfg.Listings.Path)
	v.SetDefault("listings.database", cfg.Listings.Database)
	v.SetDefault("listings.collection", cfg.Listings.Collection)

	v.SetDefault("adapters.rules_dir", cfg.Adapters.RulesDir)

	v.SetDefault("fetch.timeout", cfg.Fetch.Timeout)
	v.SetDefault("fetch.politeness_delay", cfg.Fetch.PolitenessDelay)
	v.SetDefault("fetch.max_retries", cfg.Fetch.MaxRetries)
	v.SetDefault("fetch.retry_delay", cfg.Fetch.RetryDelay)
	v.SetDefault("fetch.max_body_size", cfg.Fetch.MaxBodySize)
	v.SetDefault("fetch.follow_redirects", cfg.Fetch.FollowRedirects)
	v.SetDefault("fetch.max_redirects", cfg.Fetch.MaxRedirects)
	v.SetDefault("fetch.user_agents", cfg.Fetch.UserAgents)
	v.SetDefault("fetch.browser.enabled", cfg.Fetch.Browser.Enabled)
	v.SetDefault("fetch.browser.headless", cfg.Fetch.Browser.Headless)
	v.SetDefault("fetch.browser.stealth", cfg.Fetch.Browser.Stealth)
	v.SetDefault("fetch.browser.page_timeout", cfg.Fetch.Browser.PageTimeout)
	v.SetDefault("fetch.browser.wait_stable", cfg.Fetch.Browser.WaitStable)

	v.SetDefault("proxy.enabled", cfg.Proxy.Enabled)
	v.SetDefault("proxy.rotation", cfg.Proxy.Rotation)

	v.SetDefault("server.enabled", cfg.Server.Enabled)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
