package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for estated.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"    yaml:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	Listings  ListingsConfig  `mapstructure:"listings"  yaml:"listings"`
	Adapters  AdaptersConfig  `mapstructure:"adapters"  yaml:"adapters"`
	Fetch     FetchConfig     `mapstructure:"fetch"     yaml:"fetch"`
	Proxy     ProxyConfig     `mapstructure:"proxy"     yaml:"proxy"`
	Server    ServerConfig    `mapstructure:"server"    yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// EngineConfig controls task execution and the checkpoint protocol.
type EngineConfig struct {
	PauseTimeout       time.Duration `mapstructure:"pause_timeout"        yaml:"pause_timeout"`
	PausePollInterval  time.Duration `mapstructure:"pause_poll_interval"  yaml:"pause_poll_interval"`
	StatsInterval      time.Duration `mapstructure:"stats_interval"       yaml:"stats_interval"`
	StallThreshold     time.Duration `mapstructure:"stall_threshold"      yaml:"stall_threshold"`
	StallSweepInterval time.Duration `mapstructure:"stall_sweep_interval" yaml:"stall_sweep_interval"`
	SamplerJoinTimeout time.Duration `mapstructure:"sampler_join_timeout" yaml:"sampler_join_timeout"`
	MaxTasksListed     int           `mapstructure:"max_tasks_listed"     yaml:"max_tasks_listed"`
}

// SchedulerConfig controls the schedule sweep loop.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"        yaml:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Timezone      string        `mapstructure:"timezone"       yaml:"timezone"`
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Driver            string        `mapstructure:"driver"              yaml:"driver"` // memory, postgres
	DSN               string        `mapstructure:"dsn"                 yaml:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns"           yaml:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"           yaml:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"   yaml:"max_conn_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period" yaml:"health_check_period"`
}

// ListingsConfig selects where adapter listing writes land.
type ListingsConfig struct {
	Driver     string `mapstructure:"driver"     yaml:"driver"` // none, memory, jsonl, mongo
	Path       string `mapstructure:"path"       yaml:"path"`
	URI        string `mapstructure:"uri"        yaml:"uri"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// AdaptersConfig controls site adapter loading.
type AdaptersConfig struct {
	RulesDir string `mapstructure:"rules_dir" yaml:"rules_dir"`
}

// FetchConfig controls the HTTP fetch toolkit used by adapters.
type FetchConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"          yaml:"timeout"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay" yaml:"politeness_delay"`
	MaxRetries      int           `mapstructure:"max_retries"      yaml:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"      yaml:"retry_delay"`
	MaxBodySize     int64         `mapstructure:"max_body_size"    yaml:"max_body_size"`
	FollowRedirects bool          `mapstructure:"follow_redirects" yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"    yaml:"max_redirects"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"     yaml:"tls_insecure"`
	UserAgents      []string      `mapstructure:"user_agents"      yaml:"user_agents"`
	Browser         BrowserConfig `mapstructure:"browser"          yaml:"browser"`
}

// BrowserConfig controls the rod-based fetcher for JS-rendered sites.
type BrowserConfig struct {
	Enabled     bool          `mapstructure:"enabled"      yaml:"enabled"`
	Headless    bool          `mapstructure:"headless"     yaml:"headless"`
	Stealth     bool          `mapstructure:"stealth"      yaml:"stealth"`
	BinPath     string        `mapstructure:"bin_path"     yaml:"bin_path"`
	PageTimeout time.Duration `mapstructure:"page_timeout" yaml:"page_timeout"`
	WaitStable  time.Duration `mapstructure:"wait_stable"  yaml:"wait_stable"`
}

// ProxyConfig controls proxy rotation for the fetch toolkit.
type ProxyConfig struct {
	Enabled  bool     `mapstructure:"enabled"  yaml:"enabled"`
	Rotation string   `mapstructure:"rotation" yaml:"rotation"` // round_robin, random
	URLs     []string `mapstructure:"urls"     yaml:"urls"`
}

// ServerConfig controls the control API listener.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"          yaml:"enabled"`
	Addr            string        `mapstructure:"addr"             yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior. When Output is a file path the
// stream is rotated with the size/backup/age limits below.
type LoggingConfig struct {
	Level      string `mapstructure:"level"       yaml:"level"`
	Format     string `mapstructure:"format"      yaml:"format"`
	Output     string `mapstructure:"output"      yaml:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig controls the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			PauseTimeout:       30 * time.Minute,
			PausePollInterval:  1 * time.Second,
			StatsInterval:      2 * time.Second,
			StallThreshold:     30 * time.Minute,
			StallSweepInterval: 5 * time.Minute,
			SamplerJoinTimeout: 5 * time.Second,
			MaxTasksListed:     100,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepInterval: 30 * time.Second,
			Timezone:      "Asia/Tokyo",
		},
		Storage: StorageConfig{
			Driver:            "memory",
			MaxConns:          10,
			MinConns:          2,
			MaxConnLifetime:   time.Hour,
			HealthCheckPeriod: time.Minute,
		},
		Listings: ListingsConfig{
			Driver:     "memory",
			Path:       "./listings",
			Database:   "estate",
			Collection: "listings",
		},
		Adapters: AdaptersConfig{
			RulesDir: "./adapters.d",
		},
		Fetch: FetchConfig{
			Timeout:         30 * time.Second,
			PolitenessDelay: 1 * time.Second,
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			FollowRedirects: true,
			MaxRedirects:    10,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
			Browser: BrowserConfig{
				Enabled:     false,
				Headless:    true,
				Stealth:     true,
				PageTimeout: 45 * time.Second,
				WaitStable:  800 * time.Millisecond,
			},
		},
		Proxy: ProxyConfig{
			Enabled:  false,
			Rotation: "round_robin",
		},
		Server: ServerConfig{
			Enabled:         true,
			Addr:            ":8710",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
