package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Prowlarr ProwlarrConfig `mapstructure:"prowlarr"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	SubmitPerMinute int    `mapstructure:"submit_per_minute"`
	SubmitBurst     int    `mapstructure:"submit_burst"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ProwlarrConfig points at the indexer gateway. An empty URL disables
// searching until one is configured.
type ProwlarrConfig struct {
	URL               string  `mapstructure:"url"`
	APIKey            string  `mapstructure:"api_key"`
	Timeout           int     `mapstructure:"timeout"` // seconds
	SkipSSLVerify     bool    `mapstructure:"skip_ssl_verify"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxResults        int     `mapstructure:"max_results"`
	MinSeeders        int     `mapstructure:"min_seeders"`
	Category          int     `mapstructure:"category"`
}

// Enabled reports whether a gateway is configured.
func (c *ProwlarrConfig) Enabled() bool {
	return c.URL != ""
}

// PipelineConfig tunes the acquisition pipeline.
type PipelineConfig struct {
	MonitorInitialDelay  time.Duration `mapstructure:"monitor_initial_delay"`
	MonitorInterval      time.Duration `mapstructure:"monitor_interval"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	RequireApproval      bool          `mapstructure:"require_approval"`
	ResearchCron         string        `mapstructure:"research_cron"`
	MissingPollThreshold int           `mapstructure:"missing_poll_threshold"`
	CategoryHint         string        `mapstructure:"category_hint"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
}

// SeedConfig names an optional YAML file applied to the settings store at
// startup.
type SeedConfig struct {
	Path string `mapstructure:"path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8484,
			SubmitPerMinute: 10,
			SubmitBurst:     5,
		},
		Database: DatabaseConfig{
			Path: "./data/shelfstream.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Prowlarr: ProwlarrConfig{
			Timeout:           90,
			RequestsPerSecond: 2,
			Burst:             4,
			MaxResults:        100,
			Category:          3030,
		},
		Pipeline: PipelineConfig{
			MonitorInitialDelay:  5 * time.Second,
			MonitorInterval:      15 * time.Second,
			MaxConcurrent:        4,
			ResearchCron:         "0 */6 * * *",
			MissingPollThreshold: 5,
			CategoryHint:         "audiobooks",
			HealthCheckInterval:  15 * time.Minute,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, Default())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.shelfstream")
	}

	v.SetEnvPrefix("SHELFSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.submit_per_minute", d.Server.SubmitPerMinute)
	v.SetDefault("server.submit_burst", d.Server.SubmitBurst)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("prowlarr.url", d.Prowlarr.URL)
	v.SetDefault("prowlarr.api_key", d.Prowlarr.APIKey)
	v.SetDefault("prowlarr.timeout", d.Prowlarr.Timeout)
	v.SetDefault("prowlarr.skip_ssl_verify", d.Prowlarr.SkipSSLVerify)
	v.SetDefault("prowlarr.requests_per_second", d.Prowlarr.RequestsPerSecond)
	v.SetDefault("prowlarr.burst", d.Prowlarr.Burst)
	v.SetDefault("prowlarr.max_results", d.Prowlarr.MaxResults)
	v.SetDefault("prowlarr.min_seeders", d.Prowlarr.MinSeeders)
	v.SetDefault("prowlarr.category", d.Prowlarr.Category)

	v.SetDefault("pipeline.monitor_initial_delay", d.Pipeline.MonitorInitialDelay)
	v.SetDefault("pipeline.monitor_interval", d.Pipeline.MonitorInterval)
	v.SetDefault("pipeline.max_concurrent", d.Pipeline.MaxConcurrent)
	v.SetDefault("pipeline.require_approval", d.Pipeline.RequireApproval)
	v.SetDefault("pipeline.research_cron", d.Pipeline.ResearchCron)
	v.SetDefault("pipeline.missing_poll_threshold", d.Pipeline.MissingPollThreshold)
	v.SetDefault("pipeline.category_hint", d.Pipeline.CategoryHint)
	v.SetDefault("pipeline.health_check_interval", d.Pipeline.HealthCheckInterval)

	v.SetDefault("seed.path", d.Seed.Path)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Pipeline.MonitorInitialDelay < 0 {
		errs = append(errs, errors.New("pipeline.monitor_initial_delay must not be negative"))
	}
	if c.Pipeline.MonitorInterval <= 0 {
		errs = append(errs, errors.New("pipeline.monitor_interval must be positive"))
	}
	if c.Pipeline.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("pipeline.health_check_interval must be positive"))
	}
	if c.Pipeline.MissingPollThreshold <= 0 {
		errs = append(errs, errors.New("pipeline.missing_poll_threshold must be positive"))
	}
	if c.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, errors.New("pipeline.max_concurrent must not be negative"))
	}
	if c.Prowlarr.Enabled() && c.Prowlarr.APIKey == "" {
		errs = append(errs, errors.New("prowlarr.api_key is required when prowlarr.url is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
