// Package config loads and validates application configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Seeds     SeedsConfig     `mapstructure:"seeds"`
	State     StateConfig     `mapstructure:"state"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Web       WebConfig       `mapstructure:"web"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SeedsConfig locates the seed configuration tree.
type SeedsConfig struct {
	Dir string `mapstructure:"dir"`
}

// StateConfig locates the persisted state root.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// IngestionConfig governs engine behavior.
type IngestionConfig struct {
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	NormalizeConcurrent int           `mapstructure:"normalize_concurrent"`
}

// WebConfig configures the web scraper connector.
type WebConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// GitHubConfig configures the repository-metadata connector.
type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. An empty path uses defaults
// and environment variables only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("seeds.dir", "config/seeds")
	v.SetDefault("state.dir", "data/state")
	v.SetDefault("ingestion.max_concurrent", 4)
	v.SetDefault("ingestion.fetch_timeout", "30s")
	v.SetDefault("ingestion.max_attempts", 3)
	v.SetDefault("ingestion.normalize_concurrent", 4)
	v.SetDefault("web.user_agent", "signalhouse-ingest/1.0 (+https://github.com/signalhouse/ingest)")
	v.SetDefault("web.request_timeout", "15s")
	// Registered with an empty default so INGEST_GITHUB_TOKEN binds through
	// AutomaticEnv.
	v.SetDefault("github.token", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Seeds.Dir == "" {
		return fmt.Errorf("seeds.dir must be set")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir must be set")
	}
	if c.Ingestion.MaxConcurrent <= 0 {
		return fmt.Errorf("ingestion.max_concurrent must be > 0")
	}
	if c.Ingestion.FetchTimeout <= 0 {
		return fmt.Errorf("ingestion.fetch_timeout must be > 0")
	}
	if c.Ingestion.MaxAttempts <= 0 {
		return fmt.Errorf("ingestion.max_attempts must be > 0")
	}
	if c.Web.RequestTimeout <= 0 {
		return fmt.Errorf("web.request_timeout must be > 0")
	}
	return nil
}
