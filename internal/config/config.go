// Package config loads edge node configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the edge node.
type Config struct {
	// HostID identifies this site to the control plane. Defaults to the
	// machine hostname when unset.
	HostID string `mapstructure:"host_id"`

	// DataDir holds the SQLite database and log files.
	DataDir string `mapstructure:"data_dir"`

	// PackagesDir is the root under which deployed packages are installed.
	PackagesDir string `mapstructure:"packages_dir"`

	// ObserverAddr is the local listen address for the status websocket
	// consumed by the terminal UI. Empty disables the observer server.
	ObserverAddr string `mapstructure:"observer_addr"`

	Cloud CloudConfig `mapstructure:"cloud"`
	Queue QueueConfig `mapstructure:"queue"`
	Lock  LockConfig  `mapstructure:"lock"`
	Deploy DeployConfig `mapstructure:"deploy"`
	Log   LogConfig   `mapstructure:"log"`
}

// CloudConfig configures the control plane transport.
type CloudConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// PushURL is the websocket endpoint for push events. Empty disables push;
	// discovery then relies on polling alone.
	PushURL string        `mapstructure:"push_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig configures the outbound sync queue.
type QueueConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffUnit   time.Duration `mapstructure:"backoff_unit"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainBatch    int           `mapstructure:"drain_batch"`
}

// LockConfig configures check locks.
type LockConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
}

// DeployConfig configures the deployment orchestrator.
type DeployConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CooldownInitial time.Duration `mapstructure:"cooldown_initial"`
	CooldownMax     time.Duration `mapstructure:"cooldown_max"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration from the given file (optional) and EDGED_*
// environment variables, applying defaults for anything unset.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "data")
	v.SetDefault("packages_dir", "packages")
	v.SetDefault("observer_addr", "localhost:8790")
	v.SetDefault("cloud.timeout", 30*time.Second)
	v.SetDefault("queue.max_attempts", 10)
	v.SetDefault("queue.backoff_unit", time.Minute)
	v.SetDefault("queue.drain_interval", time.Minute)
	v.SetDefault("queue.drain_batch", 50)
	v.SetDefault("lock.default_duration", 5*time.Minute)
	v.SetDefault("deploy.poll_interval", 5*time.Minute)
	v.SetDefault("deploy.cooldown_initial", time.Minute)
	v.SetDefault("deploy.cooldown_max", 10*time.Minute)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 5)

	v.SetEnvPrefix("EDGED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.HostID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("host_id not set and hostname lookup failed: %w", err)
		}
		cfg.HostID = hostname
	}

	if cfg.Log.FilePath == "" && cfg.DataDir != "" {
		cfg.Log.FilePath = filepath.Join(cfg.DataDir, "edged.log")
	}

	return &cfg, nil
}
