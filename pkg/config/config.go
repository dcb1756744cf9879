// Package config provides a reusable loader for forkwatch configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"forkwatch/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a forkwatch ingestion node.
type Config struct {
	Listen struct {
		Addr        string `mapstructure:"addr" json:"addr"`
		StatusAddr  string `mapstructure:"status_addr" json:"status_addr"`
		RequireAuth bool   `mapstructure:"require_auth" json:"require_auth"`
	} `mapstructure:"listen" json:"listen"`

	Registry struct {
		MaxForksPerBlock int           `mapstructure:"max_forks_per_block" json:"max_forks_per_block"`
		BufferCapacity   int           `mapstructure:"buffer_capacity" json:"buffer_capacity"`
		Retention        time.Duration `mapstructure:"retention" json:"retention"`
		SweepInterval    time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	} `mapstructure:"registry" json:"registry"`

	Replay struct {
		PeerBaseURLs      []string      `mapstructure:"peer_base_urls" json:"peer_base_urls"`
		MaxConcurrentFetch int          `mapstructure:"max_concurrent_fetch" json:"max_concurrent_fetch"`
		FetchTimeout      time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
		FetchRetries      int           `mapstructure:"fetch_retries" json:"fetch_retries"`
		RetryBackoff      time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
		CacheSize         int           `mapstructure:"cache_size" json:"cache_size"`
		HealthCheckEvery  time.Duration `mapstructure:"health_check_every" json:"health_check_every"`
	} `mapstructure:"replay" json:"replay"`

	Replication struct {
		GraphStoreEndpoint string        `mapstructure:"graph_store_endpoint" json:"graph_store_endpoint"`
		WorkersPerToken    int           `mapstructure:"workers_per_token" json:"workers_per_token"`
		WriteRetries       int           `mapstructure:"write_retries" json:"write_retries"`
		RetryBackoff       time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
		QueueDepth         int           `mapstructure:"queue_depth" json:"queue_depth"`
	} `mapstructure:"replication" json:"replication"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a Config populated with conservative production
// defaults for every component.
func Default() Config {
	var c Config
	c.Listen.Addr = ":8765"
	c.Listen.StatusAddr = ":8766"
	c.Registry.MaxForksPerBlock = 10
	c.Registry.BufferCapacity = 10_000
	c.Registry.Retention = time.Hour
	c.Registry.SweepInterval = 5 * time.Minute
	c.Replay.MaxConcurrentFetch = 5
	c.Replay.FetchTimeout = 30 * time.Second
	c.Replay.FetchRetries = 3
	c.Replay.RetryBackoff = time.Second
	c.Replay.CacheSize = 1_000
	c.Replay.HealthCheckEvery = 30 * time.Second
	c.Replication.WorkersPerToken = 4
	c.Replication.WriteRetries = 5
	c.Replication.RetryBackoff = time.Second
	c.Replication.QueueDepth = 4_096
	c.Logging.Level = "info"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig = Default()

// Load reads configuration files and merges any environment-specific
// overrides on top of the built-in defaults. The resulting configuration is
// stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, no overlay file is merged; the base
// forkwatch config file, if found, is still read.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("forkwatch")
	viper.AddConfigPath("cmd/forkwatchd/config")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("FORKWATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the FORKWATCH_ENV environment
// variable to select an optional overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("FORKWATCH_ENV", ""))
}
