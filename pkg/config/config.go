// Package config resolves dispatcher configuration once at startup from
// flags, an optional YAML file, and OCTASKLY_-prefixed environment
// variables, into an immutable value threaded through component
// constructors. There is no process-wide config singleton (see Design Notes
// on global configuration).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, immutable dispatcher configuration.
type Config struct {
	APIPort   int    `mapstructure:"api_port"`
	DBPath    string `mapstructure:"db_path"`
	SecretKey string `mapstructure:"secret_key"`

	WorkerWhitelist []string `mapstructure:"worker_whitelist"`

	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	LivenessTimeout       time.Duration `mapstructure:"liveness_timeout"`
	EvictionGrace         time.Duration `mapstructure:"eviction_grace"`
	SchedulerTimeoutGrace time.Duration `mapstructure:"scheduler_timeout_grace"`
	SchedulerTick         time.Duration `mapstructure:"scheduler_tick"`

	MaxRequeues       int   `mapstructure:"max_requeues"`
	PendingQueueCap   int   `mapstructure:"pending_queue_cap"`
	CaptureLimitBytes int64 `mapstructure:"capture_limit_bytes"`

	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

// Defaults mirrors the defaults named throughout spec.md §4 and §5.
func Defaults() Config {
	return Config{
		APIPort:               7701,
		DBPath:                "./octaskly-data",
		HeartbeatInterval:     5 * time.Second,
		LivenessTimeout:       15 * time.Second,
		EvictionGrace:         30 * time.Second,
		SchedulerTimeoutGrace: 30 * time.Second,
		SchedulerTick:         1 * time.Second,
		MaxRequeues:           5,
		PendingQueueCap:       10000,
		CaptureLimitBytes:     1 << 20, // 1 MiB
		RateLimitPerSecond:    50,
		RateLimitBurst:        100,
	}
}

// Load resolves configuration from, in increasing precedence: built-in
// defaults, an optional YAML file at configPath (skipped if empty or
// missing), and OCTASKLY_-prefixed environment variables.
func Load(configPath string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("api_port", defaults.APIPort)
	v.SetDefault("db_path", defaults.DBPath)
	// Keys without a default are invisible to Unmarshal under AutomaticEnv,
	// so these are registered to make their environment variables apply.
	v.SetDefault("secret_key", "")
	v.SetDefault("worker_whitelist", []string{})
	v.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	v.SetDefault("liveness_timeout", defaults.LivenessTimeout)
	v.SetDefault("eviction_grace", defaults.EvictionGrace)
	v.SetDefault("scheduler_timeout_grace", defaults.SchedulerTimeoutGrace)
	v.SetDefault("scheduler_tick", defaults.SchedulerTick)
	v.SetDefault("max_requeues", defaults.MaxRequeues)
	v.SetDefault("pending_queue_cap", defaults.PendingQueueCap)
	v.SetDefault("capture_limit_bytes", defaults.CaptureLimitBytes)
	v.SetDefault("rate_limit_per_second", defaults.RateLimitPerSecond)
	v.SetDefault("rate_limit_burst", defaults.RateLimitBurst)

	v.SetEnvPrefix("OCTASKLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}

	return cfg, nil
}
