// Package config loads engine configuration in layers: built-in defaults,
// then an optional config file, then LOOM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig tunes the HTTP/WebSocket server.
type ServerConfig struct {
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// RedisConfig selects and tunes the durable backend. With Enabled false, or
// when Redis is unreachable at startup, the engine degrades to the in-process
// cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig tunes the DAG executor.
type EngineConfig struct {
	CacheResults       bool `mapstructure:"cache_results"`
	DLQEnabled         bool `mapstructure:"dlq_enabled"`
	StrictHandlers     bool `mapstructure:"strict_handlers"`
	LockTimeoutSeconds int  `mapstructure:"lock_timeout_seconds"`
}

// DeployConfig tunes per-deployment defaults.
type DeployConfig struct {
	MaxConcurrentRuns int  `mapstructure:"max_concurrent_runs"`
	StopOnError       bool `mapstructure:"stop_on_error"`
}

// RecoveryConfig tunes the recovery sweeper.
type RecoveryConfig struct {
	SweepIntervalSeconds    int  `mapstructure:"sweep_interval_seconds"`
	HeartbeatTimeoutSeconds int  `mapstructure:"heartbeat_timeout_seconds"`
	ScanOnStartup           bool `mapstructure:"scan_on_startup"`
}

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Recovery RecoveryConfig `mapstructure:"recovery"`

	// EventWaiterMode selects the waiter backend: "auto" follows the cache
	// mode, "memory" and "redis-stream" force a backend.
	EventWaiterMode string `mapstructure:"event_waiter_mode"`
	LogLevel        string `mapstructure:"log_level"`
	MapsKey         string `mapstructure:"maps_key"`
}

// LockTimeout returns the engine lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Engine.LockTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Recovery.SweepIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the sweeper heartbeat timeout as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Recovery.HeartbeatTimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("engine.cache_results", true)
	v.SetDefault("engine.dlq_enabled", true)
	v.SetDefault("engine.strict_handlers", false)
	v.SetDefault("engine.lock_timeout_seconds", 10)
	v.SetDefault("deploy.max_concurrent_runs", 10)
	v.SetDefault("deploy.stop_on_error", true)
	v.SetDefault("recovery.sweep_interval_seconds", 60)
	v.SetDefault("recovery.heartbeat_timeout_seconds", 300)
	v.SetDefault("recovery.scan_on_startup", true)
	v.SetDefault("event_waiter_mode", "auto")
	v.SetDefault("log_level", "info")
	v.SetDefault("maps_key", "")
}

// Load reads configuration. path may be empty, in which case loom.yaml is
// searched in the working directory and ~/.loom; a missing file is not an
// error, the defaults and environment carry the configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.loom")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
