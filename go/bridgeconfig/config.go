// Copyright 2025 The Cmdbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridgeconfig loads daemon configuration from flags, environment
// variables, and an optional config file. Precedence follows viper's rules:
// flags override environment variables, which override file values, which
// override defaults.
package bridgeconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// CMDBRIDGE_ENGINE_PORT maps to engine.port.
const envPrefix = "CMDBRIDGE"

// EngineConfig describes how to reach the command engine.
type EngineConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout  time.Duration `mapstructure:"socket_timeout" yaml:"socket_timeout"`
}

// PoolConfig sizes the engine connection pool.
type PoolConfig struct {
	MinConns            int           `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConns            int           `mapstructure:"max_conns" yaml:"max_conns"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxRequestsPerConn  uint64        `mapstructure:"max_requests_per_conn" yaml:"max_requests_per_conn"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	LockTimeout         time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// RateLimitConfig controls per-client admission.
type RateLimitConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute  float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	ScriptingPerMinute float64       `mapstructure:"scripting_per_minute" yaml:"scripting_per_minute"`
	MaxConcurrent      int64         `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	BucketTTL          time.Duration `mapstructure:"bucket_ttl" yaml:"bucket_ttl"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// Config is the full daemon configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Host:           "localhost",
			Port:           9876,
			ConnectTimeout: 10 * time.Second,
			SocketTimeout:  30 * time.Second,
		},
		Pool: PoolConfig{
			MinConns:            0,
			MaxConns:            4,
			AcquireTimeout:      30 * time.Second,
			IdleTimeout:         5 * time.Minute,
			MaxRequestsPerConn:  0,
			HealthCheckInterval: 30 * time.Second,
			LockTimeout:         5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			RequestsPerMinute:  100,
			ScriptingPerMinute: 30,
			MaxConcurrent:      10,
			BucketTTL:          5 * time.Minute,
			CleanupInterval:    time.Minute,
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Host == "" {
		return fmt.Errorf("engine.host must not be empty")
	}
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("engine.port must be in [1, 65535], got %d", c.Engine.Port)
	}
	if c.Pool.MaxConns <= 0 {
		return fmt.Errorf("pool.max_conns must be positive, got %d", c.Pool.MaxConns)
	}
	if c.Pool.MinConns < 0 || c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("pool.min_conns must be in [0, pool.max_conns], got %d", c.Pool.MinConns)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.requests_per_minute must be positive, got %v", c.RateLimit.RequestsPerMinute)
		}
		if c.RateLimit.ScriptingPerMinute <= 0 {
			return fmt.Errorf("rate_limit.scripting_per_minute must be positive, got %v", c.RateLimit.ScriptingPerMinute)
		}
		if c.RateLimit.MaxConcurrent <= 0 {
			return fmt.Errorf("rate_limit.max_concurrent must be positive, got %d", c.RateLimit.MaxConcurrent)
		}
	}
	return nil
}

// YAML renders the config as a YAML document, suitable for seeding a
// config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Loader wires a viper instance to a flag set and produces Config values.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a Loader with defaults and environment bindings
// installed.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("engine.host", def.Engine.Host)
	v.SetDefault("engine.port", def.Engine.Port)
	v.SetDefault("engine.connect_timeout", def.Engine.ConnectTimeout)
	v.SetDefault("engine.socket_timeout", def.Engine.SocketTimeout)
	v.SetDefault("pool.min_conns", def.Pool.MinConns)
	v.SetDefault("pool.max_conns", def.Pool.MaxConns)
	v.SetDefault("pool.acquire_timeout", def.Pool.AcquireTimeout)
	v.SetDefault("pool.idle_timeout", def.Pool.IdleTimeout)
	v.SetDefault("pool.max_requests_per_conn", def.Pool.MaxRequestsPerConn)
	v.SetDefault("pool.health_check_interval", def.Pool.HealthCheckInterval)
	v.SetDefault("pool.lock_timeout", def.Pool.LockTimeout)
	v.SetDefault("rate_limit.enabled", def.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_minute", def.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.scripting_per_minute", def.RateLimit.ScriptingPerMinute)
	v.SetDefault("rate_limit.max_concurrent", def.RateLimit.MaxConcurrent)
	v.SetDefault("rate_limit.bucket_ttl", def.RateLimit.BucketTTL)
	v.SetDefault("rate_limit.cleanup_interval", def.RateLimit.CleanupInterval)

	return &Loader{v: v}
}

// RegisterFlags installs the daemon's config flags on fs and binds them to
// the loader's keys.
func (l *Loader) RegisterFlags(fs *pflag.FlagSet) {
	def := Default()

	fs.StringVar(&l.configFile, "config-file", "", "Full path of a YAML config file to load.")

	fs.String("engine-host", def.Engine.Host, "Host the command engine listens on.")
	fs.Int("engine-port", def.Engine.Port, "Port the command engine listens on.")
	fs.Duration("engine-connect-timeout", def.Engine.ConnectTimeout, "Timeout for establishing an engine connection.")
	fs.Duration("engine-socket-timeout", def.Engine.SocketTimeout, "Per-operation read/write timeout on engine connections.")

	fs.Int("pool-min-conns", def.Pool.MinConns, "Number of engine connections to keep warm.")
	fs.Int("pool-max-conns", def.Pool.MaxConns, "Maximum concurrent engine connections.")
	fs.Duration("pool-acquire-timeout", def.Pool.AcquireTimeout, "How long a caller waits for a pooled connection.")
	fs.Duration("pool-idle-timeout", def.Pool.IdleTimeout, "How long an idle connection is kept before being closed (0 disables).")
	fs.Uint64("pool-max-requests-per-conn", def.Pool.MaxRequestsPerConn, "Requests served before a connection is recycled (0 disables).")
	fs.Duration("pool-health-check-interval", def.Pool.HealthCheckInterval, "Interval between pool health sweeps (0 disables).")
	fs.Duration("pool-lock-timeout", def.Pool.LockTimeout, "Timeout for acquiring the pool's internal lock.")

	fs.Bool("rate-limit-enabled", def.RateLimit.Enabled, "Enable client rate limiting.")
	fs.Float64("rate-limit-requests-per-minute", def.RateLimit.RequestsPerMinute, "Token budget per client per minute for regular commands.")
	fs.Float64("rate-limit-scripting-per-minute", def.RateLimit.ScriptingPerMinute, "Token budget per client per minute for scripting commands.")
	fs.Int64("rate-limit-max-concurrent", def.RateLimit.MaxConcurrent, "Maximum commands in flight across all clients.")
	fs.Duration("rate-limit-bucket-ttl", def.RateLimit.BucketTTL, "How long an unused client bucket is retained.")
	fs.Duration("rate-limit-cleanup-interval", def.RateLimit.CleanupInterval, "Interval between stale bucket sweeps.")

	bind := func(key, flag string) {
		if err := l.v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}
	bind("engine.host", "engine-host")
	bind("engine.port", "engine-port")
	bind("engine.connect_timeout", "engine-connect-timeout")
	bind("engine.socket_timeout", "engine-socket-timeout")
	bind("pool.min_conns", "pool-min-conns")
	bind("pool.max_conns", "pool-max-conns")
	bind("pool.acquire_timeout", "pool-acquire-timeout")
	bind("pool.idle_timeout", "pool-idle-timeout")
	bind("pool.max_requests_per_conn", "pool-max-requests-per-conn")
	bind("pool.health_check_interval", "pool-health-check-interval")
	bind("pool.lock_timeout", "pool-lock-timeout")
	bind("rate_limit.enabled", "rate-limit-enabled")
	bind("rate_limit.requests_per_minute", "rate-limit-requests-per-minute")
	bind("rate_limit.scripting_per_minute", "rate-limit-scripting-per-minute")
	bind("rate_limit.max_concurrent", "rate-limit-max-concurrent")
	bind("rate_limit.bucket_ttl", "rate-limit-bucket-ttl")
	bind("rate_limit.cleanup_interval", "rate-limit-cleanup-interval")
}

// Load reads the config file (if one was given), decodes the merged
// settings, and validates the result.
func (l *Loader) Load() (Config, error) {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", l.configFile, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(l.v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch re-decodes the config whenever the loaded file changes and calls
// onChange with the new value. Decode or validation failures keep the old
// config and are reported through onError. Watch is a no-op when no config
// file was loaded.
func (l *Loader) Watch(onChange func(Config), onError func(error)) {
	if l.configFile == "" {
		return
	}
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// ConfigFile returns the path given via --config-file, if any.
func (l *Loader) ConfigFile() string {
	return l.configFile
}
