// Package config loads buildcore settings from an optional config file and
// BUILDCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so cas.dir is read
// from BUILDCORE_CAS_DIR.
const EnvPrefix = "buildcore"

type Config struct {
	// Workspace is the directory fs.* rules read from and the watcher
	// observes.
	Workspace string    `mapstructure:"workspace"`
	Log       Log       `mapstructure:"log"`
	CAS       CAS       `mapstructure:"cas"`
	Cache     Cache     `mapstructure:"cache"`
	Redis     Redis     `mapstructure:"redis"`
	Remote    Remote    `mapstructure:"remote"`
	Exec      Exec      `mapstructure:"exec"`
	Graph     Graph     `mapstructure:"graph"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	History   History   `mapstructure:"history"`
	Watch     Watch     `mapstructure:"watch"`
	Worker    Worker    `mapstructure:"worker"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CAS is the local content store.
type CAS struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// Cache is the local action cache. An empty Path keeps it in memory.
type Cache struct {
	Path          string `mapstructure:"path"`
	CacheFailures bool   `mapstructure:"cache_failures"`
}

// Redis is an optional shared tier for blobs and action results.
type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Remote points at a REAPI endpoint. With an empty Target everything runs
// locally.
type Remote struct {
	Target        string `mapstructure:"target"`
	Instance      string `mapstructure:"instance"`
	Execute       bool   `mapstructure:"execute"`
	Fallback      bool   `mapstructure:"fallback"`
	MaxBatchBytes int64  `mapstructure:"max_batch_bytes"`
	Concurrency   int    `mapstructure:"concurrency"`
	Retry         Retry  `mapstructure:"retry"`
}

type Retry struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type Exec struct {
	SandboxRoot       string `mapstructure:"sandbox_root"`
	KeepSandboxes     bool   `mapstructure:"keep_sandboxes"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	IncludeExecutable bool   `mapstructure:"include_executable"`
	FollowSymlinks    bool   `mapstructure:"follow_symlinks"`
	Retry             Retry  `mapstructure:"retry"`
}

type Graph struct {
	MaxConcurrentRules int `mapstructure:"max_concurrent_rules"`
}

type Scheduler struct {
	MaxRoots int `mapstructure:"max_roots"`
}

// History is the SQLite execution log. An empty Path disables it.
type History struct {
	Path string `mapstructure:"path"`
}

// Watch feeds filesystem changes under the workspace to the invalidator.
type Watch struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Worker configures `buildcore worker`.
type Worker struct {
	Listen     string `mapstructure:"listen"`
	HTTPListen string `mapstructure:"http_listen"`
	Instance   string `mapstructure:"instance"`
	Execute    bool   `mapstructure:"execute"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for AutomaticEnv to apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("cas.dir", filepath.Join(".buildcore", "cas"))
	v.SetDefault("cas.max_bytes", int64(0))

	v.SetDefault("cache.path", filepath.Join(".buildcore", "actions.db"))
	v.SetDefault("cache.cache_failures", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", time.Duration(0))

	v.SetDefault("remote.target", "")
	v.SetDefault("remote.instance", "")
	v.SetDefault("remote.execute", false)
	v.SetDefault("remote.fallback", true)
	v.SetDefault("remote.max_batch_bytes", int64(4<<20-64<<10))
	v.SetDefault("remote.concurrency", 8)
	v.SetDefault("remote.retry.max_attempts", 4)
	v.SetDefault("remote.retry.initial_backoff", 50*time.Millisecond)
	v.SetDefault("remote.retry.max_backoff", 2*time.Second)

	v.SetDefault("exec.sandbox_root", "")
	v.SetDefault("exec.keep_sandboxes", false)
	v.SetDefault("exec.max_parallel", 8)
	v.SetDefault("exec.include_executable", true)
	v.SetDefault("exec.follow_symlinks", false)
	v.SetDefault("exec.retry.max_attempts", 1)
	v.SetDefault("exec.retry.initial_backoff", time.Duration(0))
	v.SetDefault("exec.retry.max_backoff", time.Duration(0))

	v.SetDefault("graph.max_concurrent_rules", runtime.GOMAXPROCS(0)*4)
	v.SetDefault("scheduler.max_roots", 0)

	v.SetDefault("history.path", filepath.Join(".buildcore", "history.db"))

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.interval", 500*time.Millisecond)
	v.SetDefault("watch.debounce", 100*time.Millisecond)

	v.SetDefault("worker.listen", "127.0.0.1:8980")
	v.SetDefault("worker.http_listen", "127.0.0.1:8981")
	v.SetDefault("worker.instance", "")
	v.SetDefault("worker.execute", true)
}

// New returns a viper instance with defaults and environment overrides set
// up. Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads path (if not empty) into v and decodes the result. A missing
// file is an error only when a path was given.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns the configuration with no file and no environment.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level: unknown level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format: must be text or json, got %q", c.Log.Format)
	}
	if c.CAS.Dir == "" {
		bad("cas.dir: required")
	}
	if c.CAS.MaxBytes < 0 {
		bad("cas.max_bytes: must not be negative")
	}
	if c.Remote.Execute && c.Remote.Target == "" {
		bad("remote.execute: requires remote.target")
	}
	if c.Remote.MaxBatchBytes <= 0 {
		bad("remote.max_batch_bytes: must be positive")
	}
	if c.Remote.Concurrency < 1 {
		bad("remote.concurrency: must be at least 1")
	}
	if c.Exec.MaxParallel < 1 {
		bad("exec.max_parallel: must be at least 1")
	}
	c.Remote.Retry.validate("remote.retry", bad)
	c.Exec.Retry.validate("exec.retry", bad)
	if c.Graph.MaxConcurrentRules < 1 {
		bad("graph.max_concurrent_rules: must be at least 1")
	}
	if c.Scheduler.MaxRoots < 0 {
		bad("scheduler.max_roots: must not be negative")
	}
	if c.Workspace == "" {
		bad("workspace: required")
	}
	if c.Watch.Enabled && c.Watch.Interval < time.Millisecond {
		bad("watch.interval: must be at least 1ms")
	}
	if c.Watch.Debounce < 0 {
		bad("watch.debounce: must not be negative")
	}
	return errors.Join(errs...)
}

func (r Retry) validate(name string, bad func(string, ...any)) {
	if r.MaxAttempts < 1 {
		bad("%s.max_attempts: must be at least 1", name)
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		bad("%s: backoff must not be negative", name)
	}
}
