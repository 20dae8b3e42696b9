// Package config loads the plain key=value configuration file used by
// both tiers. Lines starting with '#' or ';' are comments. A fixed set
// of environment variables overrides file values so deployments can
// inject credentials without editing files.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config is a concurrency-safe snapshot of resolved settings.
type Config struct {
	mu     sync.RWMutex
	values map[string]string
}

// New returns an empty config with only environment overrides applied.
func New() *Config {
	c := &Config{values: make(map[string]string)}
	c.applyEnvironment()
	return c
}

// Load reads a key=value file and applies environment overrides on
// top. A missing file is not an error: defaults plus environment win.
func Load(path string) (*Config, error) {
	c := &Config{values: make(map[string]string)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config file not found, using defaults", "path", path)
			c.applyEnvironment()
			return c, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		c.values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c.applyEnvironment()
	slog.Info("config loaded", "path", path, "keys", len(c.values))
	return c, nil
}

// envOverrides maps environment variables onto config keys.
var envOverrides = map[string]string{
	"DB_HOST":       "db.host",
	"DB_PORT":       "db.port",
	"DB_USER":       "db.user",
	"DB_PASSWORD":   "db.password",
	"DB_NAME":       "db.name",
	"KAFKA_BROKERS": "kafka.brokers",
	"REDIS_ADDR":    "redis.addr",
}

func (c *Config) applyEnvironment() {
	for env, key := range envOverrides {
		if v := os.Getenv(env); v != "" {
			c.values[key] = v
		}
	}
}

// Set overrides a single key at runtime.
func (c *Config) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Replace swaps in the values of a freshly loaded config. Used by the
// hot-reload watcher so existing holders observe new values.
func (c *Config) Replace(from *Config) {
	from.mu.RLock()
	next := make(map[string]string, len(from.values))
	for k, v := range from.values {
		next[k] = v
	}
	from.mu.RUnlock()

	c.mu.Lock()
	c.values = next
	c.mu.Unlock()
}

// String returns the value for key, or def when unset.
func (c *Config) String(key, def string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when unset or
// unparseable.
func (c *Config) Int(key string, def int) int {
	v := c.String(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config value is not an integer", "key", key, "value", v)
		return def
	}
	return n
}

// Bool returns the boolean value for key ("true"/"1"/"yes"), or def.
func (c *Config) Bool(key string, def bool) bool {
	v := strings.ToLower(c.String(key, ""))
	switch v {
	case "":
		return def
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Seconds reads an integer number of seconds as a duration.
func (c *Config) Seconds(key string, def time.Duration) time.Duration {
	v := c.Int(key, -1)
	if v < 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// --- Well-known accessors ---

// Defaults mirrored from the original deployment.
const (
	DefaultCheckInterval     = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReaperGrace       = 120 * time.Second
	DefaultMaxLoad           = 10
	DefaultAPIPort           = 8080
	DefaultPullLimit         = 10
)

func (c *Config) CheckInterval() time.Duration {
	return c.Seconds("scheduler.check_interval", DefaultCheckInterval)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return c.Seconds("executor.heartbeat_interval", DefaultHeartbeatInterval)
}

func (c *Config) ReaperGrace() time.Duration {
	return c.Seconds("scheduler.reaper_grace", DefaultReaperGrace)
}

func (c *Config) SelectionStrategy() string {
	return c.String("scheduler.executor_selection_strategy", "RANDOM")
}

func (c *Config) DefaultMaxLoad() int {
	return c.Int("executor.default_max_load", DefaultMaxLoad)
}

func (c *Config) APIPort() int {
	return c.Int("stats.api.port", DefaultAPIPort)
}

func (c *Config) PullLimit() int {
	return c.Int("scheduler.pull_limit", DefaultPullLimit)
}

func (c *Config) Brokers() string {
	return c.String("kafka.brokers", "localhost:9092")
}

func (c *Config) RedisAddr() string {
	return c.String("redis.addr", "localhost:6379")
}

// DatabaseDSN assembles the DSN for the configured db.driver
// ("postgres" or "sqlite", default postgres).
func (c *Config) DatabaseDSN() (driver, dsn string) {
	driver = c.String("db.driver", "postgres")
	if driver == "sqlite" {
		return driver, c.String("db.path", "taskgrid.db")
	}
	host := c.String("db.host", "localhost")
	port := c.Int("db.port", 5432)
	user := c.String("db.user", "postgres")
	pass := c.String("db.password", "")
	name := c.String("db.name", "distributed_scheduler")
	return driver, fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", user, pass, host, port, name)
}

func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.String("log.level", "info")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
