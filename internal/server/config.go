// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the floorsync service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/floorsync/internal/store"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// BroadcastConfig tunes presence fan-out.
type BroadcastConfig struct {
	FanOut      int           `yaml:"fan_out"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	PruneStale  bool          `yaml:"prune_stale"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	SendBufferSize int             `yaml:"send_buffer_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	EventTimeout   time.Duration   `yaml:"event_timeout"`
	Broadcast      BroadcastConfig `yaml:"broadcast"`
	Log            LogConfig       `yaml:"log"`
	Store          store.Config    `yaml:"store"`
}

var (
	configMu      sync.RWMutex
	activeConfig  Config
	activeOrigins originPolicy
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:3000",
		},
		MaxMessageSize: 8192,
		SendBufferSize: 256,
		RateLimit: RateLimitConfig{
			Burst:          30,
			RefillInterval: time.Second,
		},
		EventTimeout: 5 * time.Second,
		Broadcast: BroadcastConfig{
			FanOut:      32,
			SendTimeout: 2 * time.Second,
			PruneStale:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: store.Config{
			Backend: store.BackendMemory,
			Redis: store.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: store.DefaultKeyPrefix,
			},
			Postgres: store.PostgresConfig{
				Table: store.DefaultTable,
			},
		},
	}
}

func sanitizeConfig(cfg Config) []string {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = defaults.EventTimeout
	}
	if cfg.Broadcast.FanOut <= 0 {
		cfg.Broadcast.FanOut = defaults.Broadcast.FanOut
	}
	if cfg.Broadcast.SendTimeout <= 0 {
		cfg.Broadcast.SendTimeout = defaults.Broadcast.SendTimeout
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaults.Store.Backend
	}

	policy, origins, rejected := newOriginPolicy(cfg.AllowedOrigins)
	cfg.AllowedOrigins = origins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	activeOrigins = policy

	return rejected
}

// SetConfig applies the provided configuration. Passing nil resets to
// defaults. It returns the allowed_origins entries that were not valid
// origins and so were left out of the allow list.
func SetConfig(cfg *Config) []string {
	if cfg == nil {
		return sanitizeConfig(defaultConfig())
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return sanitizeConfig(sanitized)
}

// PinRestartOnly copies from running the settings that are read once at
// startup (listen address, store, event timeout and broadcast tuning) into
// next, so a reload only changes what live components read per connection.
func PinRestartOnly(running Config, next *Config) {
	next.Port = running.Port
	next.Store = running.Store
	next.EventTimeout = running.EventTimeout
	next.Broadcast = running.Broadcast
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// LoadConfig builds a Config from defaults, the YAML file at path (skipped
// when path is empty) and then environment variables, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if timeout := os.Getenv("EVENT_TIMEOUT"); timeout != "" {
		cfg.EventTimeout = parseDuration(timeout, cfg.EventTimeout)
	}
	if fanOut := os.Getenv("BROADCAST_FAN_OUT"); fanOut != "" {
		cfg.Broadcast.FanOut = parseIntValue(fanOut, cfg.Broadcast.FanOut)
	}
	if timeout := os.Getenv("BROADCAST_SEND_TIMEOUT"); timeout != "" {
		cfg.Broadcast.SendTimeout = parseDuration(timeout, cfg.Broadcast.SendTimeout)
	}
	if prune := os.Getenv("BROADCAST_PRUNE_STALE"); prune != "" {
		if enabled, err := strconv.ParseBool(prune); err == nil {
			cfg.Broadcast.PruneStale = enabled
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = strings.ToLower(backend)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Store.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Store.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.Store.Redis.DB = n
		}
	}
	if prefix := os.Getenv("REDIS_KEY_PREFIX"); prefix != "" {
		cfg.Store.Redis.KeyPrefix = prefix
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Store.Postgres.DSN = dsn
	}
	if table := os.Getenv("POSTGRES_TABLE"); table != "" {
		cfg.Store.Postgres.Table = table
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("250ms") or whole seconds ("3").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
