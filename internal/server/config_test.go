package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/floorsync/internal/store"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080", "http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(8192), cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, RateLimitConfig{Burst: 30, RefillInterval: time.Second}, cfg.RateLimit)
	assert.Equal(t, 5*time.Second, cfg.EventTimeout)
	assert.Equal(t, BroadcastConfig{FanOut: 32, SendTimeout: 2 * time.Second, PruneStale: true}, cfg.Broadcast)
	assert.Equal(t, store.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, store.DefaultKeyPrefix, cfg.Store.Redis.KeyPrefix)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9999")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("SEND_BUFFER_SIZE", "16")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("EVENT_TIMEOUT", "750ms")
	t.Setenv("BROADCAST_FAN_OUT", "4")
	t.Setenv("BROADCAST_SEND_TIMEOUT", "100ms")
	t.Setenv("BROADCAST_PRUNE_STALE", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("STORE_BACKEND", "REDIS")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_KEY_PREFIX", "fs:")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/floors")
	t.Setenv("POSTGRES_TABLE", "sessions")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":9999", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 16, cfg.SendBufferSize)
	assert.Equal(t, RateLimitConfig{Burst: 5, RefillInterval: 3 * time.Second}, cfg.RateLimit)
	assert.Equal(t, 750*time.Millisecond, cfg.EventTimeout)
	assert.Equal(t, BroadcastConfig{FanOut: 4, SendTimeout: 100 * time.Millisecond, PruneStale: false}, cfg.Broadcast)
	assert.Equal(t, LogConfig{Level: "debug", Format: "console"}, cfg.Log)
	assert.Equal(t, store.BackendRedis, cfg.Store.Backend)
	assert.Equal(t, store.RedisConfig{Addr: "redis:6379", DB: 2, KeyPrefix: "fs:"}, cfg.Store.Redis)
	assert.Equal(t, store.PostgresConfig{DSN: "postgres://localhost/floors", Table: "sessions"}, cfg.Store.Postgres)
}

func TestNewConfigFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("EVENT_TIMEOUT", "soon")
	t.Setenv("BROADCAST_PRUNE_STALE", "maybe")
	t.Setenv("REDIS_DB", "-3")

	cfg := NewConfigFromEnv()
	defaults := NewConfig()

	assert.Equal(t, defaults.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, defaults.RateLimit.Burst, cfg.RateLimit.Burst)
	assert.Equal(t, defaults.EventTimeout, cfg.EventTimeout)
	assert.True(t, cfg.Broadcast.PruneStale)
	assert.Equal(t, 0, cfg.Store.Redis.DB)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "floorsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfigFile(t, `
port: ":7000"
allowed_origins:
  - https://floors.example
rate_limit:
  burst: 10
  refill_interval: 2s
event_timeout: 1s
broadcast:
  fan_out: 8
  prune_stale: false
store:
  backend: postgres
  postgres:
    dsn: postgres://db/floors
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, []string{"https://floors.example"}, cfg.AllowedOrigins)
	assert.Equal(t, RateLimitConfig{Burst: 10, RefillInterval: 2 * time.Second}, cfg.RateLimit)
	assert.Equal(t, time.Second, cfg.EventTimeout)
	assert.Equal(t, 8, cfg.Broadcast.FanOut)
	assert.Equal(t, 2*time.Second, cfg.Broadcast.SendTimeout, "unset keys keep defaults")
	assert.False(t, cfg.Broadcast.PruneStale)
	assert.Equal(t, store.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://db/floors", cfg.Store.Postgres.DSN)
	assert.Equal(t, store.DefaultTable, cfg.Store.Postgres.Table)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "port: \":7000\"\n")
	t.Setenv("SERVER_PORT", ":7001")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Port)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = LoadConfig(writeConfigFile(t, "port: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadConfigWithoutPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Port, cfg.Port)
}

func TestSetConfigSanitizes(t *testing.T) {
	withConfig(t, func(cfg *Config) {
		cfg.Port = ""
		cfg.MaxMessageSize = 0
		cfg.SendBufferSize = -1
		cfg.RateLimit = RateLimitConfig{}
		cfg.EventTimeout = 0
		cfg.Broadcast.FanOut = 0
		cfg.Store.Backend = ""
		cfg.AllowedOrigins = []string{" HTTP://Example.COM ", "", "not a url"}
	})

	cfg := CurrentConfig()
	defaults := NewConfig()
	assert.Equal(t, defaults.Port, cfg.Port)
	assert.Equal(t, defaults.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, defaults.SendBufferSize, cfg.SendBufferSize)
	assert.Equal(t, defaults.RateLimit, cfg.RateLimit)
	assert.Equal(t, defaults.EventTimeout, cfg.EventTimeout)
	assert.Equal(t, defaults.Broadcast.FanOut, cfg.Broadcast.FanOut)
	assert.Equal(t, store.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, []string{"http://example.com"}, cfg.AllowedOrigins)
}

func TestCurrentConfigReturnsCopy(t *testing.T) {
	withConfig(t, nil)

	cfg := CurrentConfig()
	cfg.AllowedOrigins[0] = "http://mutated.example"
	assert.NotEqual(t, "http://mutated.example", CurrentConfig().AllowedOrigins[0])
}

func TestOriginAllowList(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "listed", allowed: []string{"http://example.com"}, origin: "http://example.com", want: true},
		{name: "case insensitive", allowed: []string{"http://example.com"}, origin: "HTTP://Example.Com", want: true},
		{name: "port matters", allowed: []string{"http://example.com"}, origin: "http://example.com:8080", want: false},
		{name: "not listed", allowed: []string{"http://example.com"}, origin: "http://evil.example", want: false},
		{name: "missing origin", allowed: []string{"http://example.com"}, origin: "", want: false},
		{name: "malformed origin", allowed: []string{"http://example.com"}, origin: "not-a-url", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything.example", want: true},
		{name: "wildcard still needs an origin", allowed: []string{"*"}, origin: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withConfig(t, func(cfg *Config) { cfg.AllowedOrigins = tt.allowed })

			req, err := http.NewRequest(http.MethodGet, "/ws", http.NoBody)
			require.NoError(t, err)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isOriginAllowed(req))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter(3, time.Hour)
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow(), "burst exhausted")

	refilled := newRateLimiter(1, 20*time.Millisecond)
	assert.True(t, refilled.Allow())
	assert.False(t, refilled.Allow())
	assert.Eventually(t, refilled.Allow, time.Second, 5*time.Millisecond)

	fallback := newRateLimiter(0, 0)
	assert.True(t, fallback.Allow())
}

func TestPinRestartOnly(t *testing.T) {
	running := *NewConfig()
	running.Store.Backend = store.BackendRedis

	next := NewConfig()
	next.Port = ":9000"
	next.EventTimeout = time.Minute
	next.Broadcast = BroadcastConfig{FanOut: 1, SendTimeout: time.Minute, PruneStale: false}
	next.Store.Backend = store.BackendPostgres
	next.RateLimit.Burst = 99
	next.AllowedOrigins = []string{"https://new.example"}

	PinRestartOnly(running, next)

	assert.Equal(t, running.Port, next.Port)
	assert.Equal(t, running.EventTimeout, next.EventTimeout)
	assert.Equal(t, running.Broadcast, next.Broadcast)
	assert.Equal(t, store.BackendRedis, next.Store.Backend)
	assert.Equal(t, 99, next.RateLimit.Burst, "reloadable settings pass through")
	assert.Equal(t, []string{"https://new.example"}, next.AllowedOrigins)
}

func TestSetConfigReturnsRejectedOrigins(t *testing.T) {
	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"https://ok.example", "not a url", "https://OK.example", "  ", "*"}
	rejected := SetConfig(cfg)
	t.Cleanup(func() { SetConfig(nil) })

	assert.Equal(t, []string{"not a url"}, rejected)
	assert.Equal(t, []string{"https://ok.example"}, CurrentConfig().AllowedOrigins, "duplicates collapse and the wildcard is not listed")
	assert.Empty(t, SetConfig(nil))
}

func TestOriginPolicyAllows(t *testing.T) {
	policy, canonical, rejected := newOriginPolicy([]string{"http://Example.com:3000"})
	assert.Equal(t, []string{"http://example.com:3000"}, canonical)
	assert.Empty(t, rejected)

	assert.True(t, policy.allows("http://EXAMPLE.com:3000"))
	assert.False(t, policy.allows("http://example.com"))
	assert.False(t, originPolicy{}.allows("http://example.com"), "zero policy admits nothing")
}
