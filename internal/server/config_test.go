package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestNewConfig verifies the defaults used when nothing is configured.
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":7070", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 20*time.Second, cfg.OperationDelay)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.NATSURL)
	assert.Zero(t, cfg.MaxChatUsers)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "5")
	t.Setenv("OPERATION_DELAY", "1500ms")
	t.Setenv("SHUTDOWN_TIMEOUT", "3")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CHAT_MAX_USERS", "50")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":9000", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.OperationDelay)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.MaxChatUsers)
}

func TestNewConfigFromEnvPortPrecedence(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("PORT", "7171")

	assert.Equal(t, ":7171", NewConfigFromEnv().Port)
}

// TestNewConfigFromEnvInvalidValues verifies that unparsable values fall
// back to their defaults instead of failing startup.
func TestNewConfigFromEnvInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "0")
	t.Setenv("OPERATION_DELAY", "soon")

	cfg := NewConfigFromEnv()
	def := NewConfig()

	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.OperationDelay, cfg.OperationDelay)
}

func TestConfigSanitize(t *testing.T) {
	origins := []string{"http://a.example"}
	cfg := Config{Port: "8081", AllowedOrigins: origins}.Sanitize()

	assert.Equal(t, ":8081", cfg.Port)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 20*time.Second, cfg.OperationDelay)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	cfg.AllowedOrigins[0] = "mutated"
	assert.Equal(t, "http://a.example", origins[0], "sanitize copies the origin list")
}

func TestNormalizePort(t *testing.T) {
	tests := map[string]string{
		"":               ":7070",
		"  ":             ":7070",
		"8080":           ":8080",
		":8080":          ":8080",
		"127.0.0.1:8080": "127.0.0.1:8080",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePort(in), "input %q", in)
	}
}

func TestParseDuration(t *testing.T) {
	def := 7 * time.Second
	assert.Equal(t, 250*time.Millisecond, parseDuration("250ms", def))
	assert.Equal(t, 4*time.Second, parseDuration("4", def))
	assert.Equal(t, def, parseDuration("-2s", def))
	assert.Equal(t, def, parseDuration("never", def))
}
