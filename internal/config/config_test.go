package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REALTIME_URL", "https://rides.example.com/realtime")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"websocket", "polling"}, cfg.Transports)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, "rider", cfg.Role)
	assert.Equal(t, 500, cfg.ChatHistoryLimit)
	assert.Equal(t, 3*time.Second, cfg.TypingTimeout)
	assert.Equal(t, 100, cfg.OutboxLimit)
	assert.False(t, cfg.DisableReconnection)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REALTIME_URL", "http://localhost:3000")
	t.Setenv("REALTIME_TRANSPORTS", "Polling")
	t.Setenv("REALTIME_RECONNECT_DELAY", "250ms")
	t.Setenv("REALTIME_RECONNECT_ATTEMPTS", "0")
	t.Setenv("REALTIME_RECONNECTION", "false")
	t.Setenv("RIDE_ROLE", "Driver")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"polling"}, cfg.Transports)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Zero(t, cfg.ReconnectAttempts)
	assert.True(t, cfg.DisableReconnection)
	assert.Equal(t, "driver", cfg.Role)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadCollectsAllErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REALTIME_URL", "")
	t.Setenv("REALTIME_TRANSPORTS", "carrier-pigeon")
	t.Setenv("REALTIME_RECONNECT_DELAY", "soon")
	t.Setenv("OUTBOX_LIMIT", "many")
	t.Setenv("RIDE_ROLE", "passenger")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"REALTIME_URL is required",
		`unknown transport "carrier-pigeon"`,
		"invalid REALTIME_RECONNECT_DELAY",
		"invalid OUTBOX_LIMIT",
		"RIDE_ROLE must be rider or driver",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REALTIME_URL=http://from-dotenv:3000\nOUTBOX_LIMIT=7\n"), 0o600))
	// godotenv does not override variables that are already set
	t.Setenv("OUTBOX_LIMIT", "9")
	t.Setenv("REALTIME_URL", "")
	os.Unsetenv("REALTIME_URL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://from-dotenv:3000", cfg.RealtimeURL)
	assert.Equal(t, 9, cfg.OutboxLimit)
}
