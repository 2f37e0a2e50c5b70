package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setRequired sets the minimum environment a valid config needs.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PUBLIC_URL", "https://remindq.example.com")
	t.Setenv("QUEUE_TOKEN", "qstash-token")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "local", cfg.Environment)
	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, 720*time.Hour, cfg.Redis.Retention)
	require.Equal(t, 2160*time.Hour, cfg.Redis.DeadLetterRetention)
	require.Equal(t, 3, cfg.Queue.Retries)
	require.Equal(t, 5, cfg.Queue.Parallelism)
	require.Equal(t, 5*time.Minute, cfg.Schedule.GraceWindow)
	require.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_RETRIES", "5")
	t.Setenv("SCHEDULE_GRACE_WINDOW", "10m")
	t.Setenv("CORS_ORIGINS", "https://app.remindq.example.com,https://admin.remindq.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, 5, cfg.Queue.Retries)
	require.Equal(t, 10*time.Minute, cfg.Schedule.GraceWindow)
	require.Len(t, cfg.Server.CORSOrigins, 2)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("QUEUE_TOKEN", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsInvertedRetention(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_RETENTION", "720h")
	t.Setenv("DEADLETTER_RETENTION", "24h")

	_, err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DEADLETTER_RETENTION")
}

func TestLoadConfigRejectsInvalidEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production-ish")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigForcesUTC(t *testing.T) {
	setRequired(t)

	_, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, time.UTC, time.Local)
}
