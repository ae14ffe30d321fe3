package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "swipestats-uploads", cfg.Blob.Bucket)
	assert.Equal(t, 15*time.Minute, cfg.Blob.PresignTTL)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 20, cfg.DBMaxOpenConns)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("SWIPESTATS_SESSION_TTL_SECONDS", "3600")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("SWIPESTATS_ANON_RETENTION_HOURS", "48")
	t.Setenv("DB_MAX_OPEN_CONNS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.Blob.UseSSL)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 48*time.Hour, cfg.AnonRetention)
	assert.Equal(t, 5, cfg.DBMaxOpenConns)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("SWIPESTATS_JWT_SECRET", "short")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("SWIPESTATS_API_URL", "https://api.example.com")
	t.Setenv("SWIPESTATS_SESSION_FILE", "/tmp/session.json")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.APIURL)
	assert.Equal(t, 30*time.Second, cfg.ContextTTL)
	assert.Equal(t, "/tmp/session.json", cfg.SessionFile)
}

func TestLoadClientRejectsBadURL(t *testing.T) {
	t.Setenv("SWIPESTATS_API_URL", "not a url")
	_, err := LoadClient()
	assert.Error(t, err)
}
