package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "RETRY_MAX_ATTEMPTS", "")
	setEnv(t, "EVENT_WEBHOOK_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultMaxRetries, cfg.RetryMaxAttempts)
	assert.Equal(t, DefaultRetryBaseDelay, cfg.RetryBaseDelay)
	assert.Equal(t, DefaultRetryMaxDelay, cfg.RetryMaxDelay)
}

func TestLoad_RetryTuning(t *testing.T) {
	setEnv(t, "RETRY_MAX_ATTEMPTS", "5")
	setEnv(t, "RETRY_BASE_DELAY_MS", "50")
	setEnv(t, "RETRY_MAX_DELAY_MS", "1000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Second, cfg.RetryMaxDelay)
}

func TestLoad_MaxDelayBelowBaseDelay(t *testing.T) {
	setEnv(t, "RETRY_BASE_DELAY_MS", "500")
	setEnv(t, "RETRY_MAX_DELAY_MS", "100")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RETRY_MAX_DELAY_MS")
}

func TestLoad_EventWebhookRequiresSecret(t *testing.T) {
	setEnv(t, "EVENT_WEBHOOK_URL", "https://hooks.example.com/funds")
	setEnv(t, "EVENT_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "EVENT_WEBHOOK_SECRET")
}

func TestLoad_EnvHelpers(t *testing.T) {
	setEnv(t, "ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
