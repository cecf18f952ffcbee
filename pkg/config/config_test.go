package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", "")
		require.NoError(t, Load())
		assert.Equal(t, "/api", GlobalConfig.APIPrefix)
		assert.Equal(t, 2*time.Second, GlobalConfig.Watchdog.BackoffBase)
		assert.Equal(t, 10*time.Second, GlobalConfig.Watchdog.DeliveryTimeout)
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trailwatch.yaml")
		doc := "addr: \":9000\"\nwatchdog:\n  max_retries: 3\n  grace_max: 30m\nmail:\n  host: smtp.example.org\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
		t.Setenv("CONFIG_FILE", path)
		t.Setenv("ADDR", ":9100")
		t.Setenv("AUTH_TOKENS", "tok-a:alice, tok-b:bob")
		t.Setenv("WATCHDOG_BACKOFF_BASE", "3")

		require.NoError(t, Load())
		assert.Equal(t, ":9100", GlobalConfig.Addr)
		assert.Equal(t, 3, GlobalConfig.Watchdog.MaxRetries)
		assert.Equal(t, 30*time.Minute, GlobalConfig.Watchdog.GraceMax)
		assert.Equal(t, 3*time.Second, GlobalConfig.Watchdog.BackoffBase)
		assert.Equal(t, "smtp.example.org", GlobalConfig.Mail.Host)
		assert.Equal(t, []string{"tok-a:alice", "tok-b:bob"}, GlobalConfig.AuthTokens)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, Load())
	})
}
