package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory with no user config dir so that
// stray .env files cannot leak in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	for _, key := range []string{
		"FEEDCRON_ADDR", "FEEDCRON_AUTH_TOKEN", "FEEDCRON_LOG_LEVEL", "FEEDCRON_LOG_FORMAT",
		"FEEDCRON_PIPELINE_URL", "FEEDCRON_PIPELINE_TIMEOUT", "FEEDCRON_PIPELINE_RATE", "FEEDCRON_PIPELINE_LIMIT",
		"FEEDCRON_STATE_DIR", "FEEDCRON_TIMEZONE", "FEEDCRON_MODE", "FEEDCRON_SHUTDOWN_GRACE",
		"FEEDCRON_RECOVERY_THRESHOLD", "FEEDCRON_ARTICLES_DB",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	return dir
}

func TestParseDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := ParseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Server.Addr)
	assert.Empty(t, cfg.Server.AuthToken)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.Equal(t, defaultPipelineURL, cfg.Pipeline.URL)
	assert.Equal(t, defaultPipelineTimeout, cfg.Pipeline.Timeout)
	assert.Equal(t, defaultPipelineLimit, cfg.Pipeline.DefaultLimit)
	assert.Empty(t, cfg.Pipeline.ArticlesDB)
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
	assert.Equal(t, time.Local, cfg.Location)
	assert.Equal(t, filepath.Join(dir, "xdg", "feedcron"), cfg.StateDir)
}

func TestParseEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("FEEDCRON_ADDR", "127.0.0.1:9000")
	t.Setenv("FEEDCRON_AUTH_TOKEN", "secret")
	t.Setenv("FEEDCRON_PIPELINE_URL", "http://localhost:8000")
	t.Setenv("FEEDCRON_PIPELINE_TIMEOUT", "30s")
	t.Setenv("FEEDCRON_PIPELINE_RATE", "2.5")
	t.Setenv("FEEDCRON_PIPELINE_LIMIT", "0")
	t.Setenv("FEEDCRON_TIMEZONE", "UTC")
	t.Setenv("FEEDCRON_MODE", "Both")
	t.Setenv("FEEDCRON_RECOVERY_THRESHOLD", "15m")
	t.Setenv("FEEDCRON_STATE_DIR", "/var/lib/feedcron")
	t.Setenv("FEEDCRON_ARTICLES_DB", "/srv/collector/articles.sqlite")

	cfg, err := ParseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.AuthToken)
	assert.Equal(t, "http://localhost:8000", cfg.Pipeline.URL)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, 2.5, cfg.Pipeline.RatePerSec)
	assert.Equal(t, defaultPipelineLimit, cfg.Pipeline.DefaultLimit)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, ModeBoth, cfg.Mode)
	assert.Equal(t, 15*time.Minute, cfg.RecoveryThreshold)
	assert.Equal(t, "/var/lib/feedcron", cfg.StateDir)
	assert.Equal(t, "/srv/collector/articles.sqlite", cfg.Pipeline.ArticlesDB)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("FEEDCRON_ADDR", "127.0.0.1:9000")
	t.Setenv("FEEDCRON_MODE", "mcp")
	t.Setenv("FEEDCRON_SHUTDOWN_GRACE", "5s")

	cfg, err := ParseArgs([]string{
		"-addr", ":8080",
		"-mode", "http",
		"-timezone", "Asia/Shanghai",
		"-log-level", "debug",
		"-log-format", "json",
		"-pipeline-url", "http://pipeline.internal",
		"-state-dir", "/tmp/feedcron",
		"-shutdown-grace", "0s",
		"-articles-db", "/data/articles.sqlite",
	})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.Equal(t, "Asia/Shanghai", cfg.Location.String())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "http://pipeline.internal", cfg.Pipeline.URL)
	assert.Equal(t, "/tmp/feedcron", cfg.StateDir)
	assert.Equal(t, time.Duration(0), cfg.ShutdownGrace)
	assert.Equal(t, "/data/articles.sqlite", cfg.Pipeline.ArticlesDB)
}

func TestDotEnvFile(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FEEDCRON_ADDR=10.0.0.1:7000\nFEEDCRON_LOG_LEVEL=warn\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("FEEDCRON_ADDR")
		os.Unsetenv("FEEDCRON_LOG_LEVEL")
	})

	cfg, err := ParseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	isolate(t)

	_, err := ParseArgs([]string{"-mode", "grpc"})
	require.Error(t, err)

	_, err = ParseArgs([]string{"-timezone", "Mars/Olympus"})
	require.Error(t, err)

	_, err = ParseArgs([]string{"-unknown"})
	require.Error(t, err)
}
