package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 8011, cfg.Server.Port)
	require.Equal(t, 2, cfg.Runtime.WorkerCount)
	require.Equal(t, 1, cfg.Runtime.GPUSlots)
	require.Equal(t, 128, cfg.Runtime.QueueCapacity)
	require.Equal(t, "none", cfg.Translate.Provider)
	require.True(t, cfg.Janitor.Enabled)
	require.True(t, cfg.Adapters.RegisterDummies)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFilesOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment = "production"

[server]
port = 9000

[runtime]
worker_count = 4
gpu_slots = 2

[runtime.provider_limits]
musicgpt_cli = 3

[runtime.default_providers]
scene = "dummy_scene"

[janitor]
max_age = "48h"
`)

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, 4, cfg.Runtime.WorkerCount)
	require.Equal(t, 2, cfg.Runtime.GPUSlots)
	require.Equal(t, 3, cfg.Runtime.ProviderLimits["musicgpt_cli"])
	require.Equal(t, "dummy_scene", cfg.Runtime.DefaultProviders["scene"])
	require.Equal(t, 48*time.Hour, cfg.Janitor.MaxAgeDuration())

	// Untouched sections keep their defaults.
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, float64(5), cfg.Limits.SubmitRPS)
}

func TestLoadFromFilesLaterFilesWin(t *testing.T) {
	first := writeConfigFile(t, "[server]\nport = 9000\n")
	second := writeConfigFile(t, "[server]\nport = 9100\n")

	cfg, err := LoadFromFiles(first, second)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadFromFilesMalformedTOML(t *testing.T) {
	path := writeConfigFile(t, "[server\nport=")
	_, err := LoadFromFiles(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCH_RUNTIME_DIR", "/tmp/maestro-test-runtime")
	t.Setenv("MAESTRO_PORT", "9200")
	t.Setenv("MAESTRO_LOG_LEVEL", "debug")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)
	require.Equal(t, "/tmp/maestro-test-runtime", cfg.Runtime.Dir)
	require.Equal(t, 9200, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyFlagOverridesWinOverEverything(t *testing.T) {
	t.Setenv("MAESTRO_PORT", "9200")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)

	ApplyFlagOverrides(cfg, 9300, "127.0.0.1", "custom-runtime", "warn")
	require.Equal(t, 9300, cfg.Server.Port)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, "custom-runtime", cfg.Runtime.Dir)
	require.Equal(t, "warn", cfg.Logging.Level)

	// Zero values leave the config alone.
	ApplyFlagOverrides(cfg, 0, "", "", "")
	require.Equal(t, 9300, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"port too high", "[server]\nport = 70000\n"},
		{"negative workers", "[runtime]\nworker_count = -1\n"},
		{"negative rps", "[limits]\nsubmit_rps = -1.0\n"},
		{"unknown translate provider", "[translate]\nprovider = \"babelfish\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFiles(writeConfigFile(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestRuntimeDirLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime.Dir = t.TempDir()

	require.Equal(t, filepath.Join(cfg.Runtime.Dir, "assets"), cfg.AssetsRoot())
	require.Equal(t, filepath.Join(cfg.Runtime.Dir, "cache"), cfg.CacheDir())
	require.Equal(t, filepath.Join(cfg.Runtime.Dir, "logs"), cfg.LogsDir())

	require.NoError(t, cfg.EnsureRuntimeDirs())
	for _, dir := range []string{cfg.AssetsRoot(), cfg.CacheDir(), cfg.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestDurationFallbacks(t *testing.T) {
	require.Equal(t, 20*time.Second, WebSocketConfig{}.PingIntervalDuration())
	require.Equal(t, 20*time.Second, WebSocketConfig{PingInterval: "bogus"}.PingIntervalDuration())
	require.Equal(t, 5*time.Second, WebSocketConfig{PingInterval: "5s"}.PingIntervalDuration())

	require.Equal(t, 720*time.Hour, JanitorConfig{}.MaxAgeDuration())
	require.Equal(t, 720*time.Hour, JanitorConfig{MaxAge: "-2h"}.MaxAgeDuration())

	require.Equal(t, 8*time.Second, TranslateConfig{}.TimeoutDuration())
	require.Equal(t, time.Minute, TranslateConfig{Timeout: "1m"}.TimeoutDuration())
}
