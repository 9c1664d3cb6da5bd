package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the application configuration, merged from defaults, TOML
// files (later files override earlier ones), environment variables,
// and finally CLI flags.
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Runtime     RuntimeConfig   `toml:"runtime"`
	Limits      LimitsConfig    `toml:"limits"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Janitor     JanitorConfig   `toml:"janitor"`
	Translate   TranslateConfig `toml:"translate"`
	Adapters    AdaptersConfig  `toml:"adapters"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// RuntimeConfig controls the on-disk runtime tree and the scheduler's
// resource gates.
type RuntimeConfig struct {
	Dir              string            `toml:"dir"`               // base of assets/, cache/, logs/ (env ORCH_RUNTIME_DIR)
	WorkerCount      int               `toml:"worker_count"`      // concurrent job workers
	GPUSlots         int               `toml:"gpu_slots"`         // process-wide GPU semaphore capacity
	QueueCapacity    int               `toml:"queue_capacity"`    // intake FIFO bound
	ProviderLimits   map[string]int    `toml:"provider_limits"`   // per-provider concurrency overrides
	DefaultProviders map[string]string `toml:"default_providers"` // per-modality routing fallbacks
}

// LimitsConfig throttles job submission. Event delivery is never
// rate-limited.
type LimitsConfig struct {
	SubmitRPS   float64 `toml:"submit_rps"`
	SubmitBurst int     `toml:"submit_burst"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // time format for console logs
}

type WebSocketConfig struct {
	PingInterval string `toml:"ping_interval"` // e.g. "20s"
}

// PingIntervalDuration parses the configured interval, defaulting to
// 20 seconds on empty or invalid values.
func (c WebSocketConfig) PingIntervalDuration() time.Duration {
	if c.PingInterval == "" {
		return 20 * time.Second
	}
	d, err := time.ParseDuration(c.PingInterval)
	if err != nil || d <= 0 {
		return 20 * time.Second
	}
	return d
}

// JanitorConfig controls the retention sweep over old job directories.
type JanitorConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // cron spec, e.g. "@every 1h"
	MaxAge   string `toml:"max_age"`  // retention window, e.g. "720h"
}

// MaxAgeDuration parses the retention window, defaulting to 30 days.
func (c JanitorConfig) MaxAgeDuration() time.Duration {
	if c.MaxAge == "" {
		return 720 * time.Hour
	}
	d, err := time.ParseDuration(c.MaxAge)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// TranslateConfig selects the prompt-translation provider used by the
// music adapter. Provider "none" (or empty) disables translation.
type TranslateConfig struct {
	Provider string `toml:"provider"` // "anthropic", "gemini", "none"
	Model    string `toml:"model"`
	Timeout  string `toml:"timeout"` // e.g. "8s"
	APIKey   string `toml:"api_key"`
}

// TimeoutDuration parses the per-call translation timeout, defaulting
// to 8 seconds.
func (c TranslateConfig) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 8 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 8 * time.Second
	}
	return d
}

// AdaptersConfig locates the external generator backends. Empty
// fields fall back to each adapter's environment variables.
type AdaptersConfig struct {
	RegisterDummies     bool   `toml:"register_dummies"` // register dummy_* providers for demo runs
	MotionRoot          string `toml:"motion_root"`
	SceneRoot           string `toml:"scene_root"`
	MusicExe            string `toml:"music_exe"`
	MusicBinDir         string `toml:"music_bin_dir"`
	FfmpegBin           string `toml:"ffmpeg_bin"`
	CharacterStaticBase string `toml:"character_static_base"` // env ORCH_CHARACTER_STATIC_BASE
	CharacterStaticDir  string `toml:"character_static_dir"`
	CharacterLibrary    string `toml:"character_library"` // YAML library file (env ORCH_CHARACTER_LIBRARY)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8011,
			Host: "0.0.0.0",
		},
		Runtime: RuntimeConfig{
			Dir:           "runtime",
			WorkerCount:   2,
			GPUSlots:      1,
			QueueCapacity: 128,
		},
		Limits: LimitsConfig{
			SubmitRPS:   5,
			SubmitBurst: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			PingInterval: "20s",
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "@every 1h",
			MaxAge:   "720h",
		},
		Translate: TranslateConfig{
			Provider: "none",
			Timeout:  "8s",
		},
		Adapters: AdaptersConfig{
			RegisterDummies: true,
		},
	}
}

// LoadFromFiles merges defaults, the given TOML files in order, and
// environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFlagOverrides applies CLI flag values; flags win over files and
// environment.
func ApplyFlagOverrides(cfg *Config, port int, host, runtimeDir, logLevel string) {
	if port > 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if runtimeDir != "" {
		cfg.Runtime.Dir = runtimeDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("ORCH_RUNTIME_DIR")); dir != "" {
		cfg.Runtime.Dir = dir
	}
	if base := strings.TrimSpace(os.Getenv("ORCH_CHARACTER_STATIC_BASE")); base != "" {
		cfg.Adapters.CharacterStaticBase = base
	}
	if lib := strings.TrimSpace(os.Getenv("ORCH_CHARACTER_LIBRARY")); lib != "" {
		cfg.Adapters.CharacterLibrary = lib
	}
	if port := strings.TrimSpace(os.Getenv("MAESTRO_PORT")); port != "" {
		if v, err := strconv.Atoi(port); err == nil && v > 0 {
			cfg.Server.Port = v
		}
	}
	if level := strings.TrimSpace(os.Getenv("MAESTRO_LOG_LEVEL")); level != "" {
		cfg.Logging.Level = level
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", cfg.Server.Port)
	}
	if cfg.Runtime.WorkerCount < 0 {
		return fmt.Errorf("runtime.worker_count must not be negative")
	}
	if cfg.Runtime.GPUSlots < 0 {
		return fmt.Errorf("runtime.gpu_slots must not be negative")
	}
	if cfg.Limits.SubmitRPS < 0 {
		return fmt.Errorf("limits.submit_rps must not be negative")
	}
	switch cfg.Translate.Provider {
	case "", "none", "anthropic", "gemini":
	default:
		return fmt.Errorf("translate.provider must be one of none, anthropic, gemini")
	}
	return nil
}

// AssetsRoot returns the directory job directories live under.
func (c *Config) AssetsRoot() string {
	return filepath.Join(c.Runtime.Dir, "assets")
}

// CacheDir returns the runtime cache directory (archive database).
func (c *Config) CacheDir() string {
	return filepath.Join(c.Runtime.Dir, "cache")
}

// LogsDir returns the runtime log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Runtime.Dir, "logs")
}

// EnsureRuntimeDirs creates the runtime tree.
func (c *Config) EnsureRuntimeDirs() error {
	for _, dir := range []string{c.AssetsRoot(), c.CacheDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create runtime dir %s: %w", dir, err)
		}
	}
	return nil
}
