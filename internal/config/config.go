// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from an optional YAML file with
// MEDIAD_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/mediad/internal/artifact"
)

// Defaults.
const (
	DefaultListen        = ":8686"
	DefaultGlobalMax     = 4
	DefaultFFmpegCap     = 4
	DefaultSubtitleCap   = 1
	DefaultFaceCap       = 1
	DefaultFFmpegTimeout = 10 * time.Minute
	DefaultHeavyTimeout  = 60 * time.Minute
	DefaultCancelGrace   = 10 * time.Second
	DefaultShutdownGrace = 15 * time.Second
	DefaultCacheTTL      = 30 * time.Second
	DefaultRatePerMinute = 300
)

// Config is the resolved daemon configuration.
type Config struct {
	LibraryRoot string `yaml:"libraryRoot"`
	DataDir     string `yaml:"dataDir"`
	Listen      string `yaml:"listen"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"` // "json" or "console"

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Tools     ToolsConfig     `yaml:"tools"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	WatchFS       bool          `yaml:"watchFs"`
	RatePerMinute int           `yaml:"ratePerMinute"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

// SchedulerConfig carries the concurrency and cancellation tunables.
type SchedulerConfig struct {
	GlobalMax       int           `yaml:"globalMax"`
	FFmpegMax       int           `yaml:"ffmpegMax"`
	SubtitleMax     int           `yaml:"subtitleMax"`
	FaceMax         int           `yaml:"faceMax"`
	FFmpegTimeout   time.Duration `yaml:"ffmpegTimeout"`
	SubtitleTimeout time.Duration `yaml:"subtitleTimeout"`
	FaceTimeout     time.Duration `yaml:"faceTimeout"`
	CancelGrace     time.Duration `yaml:"cancelGrace"`
	StartPaused     bool          `yaml:"startPaused"`
}

// CacheConfig selects the artifact status cache backend.
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
}

// ToolsConfig names the external binaries workers shell out to.
type ToolsConfig struct {
	FFmpeg        string `yaml:"ffmpeg"`
	FFprobe       string `yaml:"ffprobe"`
	SubtitleBin   string `yaml:"subtitleBin"`
	SubtitleModel string `yaml:"subtitleModel"`
	FaceBin       string `yaml:"faceBin"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // "http" or "grpc"
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DataDir:   "./data",
		Listen:    DefaultListen,
		LogLevel:  "info",
		LogFormat: "json",
		Scheduler: SchedulerConfig{
			GlobalMax:       DefaultGlobalMax,
			FFmpegMax:       DefaultFFmpegCap,
			SubtitleMax:     DefaultSubtitleCap,
			FaceMax:         DefaultFaceCap,
			FFmpegTimeout:   DefaultFFmpegTimeout,
			SubtitleTimeout: DefaultHeavyTimeout,
			FaceTimeout:     DefaultHeavyTimeout,
			CancelGrace:     DefaultCancelGrace,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     DefaultCacheTTL,
		},
		Tools: ToolsConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
		Telemetry: TelemetryConfig{
			Protocol: "http",
		},
		WatchFS:       true,
		RatePerMinute: DefaultRatePerMinute,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

// Load resolves the configuration: defaults, then the YAML file named by
// MEDIAD_CONFIG (if any), then individual MEDIAD_* overrides.
func Load() (Config, error) {
	cfg := Default()

	if file := os.Getenv("MEDIAD_CONFIG"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", file, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("MEDIAD_LIBRARY_ROOT", &cfg.LibraryRoot)
	envStr("MEDIAD_DATA_DIR", &cfg.DataDir)
	envStr("MEDIAD_LISTEN", &cfg.Listen)
	envStr("MEDIAD_LOG_LEVEL", &cfg.LogLevel)
	envStr("MEDIAD_LOG_FORMAT", &cfg.LogFormat)

	envInt("MEDIAD_GLOBAL_MAX", &cfg.Scheduler.GlobalMax)
	envInt("MEDIAD_FFMPEG_MAX", &cfg.Scheduler.FFmpegMax)
	envInt("MEDIAD_SUBTITLE_MAX", &cfg.Scheduler.SubtitleMax)
	envInt("MEDIAD_FACE_MAX", &cfg.Scheduler.FaceMax)
	envDur("MEDIAD_FFMPEG_TIMEOUT", &cfg.Scheduler.FFmpegTimeout)
	envDur("MEDIAD_SUBTITLE_TIMEOUT", &cfg.Scheduler.SubtitleTimeout)
	envDur("MEDIAD_FACE_TIMEOUT", &cfg.Scheduler.FaceTimeout)
	envDur("MEDIAD_CANCEL_GRACE", &cfg.Scheduler.CancelGrace)
	envBool("MEDIAD_START_PAUSED", &cfg.Scheduler.StartPaused)

	envStr("MEDIAD_CACHE_BACKEND", &cfg.Cache.Backend)
	envStr("MEDIAD_REDIS_ADDR", &cfg.Cache.RedisAddr)
	envDur("MEDIAD_CACHE_TTL", &cfg.Cache.TTL)

	envStr("MEDIAD_FFMPEG_BIN", &cfg.Tools.FFmpeg)
	envStr("MEDIAD_FFPROBE_BIN", &cfg.Tools.FFprobe)
	envStr("MEDIAD_SUBTITLE_BIN", &cfg.Tools.SubtitleBin)
	envStr("MEDIAD_SUBTITLE_MODEL", &cfg.Tools.SubtitleModel)
	envStr("MEDIAD_FACE_BIN", &cfg.Tools.FaceBin)

	envBool("MEDIAD_OTLP_ENABLED", &cfg.Telemetry.Enabled)
	envStr("MEDIAD_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	envStr("MEDIAD_OTLP_PROTOCOL", &cfg.Telemetry.Protocol)

	envBool("MEDIAD_WATCH_FS", &cfg.WatchFS)
	envInt("MEDIAD_RATE_PER_MINUTE", &cfg.RatePerMinute)
	envDur("MEDIAD_SHUTDOWN_GRACE", &cfg.ShutdownGrace)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.LibraryRoot == "" {
		return fmt.Errorf("library root is required (MEDIAD_LIBRARY_ROOT)")
	}
	info, err := os.Stat(c.LibraryRoot)
	if err != nil {
		return fmt.Errorf("library root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("library root is not a directory: %s", c.LibraryRoot)
	}
	if c.Scheduler.GlobalMax < 1 {
		return fmt.Errorf("scheduler global max must be >= 1")
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis cache backend requires MEDIAD_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Telemetry.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("unknown OTLP protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

// ToolCaps maps the flat scheduler settings onto the per-class cap table.
func (c *Config) ToolCaps() map[artifact.ToolClass]int {
	caps := map[artifact.ToolClass]int{}
	if c.Scheduler.FFmpegMax > 0 {
		caps[artifact.ToolFFmpeg] = c.Scheduler.FFmpegMax
		caps[artifact.ToolFFprobe] = c.Scheduler.FFmpegMax
	}
	if c.Scheduler.SubtitleMax > 0 {
		caps[artifact.ToolSubtitleBackend] = c.Scheduler.SubtitleMax
	}
	if c.Scheduler.FaceMax > 0 {
		caps[artifact.ToolFaceBackend] = c.Scheduler.FaceMax
	}
	return caps
}

// ToolTimeouts maps the flat timeout settings onto the per-class table.
func (c *Config) ToolTimeouts() map[artifact.ToolClass]time.Duration {
	timeouts := map[artifact.ToolClass]time.Duration{}
	if c.Scheduler.FFmpegTimeout > 0 {
		timeouts[artifact.ToolFFmpeg] = c.Scheduler.FFmpegTimeout
		timeouts[artifact.ToolFFprobe] = c.Scheduler.FFmpegTimeout
	}
	if c.Scheduler.SubtitleTimeout > 0 {
		timeouts[artifact.ToolSubtitleBackend] = c.Scheduler.SubtitleTimeout
	}
	if c.Scheduler.FaceTimeout > 0 {
		timeouts[artifact.ToolFaceBackend] = c.Scheduler.FaceTimeout
	}
	return timeouts
}

// JobSnapshotPath returns where the job store snapshot lives.
func (c *Config) JobSnapshotPath() string {
	return filepath.Join(c.DataDir, "jobs.json")
}

// SchedulerConfigPath returns where tuned scheduler settings persist.
func (c *Config) SchedulerConfigPath() string {
	return filepath.Join(c.DataDir, "scheduler.json")
}

// LibraryDBPath returns where the media index database lives.
func (c *Config) LibraryDBPath() string {
	return filepath.Join(c.DataDir, "library.db")
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
