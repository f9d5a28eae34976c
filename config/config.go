// Package config holds the daemon configuration: where state lives, how the
// daemon logs, how often it polls and how long it waits on the system.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	appDir   = "memoptimizer"
	fileName = "config.toml"

	EnvDataDir  = "MEMOPT_DATA_DIR"
	EnvLogLevel = "MEMOPT_LOG_LEVEL"
)

// Duration is a time.Duration written as text ("3s", "15s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("time.ParseDuration(): %w", err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  GeneralConfig  `toml:"general"`
	Poll     PollConfig     `toml:"poll"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
}

type GeneralConfig struct {
	// DataDir holds settings.yaml and memoptimizer.db.
	DataDir string `toml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" (default) or "json".
	LogFormat string `toml:"log_format"`
}

type PollConfig struct {
	Interval Duration `toml:"interval"`
}

type TimeoutsConfig struct {
	Telemetry Duration `toml:"telemetry"`
	Trim      Duration `toml:"trim"`
	Startup   Duration `toml:"startup"`
}

// Load reads the configuration from path, or from the default location when
// path is empty. A missing file yields DefaultConfig().
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	for _, p := range searchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFromFile(p)
		}
	}
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("os.Open(): %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("toml.Decode(): %w", err)
	}
	applyEnvOverrides(cfg)
	cfg.fillZeroes()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   defaultDataDir(),
			LogLevel:  "info",
			LogFormat: "text",
		},
		Poll: PollConfig{
			Interval: Duration{3 * time.Second},
		},
		Timeouts: TimeoutsConfig{
			Telemetry: Duration{15 * time.Second},
			Trim:      Duration{10 * time.Second},
			Startup:   Duration{15 * time.Second},
		},
	}
}

//fillZeroes puts defaults back where a file set a non-positive duration or an empty string
func (c *Config) fillZeroes() {
	def := DefaultConfig()
	if c.General.DataDir == "" {
		c.General.DataDir = def.General.DataDir
	}
	if c.General.LogLevel == "" {
		c.General.LogLevel = def.General.LogLevel
	}
	if c.General.LogFormat == "" {
		c.General.LogFormat = def.General.LogFormat
	}
	for _, pair := range []struct{ got, def *Duration }{
		{&c.Poll.Interval, &def.Poll.Interval},
		{&c.Timeouts.Telemetry, &def.Timeouts.Telemetry},
		{&c.Timeouts.Trim, &def.Timeouts.Trim},
		{&c.Timeouts.Startup, &def.Timeouts.Startup},
	} {
		if pair.got.Duration <= 0 {
			*pair.got = *pair.def
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.General.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.General.LogLevel = v
	}
}

// Level maps LogLevel to a slog level. Unknown names mean info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.General.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the daemon's logger on w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if strings.EqualFold(c.General.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *Config) SettingsPath() string {
	return filepath.Join(c.General.DataDir, "settings.yaml")
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.General.DataDir, "memoptimizer.db")
}

func searchPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(dir, appDir, fileName)}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appDir)
}
