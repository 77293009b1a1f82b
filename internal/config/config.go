// Package config loads pocketmirror configuration from a YAML file with
// environment-variable overrides. Missing files fall back to defaults; the
// bridge must be runnable with nothing but TELEGRAM_BOT_TOKEN set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pocketmirror configuration.
type Config struct {
	// Telegram bot settings.
	Telegram TelegramConfig `yaml:"telegram"`

	// CDP introspection endpoint settings.
	CDP CDPConfig `yaml:"cdp"`

	// Mirroring engine tuning.
	Mirror MirrorConfig `yaml:"mirror"`

	// Voice transcription (optional).
	Transcribe TranscribeConfig `yaml:"transcribe"`

	// StateDir is where small durable records live (mirrored session,
	// chat id, owner id, mute flag, pid lock).
	StateDir string `yaml:"state_dir"`

	// Logging configures the categorized debug file logger.
	Logging LoggingConfig `yaml:"logging"`
}

// TelegramConfig configures the external channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	OwnerID int64  `yaml:"owner_id"` // 0 = auto-pair on first message
	BaseURL string `yaml:"base_url"` // override for tests
	Timeout string `yaml:"timeout"`
}

// CDPConfig configures the DevTools endpoint used to reach client instances.
type CDPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // 0 = probe the Ports list
	// Ports lists candidate debug ports probed when Port is 0.
	Ports []int `yaml:"ports"`
}

// MirrorConfig tunes the synchronization engine.
type MirrorConfig struct {
	// TickInterval drives the forwarder loop.
	TickInterval string `yaml:"tick_interval"`
	// FocusInterval drives the cheap active-chat signal checks.
	FocusInterval string `yaml:"focus_interval"`
	// ScanInterval drives full topology rescans.
	ScanInterval string `yaml:"scan_interval"`
	// StabilityTicks is how many unchanged observations a section needs
	// before it is forwarded.
	StabilityTicks int `yaml:"stability_ticks"`
	// SwitchDebounce delays the "now mirroring X" notification so that
	// A→B→A flicker produces no message at all.
	SwitchDebounce string `yaml:"switch_debounce"`
	// ChunkLimit caps outbound message length; longer text is split at
	// line boundaries.
	ChunkLimit int `yaml:"chunk_limit"`
	// ThinkingLimit caps forwarded thinking text before truncation.
	ThinkingLimit int `yaml:"thinking_limit"`
}

// TranscribeConfig configures voice-note transcription via the Gemini API.
type TranscribeConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
	// Dir overrides where log files go; empty means alongside the state dir.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Telegram: TelegramConfig{
			BaseURL: "https://api.telegram.org",
			Timeout: "60s",
		},
		CDP: CDPConfig{
			Host:  "127.0.0.1",
			Ports: []int{9222, 9223, 9224, 9225},
		},
		Mirror: MirrorConfig{
			TickInterval:   "1s",
			FocusInterval:  "1s",
			ScanInterval:   "3s",
			StabilityTicks: 2,
			SwitchDebounce: "1500ms",
			ChunkLimit:     4000,
			ThinkingLimit:  3500,
		},
		Transcribe: TranscribeConfig{
			Model: "gemini-2.0-flash",
		},
		StateDir: filepath.Join(home, ".pocketmirror"),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, merges it over defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from the environment. Env always wins
// over file values so deployments can keep secrets out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_OWNER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.OwnerID = id
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Transcribe.APIKey = v
	}
	if v := os.Getenv("POCKETMIRROR_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("POCKETMIRROR_CDP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.CDP.Port = port
		}
	}
	if v := os.Getenv("POCKETMIRROR_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks required fields and duration syntax.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set (config telegram.token or TELEGRAM_BOT_TOKEN)")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir not set")
	}
	for name, raw := range map[string]string{
		"mirror.tick_interval":   c.Mirror.TickInterval,
		"mirror.focus_interval":  c.Mirror.FocusInterval,
		"mirror.scan_interval":   c.Mirror.ScanInterval,
		"mirror.switch_debounce": c.Mirror.SwitchDebounce,
		"telegram.timeout":       c.Telegram.Timeout,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, raw)
		}
	}
	if c.Mirror.StabilityTicks < 1 {
		return fmt.Errorf("mirror.stability_ticks must be >= 1")
	}
	return nil
}

// Duration accessors. Validate guarantees the stored strings parse; the
// fallback only matters for zero-value structs in tests.

func (c *MirrorConfig) Tick() time.Duration     { return mustDuration(c.TickInterval) }
func (c *MirrorConfig) Focus() time.Duration    { return mustDuration(c.FocusInterval) }
func (c *MirrorConfig) Scan() time.Duration     { return mustDuration(c.ScanInterval) }
func (c *MirrorConfig) Debounce() time.Duration { return mustDuration(c.SwitchDebounce) }

// RequestTimeout returns the Telegram HTTP timeout.
func (c *TelegramConfig) RequestTimeout() time.Duration { return mustDuration(c.Timeout) }

// CandidatePorts returns the debug ports to probe; a pinned Port wins over
// the probe list.
func (c *CDPConfig) CandidatePorts() []int {
	if c.Port != 0 {
		return []int{c.Port}
	}
	return c.Ports
}

func mustDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Second
	}
	return d
}
