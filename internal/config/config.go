// Package config loads kioskanswer's runtime configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file (if
// any), then KIOSKANSWER_* environment variables. Command-line flags are
// applied by the caller on top of the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/victortrac/kioskanswer/internal/hotkey"
	"github.com/victortrac/kioskanswer/internal/policy"
)

// Config is the full runtime configuration.
type Config struct {
	// Policy holds the initial kiosk decisions. Values persisted in the
	// journal take precedence once the operator has changed them.
	Policy     policy.Settings  `yaml:"policy"`
	Video      VideoConfig      `yaml:"video"`
	FullScreen FullScreenConfig `yaml:"fullscreen"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Server     ServerConfig     `yaml:"server"`
	Journal    JournalConfig    `yaml:"journal"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Log        LogConfig        `yaml:"log"`
}

// VideoConfig bounds local video activation.
type VideoConfig struct {
	Attempts     int           `yaml:"attempts"`
	Interval     time.Duration `yaml:"interval"`
	ReadyPoll    time.Duration `yaml:"ready_poll"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type FullScreenConfig struct {
	Monitor int `yaml:"monitor"`
}

// BridgeConfig locates the agent running beside the conferencing client.
type BridgeConfig struct {
	URL          string        `yaml:"url"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

type ServerConfig struct {
	// Addr is the listen address for /metrics and the dashboard. Empty
	// disables the server.
	Addr string `yaml:"addr"`
}

type JournalConfig struct {
	DataDir string `yaml:"data_dir"`
}

// HotkeyConfig configures the operator key that pauses auto answer.
type HotkeyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Policy: policy.Defaults(),
		Video: VideoConfig{
			Attempts:     5,
			Interval:     time.Second,
			ReadyPoll:    100 * time.Millisecond,
			ReadyTimeout: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			URL:          "ws://127.0.0.1:8765/bridge",
			ReconnectMin: time.Second,
			ReconnectMax: 30 * time.Second,
		},
		Server:  ServerConfig{Addr: "127.0.0.1:2112"},
		Journal: JournalConfig{DataDir: defaultDataDir()},
		Hotkey:  HotkeyConfig{Enabled: true, Key: "f9"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kioskanswer", "config.yaml")
	}
	return ""
}

// Load resolves configuration from path (optional), the environment, and
// defaults. A missing file at the default location is not an error; a
// missing file that was asked for explicitly is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = firstNonEmpty(os.Getenv("KIOSKANSWER_CONFIG"), DefaultPath())
		explicit = os.Getenv("KIOSKANSWER_CONFIG") != ""
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Policy.AutoAnswer = envOrDefaultBool("KIOSKANSWER_AUTO_ANSWER", cfg.Policy.AutoAnswer)
	cfg.Policy.FullScreenOnAnswer = envOrDefaultBool("KIOSKANSWER_FULL_SCREEN", cfg.Policy.FullScreenOnAnswer)
	cfg.Policy.AutoAcceptScreenSharing = envOrDefaultBool("KIOSKANSWER_AUTO_ACCEPT_SHARING", cfg.Policy.AutoAcceptScreenSharing)

	cfg.Video.Attempts = envOrDefaultInt("KIOSKANSWER_VIDEO_ATTEMPTS", cfg.Video.Attempts)
	cfg.Video.Interval = envOrDefaultDuration("KIOSKANSWER_VIDEO_INTERVAL", cfg.Video.Interval)
	cfg.FullScreen.Monitor = envOrDefaultInt("KIOSKANSWER_MONITOR", cfg.FullScreen.Monitor)

	cfg.Bridge.URL = envOrDefault("KIOSKANSWER_BRIDGE_URL", cfg.Bridge.URL)
	cfg.Server.Addr = envOrDefault("KIOSKANSWER_LISTEN_ADDR", cfg.Server.Addr)
	cfg.Journal.DataDir = envOrDefault("KIOSKANSWER_DATA_DIR", cfg.Journal.DataDir)

	cfg.Hotkey.Enabled = envOrDefaultBool("KIOSKANSWER_HOTKEY_ENABLED", cfg.Hotkey.Enabled)
	cfg.Hotkey.Key = envOrDefault("KIOSKANSWER_HOTKEY", cfg.Hotkey.Key)

	cfg.Log.Level = envOrDefault("KIOSKANSWER_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("KIOSKANSWER_LOG_FORMAT", cfg.Log.Format)
}

// Validate rejects configurations the kiosk cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Video.Attempts <= 0 {
		errs = append(errs, errors.New("video.attempts must be positive"))
	}
	if c.Video.Interval <= 0 {
		errs = append(errs, errors.New("video.interval must be positive"))
	}
	if c.Video.ReadyPoll <= 0 || c.Video.ReadyTimeout < c.Video.ReadyPoll {
		errs = append(errs, errors.New("video.ready_poll must be positive and not exceed video.ready_timeout"))
	}
	if c.FullScreen.Monitor < 0 {
		errs = append(errs, errors.New("fullscreen.monitor must not be negative"))
	}
	if u, err := url.Parse(c.Bridge.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("bridge.url %q must be a ws:// or wss:// URL", c.Bridge.URL))
	}
	if c.Bridge.ReconnectMin <= 0 || c.Bridge.ReconnectMax < c.Bridge.ReconnectMin {
		errs = append(errs, errors.New("bridge.reconnect_min must be positive and not exceed bridge.reconnect_max"))
	}
	if c.Journal.DataDir == "" {
		errs = append(errs, errors.New("journal.data_dir must be set"))
	}
	if c.Hotkey.Enabled {
		if strings.TrimSpace(c.Hotkey.Key) == "" {
			errs = append(errs, errors.New("hotkey.key must be set when the hotkey is enabled"))
		} else if _, err := hotkey.ParseKey(c.Hotkey.Key); err != nil {
			errs = append(errs, fmt.Errorf("hotkey.key: %w", err))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "kioskanswer")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
