// Package config loads the watcher configuration. Settings resolve in
// three layers: built-in defaults, then an optional YAML file, then
// environment variables. The environment always wins, so a container
// deployment can run without any file at all.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by Load.
const (
	EnvUsername      = "VRCHAT_USERNAME"
	EnvPassword      = "VRCHAT_PASSWORD"
	EnvAuthTokenFile = "VRCHAT_AUTH_TOKEN_FILE"
	EnvWebhookURL    = "DISCORD_WEBHOOK_URL"
	EnvWatchUserIDs  = "WATCH_USER_IDS"
	EnvStateFile     = "STATE_FILE"
	EnvStatusAddr    = "STATUS_ADDR"
	EnvLogLevel      = "LOG_LEVEL"
	EnvEventLog      = "EVENT_LOG"
)

// Duration is a time.Duration that decodes from YAML scalars in
// time.ParseDuration syntax ("30s", "5m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// VRChat holds the account credentials for the VRChat API.
type VRChat struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AuthTokenFile persists the auth cookie across restarts so the
	// watcher can resume a session instead of logging in again. Empty
	// disables persistence.
	AuthTokenFile string `yaml:"auth_token_file"`
}

// Discord holds the notification webhook settings.
type Discord struct {
	WebhookURL string `yaml:"webhook_url"`

	// Username overrides the webhook's display name. Optional.
	Username string `yaml:"username"`
}

// Status holds the HTTP status endpoint settings.
type Status struct {
	// Listen is the address the status server binds to.
	Listen string `yaml:"listen"`

	// Advertise registers the status endpoint via mDNS.
	Advertise bool `yaml:"advertise"`
}

// Feed tunes the connection supervisor. Zero values fall back to the
// supervisor's own defaults.
type Feed struct {
	StaleThreshold Duration `yaml:"stale_threshold"`
	CheckInterval  Duration `yaml:"check_interval"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	AuthCooldown   Duration `yaml:"auth_cooldown"`
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
}

// Config is the complete watcher configuration.
type Config struct {
	VRChat  VRChat  `yaml:"vrchat"`
	Discord Discord `yaml:"discord"`

	// WatchUserIDs restricts notifications to these user IDs. Empty
	// watches every friend.
	WatchUserIDs []string `yaml:"watch_user_ids"`

	// StateFile is the presence snapshot path.
	StateFile string `yaml:"state_file"`

	// PersistDelay is the debounce window for snapshot writes.
	PersistDelay Duration `yaml:"persist_delay"`

	Status Status `yaml:"status"`
	Feed   Feed   `yaml:"feed"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// EventLog is the CBOR journal path. Empty disables the journal.
	EventLog string `yaml:"event_log"`
}

// Default returns the built-in defaults. The feed timings mirror the
// supervisor's own defaults so an empty file and no file behave the
// same.
func Default() Config {
	return Config{
		StateFile:    "presence.json",
		PersistDelay: Duration(1 * time.Second),
		Status: Status{
			Listen: "127.0.0.1:8080",
		},
		Feed: Feed{
			StaleThreshold: Duration(10 * time.Minute),
			CheckInterval:  Duration(1 * time.Minute),
			ConnectTimeout: Duration(60 * time.Second),
			AuthCooldown:   Duration(30 * time.Minute),
			BackoffInitial: Duration(1 * time.Second),
			BackoffMax:     Duration(60 * time.Second),
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path
// and the environment, in that order. An empty path skips the file
// layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadOptional behaves like Load but treats a missing file as no file,
// for deployments that configure everything through the environment.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		applyEnv(&cfg)
		return cfg, nil
	}
	return cfg, err
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.VRChat.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.VRChat.Password = v
	}
	if v := os.Getenv(EnvAuthTokenFile); v != "" {
		cfg.VRChat.AuthTokenFile = v
	}
	if v := os.Getenv(EnvWebhookURL); v != "" {
		cfg.Discord.WebhookURL = v
	}
	if v := os.Getenv(EnvWatchUserIDs); v != "" {
		cfg.WatchUserIDs = splitList(v)
	}
	if v := os.Getenv(EnvStateFile); v != "" {
		cfg.StateFile = v
	}
	if v := os.Getenv(EnvStatusAddr); v != "" {
		cfg.Status.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvEventLog); v != "" {
		cfg.EventLog = v
	}
}

// splitList splits a comma separated list, dropping blank entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

// Validate reports configuration errors that prevent startup.
func (c *Config) Validate() error {
	if c.VRChat.Username == "" {
		return fmt.Errorf("vrchat username is required (vrchat.username or %s)", EnvUsername)
	}
	if c.VRChat.Password == "" {
		return fmt.Errorf("vrchat password is required (vrchat.password or %s)", EnvPassword)
	}
	if c.Discord.WebhookURL == "" {
		return fmt.Errorf("discord webhook URL is required (discord.webhook_url or %s)", EnvWebhookURL)
	}
	if c.StateFile == "" {
		return errors.New("state file path must not be empty")
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"persist_delay", c.PersistDelay},
		{"feed.stale_threshold", c.Feed.StaleThreshold},
		{"feed.check_interval", c.Feed.CheckInterval},
		{"feed.connect_timeout", c.Feed.ConnectTimeout},
		{"feed.auth_cooldown", c.Feed.AuthCooldown},
		{"feed.backoff_initial", c.Feed.BackoffInitial},
		{"feed.backoff_max", c.Feed.BackoffMax},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}

	if c.Feed.BackoffInitial > c.Feed.BackoffMax && c.Feed.BackoffMax > 0 {
		return errors.New("feed.backoff_initial must not exceed feed.backoff_max")
	}
	return nil
}
