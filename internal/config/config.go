// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/saltyorg/autolang/internal/autolang"
)

// Server contains the media server connection settings.
type Server struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// Update contains the track propagation settings.
type Update struct {
	Level    string `toml:"level"`
	Strategy string `toml:"strategy"`
}

// Triggers selects which notification stream events are processed.
type Triggers struct {
	OnPlay     bool `toml:"on_play"`
	OnScan     bool `toml:"on_scan"`
	OnActivity bool `toml:"on_activity"`
}

// Scheduler contains the daily deep analysis settings.
type Scheduler struct {
	Enabled bool   `toml:"enabled"`
	Time    string `toml:"time"`
}

// Notification configures one outbound notification endpoint.
type Notification struct {
	Type       string   `toml:"type"`
	WebhookURL string   `toml:"webhook_url"`
	EventTypes []string `toml:"event_types"`
	Usernames  []string `toml:"usernames"`
}

// Health contains the HTTP health endpoint settings.
type Health struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Logging contains the log output settings.
type Logging struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Config is the root of the configuration file.
type Config struct {
	Server   Server   `toml:"server"`
	Update   Update   `toml:"update"`
	Triggers Triggers `toml:"triggers"`

	RefreshLibraryOnScan bool     `toml:"refresh_library_on_scan"`
	IgnoreLibraries      []string `toml:"ignore_libraries"`
	IgnoreLabels         []string `toml:"ignore_labels"`
	DataDir              string   `toml:"data_dir"`

	Scheduler     Scheduler      `toml:"scheduler"`
	Notifications []Notification `toml:"notifications"`
	Health        Health         `toml:"health"`
	Logging       Logging        `toml:"logging"`
}

// Default returns the configuration used when the file omits a value.
func Default() Config {
	return Config{
		Update: Update{
			Level:    string(autolang.UpdateLevelShow),
			Strategy: string(autolang.UpdateStrategyAll),
		},
		Triggers: Triggers{
			OnPlay:     true,
			OnScan:     true,
			OnActivity: true,
		},
		RefreshLibraryOnScan: true,
		DataDir:              "/config",
		Scheduler: Scheduler{
			Enabled: true,
			Time:    "02:30",
		},
		Health: Health{
			Bind: ":9880",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads the configuration file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server.token is required")
	}
	if !slices.Contains([]string{string(autolang.UpdateLevelShow), string(autolang.UpdateLevelSeason)}, c.Update.Level) {
		return fmt.Errorf("update.level must be \"show\" or \"season\", got %q", c.Update.Level)
	}
	if !slices.Contains([]string{string(autolang.UpdateStrategyAll), string(autolang.UpdateStrategyNext)}, c.Update.Strategy) {
		return fmt.Errorf("update.strategy must be \"all\" or \"next\", got %q", c.Update.Strategy)
	}
	if c.Scheduler.Enabled {
		if err := validateClockTime(c.Scheduler.Time); err != nil {
			return fmt.Errorf("scheduler.time: %w", err)
		}
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "discord", "webhook":
		default:
			return fmt.Errorf("notifications[%d].type must be \"discord\" or \"webhook\", got %q", i, n.Type)
		}
		if n.WebhookURL == "" {
			return fmt.Errorf("notifications[%d].webhook_url is required", i)
		}
	}
	return nil
}

// Settings converts the configuration to engine settings.
func (c *Config) Settings() autolang.Settings {
	return autolang.Settings{
		UpdateLevel:          autolang.UpdateLevel(c.Update.Level),
		UpdateStrategy:       autolang.UpdateStrategy(c.Update.Strategy),
		TriggerOnPlay:        c.Triggers.OnPlay,
		TriggerOnScan:        c.Triggers.OnScan,
		TriggerOnActivity:    c.Triggers.OnActivity,
		RefreshLibraryOnScan: c.RefreshLibraryOnScan,
		IgnoreLibraries:      c.IgnoreLibraries,
		IgnoreLabels:         c.IgnoreLabels,
		DataDir:              c.DataDir,
	}
}

// validateClockTime checks an HH:MM wall clock value.
func validateClockTime(value string) error {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected HH:MM, got %q", value)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("expected HH:MM, got %q", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("out of range time %q", value)
	}
	return nil
}
