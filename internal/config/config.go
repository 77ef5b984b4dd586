package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AuthFile      string         `yaml:"auth_file"`
	LogFile       string         `yaml:"log_file"`
	ProxyURL      string         `yaml:"proxy_url"`
	Notifications *bool          `yaml:"notifications,omitempty"`
	Priority      PriorityConfig `yaml:"priority"`
	Watch         WatchConfig    `yaml:"watch"`
	Events        EventsConfig   `yaml:"events"`
	Log           LogConfig      `yaml:"log"`
	TUI           TUIConfig      `yaml:"tui"`
}

type PriorityConfig struct {
	Games    []string `yaml:"games"`
	Excluded []string `yaml:"excluded"`
}

type WatchConfig struct {
	// Heartbeat cadence. Just under a minute so no watched minute goes
	// unreported.
	HeartbeatInterval time.Duration `yaml:"-"`
	RawHeartbeat      string        `yaml:"heartbeat_interval"`

	// Re-evaluation cadence for channel selection.
	EvalInterval time.Duration `yaml:"-"`
	RawEval      string        `yaml:"eval_interval"`

	// Full inventory/campaign poll cadence.
	SyncInterval time.Duration `yaml:"-"`
	RawSync      string        `yaml:"sync_interval"`

	// Sweep cadence for claimable drops whose events were missed.
	ClaimSweepInterval time.Duration `yaml:"-"`
	RawClaimSweep      string        `yaml:"claim_sweep_interval"`

	// Consecutive heartbeat failures before the channel is abandoned.
	FailureThreshold int `yaml:"failure_threshold"`

	// How long a failed game is benched before being tried again.
	FailureCooldown time.Duration `yaml:"-"`
	RawCooldown     string        `yaml:"failure_cooldown"`

	// How long to keep the current channel while the event connection is
	// down before falling back to channel selection.
	ReconnectTimeout    time.Duration `yaml:"-"`
	RawReconnectTimeout string        `yaml:"reconnect_timeout"`
}

type EventsConfig struct {
	PingInterval time.Duration `yaml:"-"`
	RawPing      string        `yaml:"ping_interval"`

	PingTimeout time.Duration `yaml:"-"`
	RawTimeout  string        `yaml:"ping_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TUIConfig struct {
	RefreshInterval time.Duration `yaml:"-"`
	RawInterval     string        `yaml:"refresh_interval"`
}

// NotificationsEnabled defaults to on when the key is absent.
func (c *Config) NotificationsEnabled() bool {
	return c.Notifications == nil || *c.Notifications
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func parseInterval(name, raw string, out *time.Duration) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, raw)
	}
	*out = d
	return nil
}

func (c *Config) setDefaults() error {
	if c.AuthFile == "" {
		c.AuthFile = "auth.json"
	}
	if c.LogFile == "" {
		c.LogFile = "logs/drops-miner.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Watch.RawHeartbeat == "" {
		c.Watch.RawHeartbeat = "59s"
	}
	if c.Watch.RawEval == "" {
		c.Watch.RawEval = "20s"
	}
	if c.Watch.RawSync == "" {
		c.Watch.RawSync = "15m"
	}
	if c.Watch.RawClaimSweep == "" {
		c.Watch.RawClaimSweep = "5m"
	}
	if c.Watch.RawCooldown == "" {
		c.Watch.RawCooldown = "5m"
	}
	if c.Watch.RawReconnectTimeout == "" {
		c.Watch.RawReconnectTimeout = "2m"
	}
	if c.Watch.FailureThreshold == 0 {
		c.Watch.FailureThreshold = 3
	}
	for _, p := range []struct {
		name string
		raw  string
		out  *time.Duration
	}{
		{"watch.heartbeat_interval", c.Watch.RawHeartbeat, &c.Watch.HeartbeatInterval},
		{"watch.eval_interval", c.Watch.RawEval, &c.Watch.EvalInterval},
		{"watch.sync_interval", c.Watch.RawSync, &c.Watch.SyncInterval},
		{"watch.claim_sweep_interval", c.Watch.RawClaimSweep, &c.Watch.ClaimSweepInterval},
		{"watch.failure_cooldown", c.Watch.RawCooldown, &c.Watch.FailureCooldown},
		{"watch.reconnect_timeout", c.Watch.RawReconnectTimeout, &c.Watch.ReconnectTimeout},
	} {
		if err := parseInterval(p.name, p.raw, p.out); err != nil {
			return err
		}
	}

	if c.Events.RawPing == "" {
		c.Events.RawPing = "180s"
	}
	if c.Events.RawTimeout == "" {
		c.Events.RawTimeout = "10s"
	}
	if err := parseInterval("events.ping_interval", c.Events.RawPing, &c.Events.PingInterval); err != nil {
		return err
	}
	if err := parseInterval("events.ping_timeout", c.Events.RawTimeout, &c.Events.PingTimeout); err != nil {
		return err
	}

	if c.TUI.RawInterval == "" {
		c.TUI.RawInterval = "1s"
	}
	if err := parseInterval("tui.refresh_interval", c.TUI.RawInterval, &c.TUI.RefreshInterval); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.Watch.FailureThreshold < 1 {
		return fmt.Errorf("watch.failure_threshold must be at least 1, got %d", c.Watch.FailureThreshold)
	}
	if c.Events.PingTimeout >= c.Events.PingInterval {
		return fmt.Errorf("events.ping_timeout %s must be shorter than ping_interval %s",
			c.Events.PingTimeout, c.Events.PingInterval)
	}
	excluded := make(map[string]bool, len(c.Priority.Excluded))
	for _, g := range c.Priority.Excluded {
		excluded[g] = true
	}
	for _, g := range c.Priority.Games {
		if excluded[g] {
			return fmt.Errorf("priority.games: %q is also excluded", g)
		}
	}
	return nil
}
