// ABOUTME: Configuration loading for fold-relay.
// ABOUTME: TOML with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete fold-relay configuration.
type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

// GatewayConfig describes how to reach and start the channel gateway daemon.
type GatewayConfig struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Binary string `toml:"binary"` // daemon binary name, default "relayd"

	// Extra install locations searched before PATH when detecting the daemon.
	SearchPaths []string `toml:"search_paths"`

	ConnectTimeout time.Duration `toml:"-"`
	RequestTimeout time.Duration `toml:"-"`

	ConnectTimeoutRaw string `toml:"connect_timeout"`
	RequestTimeoutRaw string `toml:"request_timeout"`
}

// BridgeConfig tunes the routing bridge and its polling loops.
type BridgeConfig struct {
	SessionDir     string   `toml:"session_dir"` // gateway's on-disk session store
	CancelKeywords []string `toml:"cancel_keywords"`

	StatusPollInterval  time.Duration `toml:"-"`
	DaemonRetryInterval time.Duration `toml:"-"`
	DiskPollInterval    time.Duration `toml:"-"`
	ContactTTL          time.Duration `toml:"-"`

	StatusPollIntervalRaw  string `toml:"status_poll_interval"`
	DaemonRetryIntervalRaw string `toml:"daemon_retry_interval"`
	DiskPollIntervalRaw    string `toml:"disk_poll_interval"`
	ContactTTLRaw          string `toml:"contact_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultPath returns the config file location.
// Priority: FOLD_RELAY_CONFIG > XDG_CONFIG_HOME/fold/relay.toml > ~/.config/fold/relay.toml
func DefaultPath() string {
	if envPath := os.Getenv("FOLD_RELAY_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "fold", "relay.toml")
}

// Load reads config from the given path, expanding environment variables and
// parsing duration strings. Missing durations fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes raw TOML content.
func Parse(raw string) (*Config, error) {
	expanded := expandEnvVars(raw)

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) parseDurations() error {
	entries := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.Gateway.ConnectTimeoutRaw, "gateway.connect_timeout", &c.Gateway.ConnectTimeout},
		{c.Gateway.RequestTimeoutRaw, "gateway.request_timeout", &c.Gateway.RequestTimeout},
		{c.Bridge.StatusPollIntervalRaw, "bridge.status_poll_interval", &c.Bridge.StatusPollInterval},
		{c.Bridge.DaemonRetryIntervalRaw, "bridge.daemon_retry_interval", &c.Bridge.DaemonRetryInterval},
		{c.Bridge.DiskPollIntervalRaw, "bridge.disk_poll_interval", &c.Bridge.DiskPollInterval},
		{c.Bridge.ContactTTLRaw, "bridge.contact_ttl", &c.Bridge.ContactTTL},
	}
	for _, e := range entries {
		if e.raw == "" {
			continue
		}
		d, err := time.ParseDuration(e.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", e.name, err)
		}
		*e.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.URL == "" {
		c.Gateway.URL = "ws://127.0.0.1:18789/ws"
	}
	if c.Gateway.Binary == "" {
		c.Gateway.Binary = "relayd"
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = 10 * time.Second
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = 30 * time.Second
	}
	if c.Bridge.StatusPollInterval == 0 {
		c.Bridge.StatusPollInterval = 30 * time.Second
	}
	if c.Bridge.DaemonRetryInterval == 0 {
		c.Bridge.DaemonRetryInterval = 60 * time.Second
	}
	if c.Bridge.DiskPollInterval == 0 {
		c.Bridge.DiskPollInterval = 15 * time.Second
	}
	if c.Bridge.ContactTTL == 0 {
		c.Bridge.ContactTTL = 2 * time.Hour
	}
	if len(c.Bridge.CancelKeywords) == 0 {
		c.Bridge.CancelKeywords = []string{"stop", "cancel", "abort", "esc"}
	}
	if c.Bridge.SessionDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Bridge.SessionDir = filepath.Join(home, ".relayd", "sessions")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
