// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mautrix-rocketchat.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HomeserverConfig contains Matrix homeserver connection settings.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	// Domain is the suffix for virtual-user ids and bridged-room aliases.
	Domain string `yaml:"domain"`
}

// AppServiceConfig contains application service settings.
type AppServiceConfig struct {
	// Address is the externally reachable base URL of this service, given
	// to the homeserver in the registration file.
	Address         string    `yaml:"address"`
	Hostname        string    `yaml:"hostname"`
	Port            int       `yaml:"port"`
	ID              string    `yaml:"id"`
	Bot             BotConfig `yaml:"bot"`
	ASToken         string    `yaml:"as_token"`
	HSToken         string    `yaml:"hs_token"`
	EphemeralEvents bool      `yaml:"ephemeral_events"`
}

// BotConfig contains the bridge bot user settings. Username doubles as the
// sender localpart — the prefix shared by the bot and every virtual user
// this bridge creates.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BridgeConfig contains bridge-specific settings.
type BridgeConfig struct {
	Permissions map[string]string `yaml:"permissions"`

	// AcceptRemoteInvites, when false, makes the bot ignore invites from
	// rooms whose id's host differs from Homeserver.Domain.
	AcceptRemoteInvites bool `yaml:"accept_remote_invites"`

	// MaxServerIDLength upper-bounds user-chosen Rocket.Chat server ids.
	MaxServerIDLength int `yaml:"max_rocketchat_server_id_length"`

	// DefaultLanguage is the configured locale, "en" when unset. Command
	// replies are English text and do not consult it.
	DefaultLanguage string `yaml:"default_language"`

	// LoopWindow is the span after a Matrix→Rocket.Chat forward during which
	// a webhook echo of the same sender is dropped rather than delivered.
	LoopWindow time.Duration `yaml:"loop_window"`

	// HTTPTimeout bounds every outbound call to Matrix and Rocket.Chat.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string         `yaml:"min_level"`
	Writers  []LoggerWriter `yaml:"writers"`
}

// LoggerWriter describes a single log output target.
type LoggerWriter struct {
	Type       string `yaml:"type"`
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and fills in defaults.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.Address == "" {
		return fmt.Errorf("appservice.address is required")
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 29330
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "rocketchat"
	}
	if c.AppService.Bot.Username == "" {
		c.AppService.Bot.Username = "rocketchat"
	}
	if c.AppService.Bot.Displayname == "" {
		c.AppService.Bot.Displayname = "Rocket.Chat bridge bot"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Bridge.MaxServerIDLength == 0 {
		c.Bridge.MaxServerIDLength = 20
	}
	if c.Bridge.DefaultLanguage == "" {
		c.Bridge.DefaultLanguage = "en"
	}
	if c.Bridge.LoopWindow == 0 {
		c.Bridge.LoopWindow = 5 * time.Second
	}
	if c.Bridge.HTTPTimeout == 0 {
		c.Bridge.HTTPTimeout = 5 * time.Second
	}

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9130"
	}

	return nil
}

// GenerateRegistration creates a Matrix appservice registration YAML.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s_.+:%s'
  aliases:
    - exclusive: true
      regex: '#%s_.+:%s'
  rooms: []
rate_limited: false
de.sorunome.msc2409.push_ephemeral: %t
push_ephemeral: %t
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.Bot.Username,
		regexEscape(c.AppService.Bot.Username),
		regexEscape(c.Homeserver.Domain),
		regexEscape(c.AppService.Bot.Username),
		regexEscape(c.Homeserver.Domain),
		c.AppService.EphemeralEvents,
		c.AppService.EphemeralEvents,
	)
}

func regexEscape(s string) string {
	return regexp.QuoteMeta(s)
}
