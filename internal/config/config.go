// Package config provides YAML-based configuration loading for Waypoint.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Waypoint configuration, loaded from waypoint.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Agents    []AgentConfig   `yaml:"agents"`
	Tools     []ToolConfig    `yaml:"tools"`
	Transport TransportConfig `yaml:"transport"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or mysql
	Path   string `yaml:"path"`   // sqlite file
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RuntimeConfig tunes the conversation runtime.
type RuntimeConfig struct {
	CacheTTL           Duration `yaml:"cache_ttl"`
	CacheNamespace     string   `yaml:"cache_namespace"`
	HealthWindow       int      `yaml:"health_window"`
	SessionIdleTimeout Duration `yaml:"session_idle_timeout"`
	SweepSchedule      string   `yaml:"sweep_schedule"`
	RecentEvents       int      `yaml:"recent_events"`
	MaxJourneySteps    int      `yaml:"max_journey_steps"`
}

// AgentConfig seeds an Agent row.
type AgentConfig struct {
	ID              string   `yaml:"id"`
	WorkspaceID     string   `yaml:"workspace_id"`
	Name            string   `yaml:"name"`
	ModelProvider   string   `yaml:"model_provider"`
	ModelName       string   `yaml:"model_name"`
	Temperature     float64  `yaml:"temperature"`
	MaxTokens       int      `yaml:"max_tokens"`
	ContextWindow   int      `yaml:"context_window"`
	CompositionMode string   `yaml:"composition_mode"`
	Tools           []string `yaml:"tools"`
}

// ToolConfig seeds a Tool row and configures its backend.
type ToolConfig struct {
	ID                 string       `yaml:"id"`
	Name               string       `yaml:"name"`
	Description        string       `yaml:"description"`
	Endpoint           string       `yaml:"endpoint"`
	Timeout            Duration     `yaml:"timeout"`
	RequiresAuth       bool         `yaml:"requires_auth"`
	AuthType           string       `yaml:"auth_type"`
	APIKey             string       `yaml:"api_key"`
	RateLimitPerMinute int          `yaml:"rate_limit_per_minute"`
	RateLimitPerHour   int          `yaml:"rate_limit_per_hour"`
	Retry              RetryConfig  `yaml:"retry"`
	OAuth2             OAuth2Config `yaml:"oauth2"`
}

// RetryConfig is a tool's retry policy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
}

// OAuth2Config holds client-credentials settings for tools with auth_type oauth2.
type OAuth2Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// TransportConfig configures chat platform bridges.
type TransportConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
	AgentID   string `yaml:"agent_id"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken   string `yaml:"bot_token"`
	ChannelID  string `yaml:"channel_id"`
	AgentID    string `yaml:"agent_id"`
	AutoThread bool   `yaml:"auto_thread"`
}

// Enabled reports whether Slack credentials are present.
func (s SlackConfig) Enabled() bool { return s.BotToken != "" && s.AppToken != "" }

// Enabled reports whether a Discord bot token is present.
func (d DiscordConfig) Enabled() bool { return d.BotToken != "" }

// Duration is a time.Duration that unmarshals from Go duration strings ("90s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "waypoint.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Runtime.CacheTTL.Duration == 0 {
		c.Runtime.CacheTTL.Duration = 24 * time.Hour
	}
	if c.Runtime.CacheNamespace == "" {
		c.Runtime.CacheNamespace = "v1"
	}
	if c.Runtime.HealthWindow == 0 {
		c.Runtime.HealthWindow = 20
	}
	if c.Runtime.SessionIdleTimeout.Duration == 0 {
		c.Runtime.SessionIdleTimeout.Duration = 30 * time.Minute
	}
	if c.Runtime.SweepSchedule == "" {
		c.Runtime.SweepSchedule = "*/5 * * * *"
	}
	if c.Runtime.RecentEvents == 0 {
		c.Runtime.RecentEvents = 20
	}
	if c.Runtime.MaxJourneySteps == 0 {
		c.Runtime.MaxJourneySteps = 8
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.CompositionMode == "" {
			a.CompositionMode = "fluid"
		}
		if a.WorkspaceID == "" {
			a.WorkspaceID = "default"
		}
	}
	for i := range c.Tools {
		t := &c.Tools[i]
		if t.AuthType == "" {
			t.AuthType = "none"
		}
		if t.Timeout.Duration == 0 {
			t.Timeout.Duration = 30 * time.Second
		}
		if t.Retry.MaxAttempts == 0 {
			t.Retry.MaxAttempts = 1
		}
		if t.Retry.Backoff.Duration == 0 {
			t.Retry.Backoff.Duration = 500 * time.Millisecond
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required for mysql")
		}
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Runtime.HealthWindow < 1 {
		errs = append(errs, "runtime.health_window must be positive")
	}
	if _, err := cron.ParseStandard(c.Runtime.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("runtime.sweep_schedule: %v", err))
	}
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
		}
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].name is required", i))
		}
		if a.CompositionMode != "strict" && a.CompositionMode != "fluid" {
			errs = append(errs, fmt.Sprintf("agents[%d].composition_mode must be strict or fluid", i))
		}
	}
	for i, t := range c.Tools {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tools[%d].id is required", i))
		}
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("tools[%d].name is required", i))
		}
		switch t.AuthType {
		case "none", "api_key", "bearer":
		case "oauth2":
			if t.OAuth2.TokenURL == "" || t.OAuth2.ClientID == "" {
				errs = append(errs, fmt.Sprintf("tools[%d].oauth2 requires client_id and token_url", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("tools[%d].auth_type %q is not supported", i, t.AuthType))
		}
		if t.RateLimitPerMinute < 0 || t.RateLimitPerHour < 0 {
			errs = append(errs, fmt.Sprintf("tools[%d] rate limits must not be negative", i))
		}
	}
	if c.Transport.Slack.Enabled() && c.Transport.Slack.AgentID == "" {
		errs = append(errs, "transport.slack.agent_id is required")
	}
	if c.Transport.Discord.Enabled() && c.Transport.Discord.AgentID == "" {
		errs = append(errs, "transport.discord.agent_id is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
