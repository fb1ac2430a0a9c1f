// Package config provides YAML-based configuration loading for whatsdesk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone database for minimal images

	"gopkg.in/yaml.v3"
)

// Config is the top-level whatsdesk configuration, loaded from whatsdesk.yaml.
type Config struct {
	Timezone  string          `yaml:"timezone"` // IANA name; empty uses the host zone
	Database  DatabaseConfig  `yaml:"database"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	LLM       LLMConfig       `yaml:"llm"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Reminders RemindersConfig `yaml:"reminders"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// WhatsAppConfig tunes the connection supervisor and message pipeline.
type WhatsAppConfig struct {
	StorePath            string `yaml:"store_path"`
	QRTimeoutSec         int    `yaml:"qr_timeout_sec"`
	ReconnectBaseSec     int    `yaml:"reconnect_base_sec"`
	ReconnectMaxSec      int    `yaml:"reconnect_max_sec"`
	ReconnectAttempts    int    `yaml:"reconnect_attempts"` // 0 = unbounded
	HistoryLimit         int    `yaml:"history_limit"`
	CompletionTimeoutSec int    `yaml:"completion_timeout_sec"`
	Workers              int    `yaml:"workers"`
}

// LLMConfig points the completion client at an OpenAI-compatible API.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures zap and optional file rotation.
type LogConfig struct {
	Mode      string `yaml:"mode"` // "production" or "development"
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// RemindersConfig schedules appointment reminders.
type RemindersConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Cron        string `yaml:"cron"`
	LeadMinutes int    `yaml:"lead_minutes"`
}

// AlertsConfig lists operator notification sinks. Empty values disable a sink.
type AlertsConfig struct {
	SlackWebhookURL     string `yaml:"slack_webhook_url"`
	DiscordWebhookID    string `yaml:"discord_webhook_id"`
	DiscordWebhookToken string `yaml:"discord_webhook_token"`
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

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "whatsdesk"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "whatsdesk.db"
	}

	w := &c.WhatsApp
	if w.StorePath == "" {
		w.StorePath = "whatsmeow.db"
	}
	if w.QRTimeoutSec == 0 {
		w.QRTimeoutSec = 120
	}
	if w.ReconnectBaseSec == 0 {
		w.ReconnectBaseSec = 5
	}
	if w.ReconnectMaxSec == 0 {
		w.ReconnectMaxSec = 300
	}
	if w.HistoryLimit == 0 {
		w.HistoryLimit = 20
	}
	if w.CompletionTimeoutSec == 0 {
		w.CompletionTimeoutSec = 45
	}
	if w.Workers == 0 {
		w.Workers = 64
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.APIKey == "" && c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "production"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 64
	}
	if c.Reminders.Cron == "" {
		c.Reminders.Cron = "*/5 * * * *"
	}
	if c.Reminders.LeadMinutes == 0 {
		c.Reminders.LeadMinutes = 120
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
		}
	}
	if c.WhatsApp.QRTimeoutSec < 0 {
		errs = append(errs, "whatsapp.qr_timeout_sec must be positive")
	}
	if c.WhatsApp.ReconnectAttempts < 0 {
		errs = append(errs, "whatsapp.reconnect_attempts must not be negative")
	}
	if c.WhatsApp.ReconnectMaxSec < c.WhatsApp.ReconnectBaseSec {
		errs = append(errs, "whatsapp.reconnect_max_sec must be >= reconnect_base_sec")
	}
	if c.WhatsApp.HistoryLimit < 0 {
		errs = append(errs, "whatsapp.history_limit must not be negative")
	}
	switch c.Log.Mode {
	case "production", "development":
	default:
		errs = append(errs, fmt.Sprintf("log.mode %q is not supported (production, development)", c.Log.Mode))
	}
	if (c.Alerts.DiscordWebhookID == "") != (c.Alerts.DiscordWebhookToken == "") {
		errs = append(errs, "alerts.discord_webhook_id and alerts.discord_webhook_token must be set together")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the zone appointment times and reminder schedules are
// interpreted in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ResolveAPIKey returns the LLM API key, reading the configured environment
// variable when no literal key is set. A missing key is a startup error.
func (c *Config) ResolveAPIKey() (string, error) {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey, nil
	}
	if key := os.Getenv(c.LLM.APIKeyEnv); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("config: llm api key missing (set llm.api_key or $%s)", c.LLM.APIKeyEnv)
}

// QRTimeout is the window a QR challenge may stay unanswered.
func (w WhatsAppConfig) QRTimeout() time.Duration {
	return time.Duration(w.QRTimeoutSec) * time.Second
}

func (w WhatsAppConfig) ReconnectBase() time.Duration {
	return time.Duration(w.ReconnectBaseSec) * time.Second
}

func (w WhatsAppConfig) ReconnectMax() time.Duration {
	return time.Duration(w.ReconnectMaxSec) * time.Second
}

func (w WhatsAppConfig) CompletionTimeout() time.Duration {
	return time.Duration(w.CompletionTimeoutSec) * time.Second
}
