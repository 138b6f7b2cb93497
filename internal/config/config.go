// ABOUTME: Configuration loading and parsing for warden-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden-gateway configuration
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Upstream   UpstreamConfig  `yaml:"upstream"`
	Auth       AuthConfig      `yaml:"auth"`
	Passkey    PasskeyConfig   `yaml:"passkey"`
	Directory  DirectoryConfig `yaml:"directory"`
	Sync       SyncConfig      `yaml:"sync"`
	Mail       MailConfig      `yaml:"mail"`
	Database   DatabaseConfig  `yaml:"database"`
	Logging    LoggingConfig   `yaml:"logging"`
	Production bool            `yaml:"production"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// UpstreamConfig holds the protected backend configuration
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// AuthConfig holds session and policy configuration
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`
	// CallbackIssuer is the expected "iss" claim on tokens handed to
	// /auth/callback by the external session-sync provider.
	CallbackIssuer string `yaml:"callback_issuer"`
	// AllowedLabels is the process-wide allow-list evaluated against a
	// session's labels. Loaded once at startup, never re-read.
	AllowedLabels []string `yaml:"allowed_labels"`
	// RegistrationURL is where identities unknown to the directory are sent.
	RegistrationURL string `yaml:"registration_url"`
	// UpgradeURL is where resolved-but-unauthorized identities are sent.
	UpgradeURL string `yaml:"upgrade_url"`
}

// PasskeyConfig holds WebAuthn relying-party configuration
type PasskeyConfig struct {
	RPID          string `yaml:"rp_id"`
	RPDisplayName string `yaml:"rp_display_name"`
	Origin        string `yaml:"origin"`
}

// DirectoryConfig holds the external member directory configuration
type DirectoryConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// SyncConfig holds the cross-domain session-sync provider configuration
type SyncConfig struct {
	// ScriptURL is the session-sync client injected into proxied HTML pages.
	ScriptURL string `yaml:"script_url"`
}

// MailConfig holds verification code delivery configuration
type MailConfig struct {
	Mode     string `yaml:"mode"` // "smtp" or "log"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible fallbacks.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Directory.Timeout == 0 {
		c.Directory.Timeout = 10 * time.Second
	}
	if c.Mail.Mode == "" {
		c.Mail.Mode = "log"
	}
	if c.Passkey.RPDisplayName == "" {
		c.Passkey.RPDisplayName = c.Passkey.RPID
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if _, err := url.ParseRequestURI(c.Upstream.URL); err != nil {
		return fmt.Errorf("upstream.url is not a valid URL: %w", err)
	}

	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required")
	}
	if len(c.Auth.AllowedLabels) == 0 {
		return fmt.Errorf("auth.allowed_labels must list at least one label")
	}

	if c.Passkey.RPID == "" {
		return fmt.Errorf("passkey.rp_id is required")
	}
	if c.Passkey.Origin == "" {
		return fmt.Errorf("passkey.origin is required")
	}

	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Mail.Mode != "smtp" && c.Mail.Mode != "log" {
		return fmt.Errorf("mail.mode must be %q or %q, got %q", "smtp", "log", c.Mail.Mode)
	}
	if c.Mail.Mode == "smtp" && c.Mail.Host == "" {
		return fmt.Errorf("mail.host is required when mail.mode is smtp")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Upstream.TimeoutRaw != "" {
		cfg.Upstream.Timeout, err = time.ParseDuration(cfg.Upstream.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing upstream.timeout %q: %w", cfg.Upstream.TimeoutRaw, err)
		}
	}

	if cfg.Directory.TimeoutRaw != "" {
		cfg.Directory.Timeout, err = time.ParseDuration(cfg.Directory.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing directory.timeout %q: %w", cfg.Directory.TimeoutRaw, err)
		}
	}

	return nil
}
