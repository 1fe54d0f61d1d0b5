// Package config defines the server configuration and YAML loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "30m" or "1h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Sessions SessionConfig  `yaml:"sessions"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener and base-URL computation.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8787".
	Address string `yaml:"address"`

	// PublicURL overrides the externally visible base URL. When empty the
	// base URL is derived from each request's Host header.
	PublicURL string `yaml:"public_url"`

	// TrustForwardedHeaders honors X-Forwarded-Proto/Host when computing the
	// base URL. Off by default: only enable behind a trusted tunnel or proxy.
	TrustForwardedHeaders bool `yaml:"trust_forwarded_headers"`

	// KeepaliveInterval is the SSE keepalive tick interval.
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// OAuthConfig configures the authorization server and token engine.
type OAuthConfig struct {
	// AllowPKCEPlain accepts the "plain" code_challenge_method. Off by
	// default: S256 is the only method a hardened deployment should accept.
	AllowPKCEPlain bool `yaml:"allow_pkce_plain"`

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL Duration `yaml:"access_token_ttl"`

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL Duration `yaml:"refresh_token_ttl"`

	// AuthCodeTTL is the authorization code lifetime.
	AuthCodeTTL Duration `yaml:"auth_code_ttl"`

	// PendingTTL is how long an authorization request may await a decision.
	PendingTTL Duration `yaml:"pending_ttl"`
}

// SessionConfig configures the protocol session registry.
type SessionConfig struct {
	// TTL is the sliding idle timeout for protocol sessions.
	TTL Duration `yaml:"ttl"`
}

// SecretsConfig selects the secret persistence backend.
type SecretsConfig struct {
	// Backend is one of "keyring", "file", or "memory".
	Backend string `yaml:"backend"`

	// Service is the keyring service name.
	Service string `yaml:"service"`

	// Dir is the directory for the file backend.
	Dir string `yaml:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:           ":8787",
			KeepaliveInterval: Duration(15 * time.Second),
		},
		OAuth: OAuthConfig{
			AccessTokenTTL:  Duration(1 * time.Hour),
			RefreshTokenTTL: Duration(30 * 24 * time.Hour),
			AuthCodeTTL:     Duration(5 * time.Minute),
			PendingTTL:      Duration(10 * time.Minute),
		},
		Sessions: SessionConfig{
			TTL: Duration(5 * time.Minute),
		},
		Secrets: SecretsConfig{
			Backend: "keyring",
			Service: "mcp-host-bridge",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applying defaults for unset fields.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	switch c.Secrets.Backend {
	case "keyring", "file", "memory":
	default:
		return fmt.Errorf("secrets.backend must be keyring, file, or memory (got %q)", c.Secrets.Backend)
	}
	if c.Secrets.Backend == "file" && c.Secrets.Dir == "" {
		return fmt.Errorf("secrets.dir is required for the file backend")
	}
	return nil
}
