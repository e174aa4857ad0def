package config

import (
	"fmt"
	"time"

	"github.com/HyphaGroup/majordomo/internal/validation"
)

// ServerConfig holds HTTP/WebSocket server settings
type ServerConfig struct {
	Address string `json:"address"`
}

// GoogleConfig holds the OAuth client registration used for the
// authorization-code exchange and for the credential descriptors handed
// to capability providers.
type GoogleConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	ProjectID    string   `json:"project_id"`
	RedirectURI  string   `json:"redirect_uri"`
	Scopes       []string `json:"scopes"`
}

// DefaultScopes are requested when the config declares none.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
}

// AnthropicConfig holds oracle settings
type AnthropicConfig struct {
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// AgentConfig holds per-session agent behavior
type AgentConfig struct {
	MaxRounds             int    `json:"max_rounds"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	SystemPrompt          string `json:"system_prompt"`
}

// RequestTimeout returns the bounded deadline for one agent run.
func (a AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// ProviderConfig declares one capability provider process
type ProviderConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SessionConfig holds session store settings
type SessionConfig struct {
	TTLHours int `json:"ttl_hours"`
}

// TTL returns the session lifetime.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// CleanupConfig holds the expired-session sweep schedule
type CleanupConfig struct {
	// Sweep is a standard 5-field cron expression
	Sweep string `json:"sweep"`
}

// AuditConfig holds audit log settings
type AuditConfig struct {
	Enabled bool `json:"enabled"`
}

// Config is the unified configuration loaded from majordomo.jsonc
type Config struct {
	Server    ServerConfig              `json:"server"`
	Google    GoogleConfig              `json:"google"`
	Anthropic AnthropicConfig           `json:"anthropic"`
	Agent     AgentConfig               `json:"agent"`
	Providers map[string]ProviderConfig `json:"providers"`
	Session   SessionConfig             `json:"session"`
	Cleanup   CleanupConfig             `json:"cleanup"`
	Audit     AuditConfig               `json:"audit"`
}

// Validate checks required configuration values
func (c *Config) Validate() error {
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_id and google.client_secret are required")
	}
	if c.Google.RedirectURI == "" {
		return fmt.Errorf("google.redirect_uri is required")
	}
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one capability provider must be configured")
	}
	for name, p := range c.Providers {
		if err := validation.ValidateProviderName(name); err != nil {
			return err
		}
		if p.Command == "" {
			return fmt.Errorf("provider %s: command is required", name)
		}
	}
	return nil
}
