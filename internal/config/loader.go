// Package config loads the unified majordomo.jsonc configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the unified configuration file name
const ConfigFileName = "majordomo.jsonc"

// Load reads and parses the unified config from the given directory,
// applying defaults for optional sections.
func Load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8000"},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Agent: AgentConfig{
			MaxRounds:             90,
			RequestTimeoutSeconds: 300,
		},
		Session: SessionConfig{TTLHours: 24},
		Cleanup: CleanupConfig{Sweep: "*/5 * * * *"},
		Audit:   AuditConfig{Enabled: true},
	}
}

// applyDefaults fills values the file left zero after unmarshal.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8000"
	}
	if len(cfg.Google.Scopes) == 0 {
		cfg.Google.Scopes = DefaultScopes
	}
	if cfg.Agent.MaxRounds <= 0 {
		cfg.Agent.MaxRounds = 90
	}
	if cfg.Agent.RequestTimeoutSeconds <= 0 {
		cfg.Agent.RequestTimeoutSeconds = 300
	}
	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Session.TTLHours <= 0 {
		cfg.Session.TTLHours = 24
	}
	if cfg.Cleanup.Sweep == "" {
		cfg.Cleanup.Sweep = "*/5 * * * *"
	}
	if cfg.Anthropic.MaxTokens <= 0 {
		cfg.Anthropic.MaxTokens = 4096
	}
}

// DefaultSystemPrompt is the assistant preamble used when the config does
// not override it.
const DefaultSystemPrompt = `You are a helpful AI assistant with access to Google Calendar, Gmail, and a time server.

You can help users with:
- Calendar management (view, create, update, delete events)
- Email management (search, read, send emails)
- Time management (timezones, conversions, reminders)

When responding to users, provide clear, concise, and direct answers. Do not include your internal reasoning or step-by-step analysis in your responses. Be conversational, helpful and user-friendly.`
