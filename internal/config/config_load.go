package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/titanous/json5"
)

// DefaultConfigDir is the directory under the user's home holding the
// config document and per-agent workspaces.
const DefaultConfigDir = ".agentgw"

// Default returns a Config with one "main" agent pointed at the default
// workspace, sufficient to boot the gateway with no config file present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	workspace := filepath.Join(home, DefaultConfigDir, "workspaces", "main")
	return &Config{
		Agents: AgentsConfig{
			Registry: map[string]AgentDefinition{
				"main": {
					Workspace:         workspace,
					Provider:          "anthropic",
					Model:             "claude-sonnet-4-5",
					Temperature:       0.7,
					MaxTokens:         4096,
					MaxToolIterations: 25,
					MemoryWindow:      50,
				},
			},
			Bindings: map[string]string{},
		},
		Sessions: SessionsConfig{
			StorageDir: filepath.Join(home, DefaultConfigDir, "sessions"),
		},
	}
}

// DefaultConfigPath returns "<HOME>/.agentgw/config.json".
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DefaultConfigDir, "config.json")
}

// Load reads and parses the JSON5 config document at path, applies the
// config migration rules, then unmarshals into a Config. If "main" is
// absent from the resulting registry the load fails — "main" missing is
// the one fatal config condition the gateway will not start without.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc map[string]any
	if err := json5.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	migrate(doc)

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshal %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	ApplyEnvOverrides(cfg)
	expandWorkspaces(cfg)

	if _, ok := cfg.Agents.Registry["main"]; !ok {
		return nil, fmt.Errorf("config: %s: agents.registry.main is required", path)
	}

	return cfg, nil
}

// Save writes cfg to path as indented JSON (camelCase, matching the
// on-disk convention), creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a stable content hash of cfg, used to short-circuit a
// reload-check without a full structural diff.
func Hash(cfg *Config) string {
	data, _ := json.Marshal(cfg)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ApplyEnvOverrides overlays secret-bearing fields from the environment.
// These are never persisted to the config document.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGW_ANTHROPIC_API_KEY"); v != "" {
		if cfg.Providers.Anthropic == nil {
			cfg.Providers.Anthropic = &AnthropicProviderConfig{}
		}
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("AGENTGW_OPENAI_API_KEY"); v != "" {
		if cfg.Providers.OpenAI == nil {
			cfg.Providers.OpenAI = &OpenAIProviderConfig{}
		}
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("AGENTGW_TELEGRAM_TOKEN"); v != "" {
		if cfg.Channels.Telegram == nil {
			cfg.Channels.Telegram = &TelegramChannelConfig{}
		}
		cfg.Channels.Telegram.BotToken = v
	}
	if v := os.Getenv("AGENTGW_DISCORD_TOKEN"); v != "" {
		if cfg.Channels.Discord == nil {
			cfg.Channels.Discord = &DiscordChannelConfig{}
		}
		cfg.Channels.Discord.BotToken = v
	}
	if v := os.Getenv("AGENTGW_POSTGRES_DSN"); v != "" {
		cfg.Sessions.PostgresDSN = v
	}
}

// expandWorkspaces applies ExpandHome to every agent's workspace path.
func expandWorkspaces(cfg *Config) {
	for name, def := range cfg.Agents.Registry {
		def.Workspace = ExpandHome(def.Workspace)
		cfg.Agents.Registry[name] = def
	}
}

// ExpandHome expands a leading "~" to the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
