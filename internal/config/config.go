// Package config holds the on-disk configuration document: agent
// definitions, session bindings, channel/provider settings, and the
// hot-reload machinery built on top of it.
package config

import "sync"

// AgentDefinition is the static description of one agent. It is
// immutable between reloads — reload-check replaces it wholesale rather
// than mutating fields in place.
type AgentDefinition struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrictToWorkspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	Temperature         float64 `json:"temperature"`
	MaxTokens           int     `json:"maxTokens"`
	MaxToolIterations   int     `json:"maxToolIterations"`
	MemoryWindow        int     `json:"memoryWindow"`
	SystemPrompt        string  `json:"systemPrompt,omitempty"`
}

// trackedFields lists the AgentDefinition fields the registry diffs
// between reloads to decide whether a common agent name was "updated".
var trackedFields = []string{
	"workspace",
	"model",
	"temperature",
	"maxTokens",
	"maxToolIterations",
	"memoryWindow",
	"systemPrompt",
}

// ChangedFields returns the subset of trackedFields whose value differs
// between old and updated.
func ChangedFields(old, updated AgentDefinition) []string {
	var changed []string
	if old.Workspace != updated.Workspace {
		changed = append(changed, "workspace")
	}
	if old.Model != updated.Model {
		changed = append(changed, "model")
	}
	if old.Temperature != updated.Temperature {
		changed = append(changed, "temperature")
	}
	if old.MaxTokens != updated.MaxTokens {
		changed = append(changed, "maxTokens")
	}
	if old.MaxToolIterations != updated.MaxToolIterations {
		changed = append(changed, "maxToolIterations")
	}
	if old.MemoryWindow != updated.MemoryWindow {
		changed = append(changed, "memoryWindow")
	}
	if old.SystemPrompt != updated.SystemPrompt {
		changed = append(changed, "systemPrompt")
	}
	return changed
}

// AgentsConfig is the registry of agent definitions plus the bindings
// mapping a session key to an agent name.
type AgentsConfig struct {
	Defaults AgentDefinition            `json:"defaults"`
	Registry map[string]AgentDefinition `json:"registry"`
	Bindings map[string]string          `json:"bindings,omitempty"`
}

// GetAgent returns the definition for name, falling back to "main" (and
// ultimately Defaults) if name is unknown.
func (a AgentsConfig) GetAgent(name string) AgentDefinition {
	if def, ok := a.Registry[name]; ok {
		return def
	}
	if def, ok := a.Registry["main"]; ok {
		return def
	}
	return a.Defaults
}

// GetAgentForSession resolves the agent bound to sessionKey, falling back
// to "main".
func (a AgentsConfig) GetAgentForSession(sessionKey string) AgentDefinition {
	if name, ok := a.Bindings[sessionKey]; ok {
		return a.GetAgent(name)
	}
	return a.GetAgent("main")
}

// AgentNameForSession returns the agent name bound to sessionKey, or
// "main" if unbound or bound to a name absent from the registry.
func (a AgentsConfig) AgentNameForSession(sessionKey string) string {
	if name, ok := a.Bindings[sessionKey]; ok && name != "" {
		if _, known := a.Registry[name]; known {
			return name
		}
	}
	return "main"
}

// ChannelsConfig configures the channel adapters (telegram, discord).
type ChannelsConfig struct {
	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
	Discord  *DiscordChannelConfig  `json:"discord,omitempty"`
}

// TelegramChannelConfig configures the Telegram bot adapter.
type TelegramChannelConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	BotToken  string   `json:"-"` // from env AGENTGW_TELEGRAM_TOKEN only
	AllowList []string `json:"allowList,omitempty"`
}

// DiscordChannelConfig configures the Discord bot adapter.
type DiscordChannelConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	BotToken  string   `json:"-"` // from env AGENTGW_DISCORD_TOKEN only
	AllowList []string `json:"allowList,omitempty"`
}

// ProvidersConfig configures the LLM provider credentials available to
// agents; the provider named by an AgentDefinition.Provider must have a
// matching entry here (or the corresponding env var) to be usable.
type ProvidersConfig struct {
	Anthropic *AnthropicProviderConfig `json:"anthropic,omitempty"`
	OpenAI    *OpenAIProviderConfig    `json:"openai,omitempty"`
}

// AnthropicProviderConfig configures the Anthropic provider.
type AnthropicProviderConfig struct {
	APIKey string `json:"-"` // from env AGENTGW_ANTHROPIC_API_KEY only
}

// OpenAIProviderConfig configures the OpenAI-compatible provider.
type OpenAIProviderConfig struct {
	APIKey  string `json:"-"` // from env AGENTGW_OPENAI_API_KEY only
	APIBase string `json:"apiBase,omitempty"`
}

// GatewayConfig configures the optional WebSocket status/event feed.
type GatewayConfig struct {
	ListenAddr string `json:"listenAddr,omitempty"` // empty disables the gateway server
}

// SessionsConfig configures session history persistence. Backend selects
// the storage engine: "file" (default, JSON files under StorageDir),
// "sqlite" (a single SQLite database at SQLitePath), or "postgres" (a
// shared Postgres database, DSN supplied via AGENTGW_POSTGRES_DSN only —
// never persisted to the config document).
type SessionsConfig struct {
	StorageDir  string `json:"storageDir,omitempty"`
	Backend     string `json:"backend,omitempty"`
	SQLitePath  string `json:"sqlitePath,omitempty"`
	PostgresDSN string `json:"-"`
}

// CronConfig configures the cron scheduling service. Expression is a
// standard five-field cron expression; its only built-in job is a
// heartbeat tick broadcast to WebSocket clients (see pkg/protocol.EventTick).
type CronConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cron      CronConfig      `json:"cron,omitempty"`

	mu sync.RWMutex
}

// ReplaceFrom copies every data field from src into c, preserving c's
// mutex. Used when swapping in a freshly loaded document in place.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Cron = src.Cron
}
