package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/agentgw/internal/bootstrap"
	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/config"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
	"github.com/nextlevelbuilder/agentgw/internal/filewatch"
	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
	"github.com/nextlevelbuilder/agentgw/internal/store"
)

// ProviderResolver looks up the provider to hand an agent, keyed by the
// provider name in its AgentDefinition (e.g. "anthropic", "openai"). It is
// the seam between the manager and the opaque LLM client collaborator.
type ProviderResolver func(name string) (providers.Provider, error)

// UpdatePolicy controls how the manager reacts to an agent.updated event
// for an agent that already has a live instance.
type UpdatePolicy int

const (
	// PolicyKeepRunning leaves the live instance serving with its old
	// parameters; the new definition only takes effect the next time the
	// instance is reconstructed (eviction, removal, or process restart).
	// This is the default: an in-flight conversation should not have its
	// provider swapped out from under it mid-turn.
	PolicyKeepRunning UpdatePolicy = iota
	// PolicyRecreateOnUpdate evicts and stops the live instance immediately
	// on any tracked-field change, so the next GetLoop call rebuilds it
	// against the new definition.
	PolicyRecreateOnUpdate
)

// Manager is the multi-agent manager (spec'd as the gateway's Agent
// Manager): a lazily populated cache of live Instances sitting on top of
// the Registry, kept in sync by subscribing to the registry's lifecycle
// events rather than polling it directly.
type Manager struct {
	registry *registry.Registry
	bus      *bus.EventBus
	cache    *filecache.Cache
	watcher  *filewatch.Watcher
	sessions store.SessionStore
	resolve  ProviderResolver
	logger   *slog.Logger
	policy   UpdatePolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	live map[string]*Instance
	subs []bus.Subscription
}

// NewManager constructs a Manager. watcher may be nil if the file watcher
// is disabled; the manager degrades to lazy construction with no
// workspace-change invalidation in that case.
func NewManager(reg *registry.Registry, eventBus *bus.EventBus, cache *filecache.Cache, watcher *filewatch.Watcher, sessions store.SessionStore, resolve ProviderResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: reg,
		bus:      eventBus,
		cache:    cache,
		watcher:  watcher,
		sessions: sessions,
		resolve:  resolve,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[string]*Instance),
	}
}

// SetUpdatePolicy changes how the manager reacts to agent.updated events.
// Safe to call at any time; it only affects updates handled afterward.
func (m *Manager) SetUpdatePolicy(p UpdatePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// Start subscribes the manager to the agent lifecycle topics so it reacts
// to registry reload-checks without the caller having to poll.
func (m *Manager) Start() {
	m.subs = append(m.subs,
		m.bus.Subscribe(bus.TopicAgentAdded, bus.HandlerFunc(m.handleAgentAdded)),
		m.bus.Subscribe(bus.TopicAgentRemoved, bus.HandlerFunc(m.handleAgentRemoved)),
		m.bus.Subscribe(bus.TopicAgentUpdated, bus.HandlerFunc(m.handleAgentUpdated)),
	)
}

// Stop unsubscribes from the event bus and stops every live instance.
func (m *Manager) Stop() {
	for _, sub := range m.subs {
		m.bus.Unsubscribe(sub)
	}
	m.subs = nil
	m.cancel()
	m.Cleanup()
}

// GetLoop returns the live Instance for name, constructing and caching it
// on first use (lazy instantiation). A reload-check runs first via the
// registry, so a just-edited definition is picked up even if this is the
// first call for name.
func (m *Manager) GetLoop(name string) (*Instance, error) {
	def := m.registry.GetAgentConfig(name)

	m.mu.Lock()
	if inst, ok := m.live[name]; ok {
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	inst, err := m.createInstance(name, def)
	if err != nil {
		return nil, fmt.Errorf("agent: construct %q: %w", name, err)
	}

	m.mu.Lock()
	if existing, ok := m.live[name]; ok {
		m.mu.Unlock()
		inst.Stop()
		return existing, nil
	}
	m.live[name] = inst
	m.mu.Unlock()

	m.wireWatcher(inst)
	return inst, nil
}

// GetLoopForSession resolves sessionKey to its bound agent name via the
// registry, then returns (constructing if needed) that agent's Instance.
func (m *Manager) GetLoopForSession(sessionKey string) (*Instance, error) {
	name := m.registry.GetAgentNameForSession(sessionKey)
	return m.GetLoop(name)
}

// GetLoopForName resolves name against the registry before constructing an
// instance: an unregistered name (e.g. a cron job's target agent renamed or
// deleted out from under it) falls back to "main" with a logged warning,
// rather than silently materializing a same-named instance running main's
// configuration.
func (m *Manager) GetLoopForName(name string) (*Instance, error) {
	if !m.registry.HasAgent(name) {
		m.logger.Warn("agent: unknown agent name, falling back to main", "requested", name)
		name = "main"
	}
	return m.GetLoop(name)
}

// ListActiveAgents returns the names of every currently live instance.
func (m *Manager) ListActiveAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.live))
	for name := range m.live {
		names = append(names, name)
	}
	return names
}

// ReloadAgents stops every live instance and forces the registry to
// reload unconditionally, so the next GetLoop call reconstructs against
// the freshest definitions. It does not itself reconstruct anything —
// instantiation stays lazy.
func (m *Manager) ReloadAgents() {
	m.Cleanup()
	m.registry.ForceReload()
}

// Cleanup stops every live instance and empties the cache. A panicking
// Stop on one instance never prevents the rest from stopping.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	live := m.live
	m.live = make(map[string]*Instance)
	m.mu.Unlock()

	for name, inst := range live {
		m.safeStop(name, inst)
	}
}

func (m *Manager) safeStop(name string, inst *Instance) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("agent: panic stopping instance", "agent", name, "panic", r)
		}
	}()
	inst.Stop()
	if m.watcher != nil {
		m.watcher.UnregisterAgent(name)
	}
	if m.cache != nil {
		m.cache.UnregisterInvalidator(inst.ContextInvalidator())
		m.cache.UnregisterInvalidator(inst.SkillsInvalidator())
	}
}

// createInstance materializes the workspace on disk (creating it and
// seeding its canonical prompt files if this is the first time this agent
// name has been used) and builds the Instance around the shared
// collaborators.
func (m *Manager) createInstance(name string, def config.AgentDefinition) (*Instance, error) {
	workspace := config.ExpandHome(def.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(workspace, bootstrap.AgentsFile)); os.IsNotExist(err) {
		if _, seedErr := bootstrap.EnsureWorkspace(workspace, name); seedErr != nil {
			m.logger.Warn("agent: workspace seed failed", "agent", name, "error", seedErr)
		}
	}

	var provider providers.Provider
	if m.resolve != nil {
		p, err := m.resolve(def.Provider)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	inst := newInstance(m.ctx, name, workspace, def, provider, m.sessions, m.bus, m.logger)
	m.logger.Info("agent: instance created", "agent", name, "workspace", workspace, "provider", def.Provider, "model", def.Model)
	return inst, nil
}

// wireWatcher registers the instance's workspace with the file watcher
// (so edits invalidate the file cache) and hangs the instance's own
// invalidators off the cache, if a watcher is configured.
func (m *Manager) wireWatcher(inst *Instance) {
	if m.watcher != nil {
		m.watcher.RegisterAgent(inst.Name, inst.Workspace)
	}
	if m.cache != nil {
		m.cache.RegisterInvalidator(inst.ContextInvalidator())
		m.cache.RegisterInvalidator(inst.SkillsInvalidator())
	}
}

func (m *Manager) handleAgentAdded(e bus.AgentEvent) {
	payload, ok := e.Payload.(bus.AgentAddedPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	_, exists := m.live[payload.Name]
	m.mu.Unlock()
	if exists {
		return
	}
	if _, err := m.GetLoop(payload.Name); err != nil {
		m.logger.Error("agent: failed to materialize added agent", "agent", payload.Name, "error", err)
	}
}

func (m *Manager) handleAgentRemoved(e bus.AgentEvent) {
	payload, ok := e.Payload.(bus.AgentRemovedPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	inst, ok := m.live[payload.Name]
	if ok {
		delete(m.live, payload.Name)
	}
	m.mu.Unlock()
	if ok {
		m.safeStop(payload.Name, inst)
	}
}

// handleAgentUpdated reacts to a tracked-field change on an agent that
// already has a live instance. Under PolicyKeepRunning (the default) the
// instance is left running with its old parameters — an in-flight session
// should not have its provider or system prompt swapped out mid-turn — and
// only the change is logged. Under PolicyRecreateOnUpdate the instance is
// evicted immediately so the next GetLoop call rebuilds it fresh.
func (m *Manager) handleAgentUpdated(e bus.AgentEvent) {
	payload, ok := e.Payload.(bus.AgentUpdatedPayload)
	if !ok {
		return
	}

	m.mu.Lock()
	policy := m.policy
	inst, exists := m.live[payload.Name]
	m.mu.Unlock()
	if !exists {
		return
	}

	if policy == PolicyKeepRunning {
		m.logger.Info("agent: definition updated, existing instance keeps running", "agent", payload.Name, "fields", payload.ChangedFields)
		return
	}

	m.mu.Lock()
	inst, ok = m.live[payload.Name]
	if ok {
		delete(m.live, payload.Name)
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("agent: evicting instance for update", "agent", payload.Name, "fields", payload.ChangedFields)
		m.safeStop(payload.Name, inst)
	}
}
