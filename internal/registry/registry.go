// Package registry implements the hot-reloadable agent registry: an
// mtime-gated view over the config document that diffs successive loads
// and announces additions, removals, and field-level updates.
package registry

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/config"
)

// EventSink decides how the registry announces a reload's diff. Async
// emits onto an EventBus; Null silently updates state only. The choice
// is made at construction time rather than detected at runtime.
type EventSink interface {
	AgentAdded(name, workspace string)
	AgentRemoved(name string)
	AgentUpdated(name string, changedFields []string)
}

// asyncSinkWorkers is the number of long-lived goroutines draining the
// asyncSink's task queue.
const asyncSinkWorkers = 4

// asyncSinkQueueDepth is how many pending publishes the queue buffers
// before a caller falls back to spawning its own goroutine rather than
// waiting for a worker to free up.
const asyncSinkQueueDepth = 64

// asyncSink publishes lifecycle events onto an EventBus without ever
// blocking its caller: every AgentAdded/Removed/Updated call hands its
// publish off to a bounded pool of worker goroutines and returns
// immediately, so checkReload (called from every registry read) never
// waits on a subscriber's handler — the fire-and-forget behavior spec.md
// §4.4's "if a concurrency runtime is available" step describes, and
// original_source/nanocrew/agent/registry.py implements via
// loop.create_task(self._emit_changes(...)).
type asyncSink struct {
	bus   *bus.EventBus
	tasks chan func()
}

// NewAsyncSink returns an EventSink that publishes onto eventBus via a
// bounded worker pool, never blocking the goroutine that calls it.
func NewAsyncSink(eventBus *bus.EventBus) EventSink {
	s := &asyncSink{bus: eventBus, tasks: make(chan func(), asyncSinkQueueDepth)}
	for i := 0; i < asyncSinkWorkers; i++ {
		go s.drain()
	}
	return s
}

func (s *asyncSink) drain() {
	for task := range s.tasks {
		task()
	}
}

// enqueue hands task to a free worker. If every worker is busy and the
// queue is full, it spawns a one-off goroutine instead of blocking the
// caller — a reload-check must never wait on event delivery.
func (s *asyncSink) enqueue(task func()) {
	select {
	case s.tasks <- task:
	default:
		go task()
	}
}

func (s *asyncSink) AgentAdded(name, workspace string) {
	s.enqueue(func() {
		s.bus.Publish(bus.AgentEvent{Topic: bus.TopicAgentAdded, Payload: bus.AgentAddedPayload{Name: name, Workspace: workspace}})
	})
}

func (s *asyncSink) AgentRemoved(name string) {
	s.enqueue(func() {
		s.bus.Publish(bus.AgentEvent{Topic: bus.TopicAgentRemoved, Payload: bus.AgentRemovedPayload{Name: name}})
	})
}

func (s *asyncSink) AgentUpdated(name string, changed []string) {
	s.enqueue(func() {
		s.bus.Publish(bus.AgentEvent{Topic: bus.TopicAgentUpdated, Payload: bus.AgentUpdatedPayload{Name: name, ChangedFields: changed}})
	})
}

// nullSink does nothing; used by synchronous CLI paths (e.g. doctor)
// where there is no concurrency runtime listening for events.
type nullSink struct{}

// NewNullSink returns an EventSink that drops every announcement.
func NewNullSink() EventSink { return nullSink{} }

func (nullSink) AgentAdded(string, string)        {}
func (nullSink) AgentRemoved(string)              {}
func (nullSink) AgentUpdated(string, []string)    {}

// Registry is a hot-reloadable view of the config document's agent
// registry and session bindings.
type Registry struct {
	configPath string
	sink       EventSink
	logger     *slog.Logger

	mu         sync.RWMutex
	cfg        *config.Config
	lastMtime  time.Time
	lastAgents map[string]bool
}

// New loads configPath once and returns a Registry primed with its
// initial state. sink receives no events for this first load — only
// subsequent reload-checks announce diffs.
func New(configPath string, sink EventSink, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		configPath: configPath,
		sink:       sink,
		logger:     logger,
		cfg:        cfg,
		lastAgents: agentNameSet(cfg),
	}
	if info, err := os.Stat(configPath); err == nil {
		r.lastMtime = info.ModTime()
	}
	return r, nil
}

func agentNameSet(cfg *config.Config) map[string]bool {
	set := make(map[string]bool, len(cfg.Agents.Registry))
	for name := range cfg.Agents.Registry {
		set[name] = true
	}
	return set
}

// checkReload implements the six-step reload-check algorithm: stat the
// config file; if its mtime has not advanced, return false; otherwise
// reload, diff the agent name sets, swap in the new config, and
// announce the diff via the sink. A reload or parse failure leaves the
// previous state untouched and is logged, never returned to the caller.
func (r *Registry) checkReload() bool {
	info, err := os.Stat(r.configPath)
	if err != nil {
		return false
	}

	r.mu.RLock()
	stale := !info.ModTime().After(r.lastMtime)
	r.mu.RUnlock()
	if stale {
		return false
	}

	newCfg, err := config.Load(r.configPath)
	if err != nil {
		r.logger.Error("registry: reload failed, keeping previous config", "error", err)
		return false
	}

	r.mu.Lock()
	oldCfg := r.cfg
	oldAgents := r.lastAgents
	newAgents := agentNameSet(newCfg)

	added := diff(newAgents, oldAgents)
	removed := diff(oldAgents, newAgents)
	updated := detectUpdates(oldCfg, newCfg, oldAgents, newAgents)

	r.cfg = newCfg
	r.lastAgents = newAgents
	r.lastMtime = info.ModTime()
	r.mu.Unlock()

	for name := range added {
		def := newCfg.Agents.Registry[name]
		r.sink.AgentAdded(name, def.Workspace)
		r.logger.Info("registry: agent added", "agent", name)
	}
	for name := range removed {
		r.sink.AgentRemoved(name)
		r.logger.Info("registry: agent removed", "agent", name)
	}
	for name, fields := range updated {
		r.sink.AgentUpdated(name, fields)
		r.logger.Info("registry: agent updated", "agent", name, "fields", fields)
	}

	return true
}

func diff(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for name := range a {
		if !b[name] {
			out[name] = true
		}
	}
	return out
}

func detectUpdates(oldCfg, newCfg *config.Config, oldAgents, newAgents map[string]bool) map[string][]string {
	updated := make(map[string][]string)
	for name := range oldAgents {
		if !newAgents[name] {
			continue
		}
		oldDef := oldCfg.Agents.Registry[name]
		newDef := newCfg.Agents.Registry[name]
		if changed := config.ChangedFields(oldDef, newDef); len(changed) > 0 {
			updated[name] = changed
		}
	}
	return updated
}

// GetAgentConfig returns the AgentDefinition for name, falling back to
// "main" if name is unknown. Triggers a reload-check first.
func (r *Registry) GetAgentConfig(name string) config.AgentDefinition {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Agents.GetAgent(name)
}

// GetForSession returns the AgentDefinition bound to sessionKey, or
// "main"'s definition if unbound. Triggers a reload-check first.
func (r *Registry) GetForSession(sessionKey string) config.AgentDefinition {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Agents.GetAgentForSession(sessionKey)
}

// GetAgentNameForSession returns the agent name bound to sessionKey, or
// "main" if unbound or bound to an agent no longer in the registry.
// Triggers a reload-check first.
func (r *Registry) GetAgentNameForSession(sessionKey string) string {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Agents.AgentNameForSession(sessionKey)
}

// GetWorkspaceForSession resolves sessionKey to its bound agent and
// returns that agent's expanded workspace path. Triggers a reload-check
// first.
func (r *Registry) GetWorkspaceForSession(sessionKey string) string {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	def := r.cfg.Agents.GetAgentForSession(sessionKey)
	return config.ExpandHome(def.Workspace)
}

// HasAgent reports whether name is a registered agent. Triggers a
// reload-check first. Used by callers (e.g. a cron dispatcher) that must
// resolve an unknown agent name to "main" themselves rather than silently
// running under main's config while still labeled with the unknown name.
func (r *Registry) HasAgent(name string) bool {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cfg.Agents.Registry[name]
	return ok
}

// ListAgents returns a snapshot of every registered agent. Triggers a
// reload-check first.
func (r *Registry) ListAgents() map[string]config.AgentDefinition {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]config.AgentDefinition, len(r.cfg.Agents.Registry))
	for k, v := range r.cfg.Agents.Registry {
		out[k] = v
	}
	return out
}

// ListBindings returns a snapshot of every session-to-agent binding.
// Triggers a reload-check first.
func (r *Registry) ListBindings() map[string]string {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.cfg.Agents.Bindings))
	for k, v := range r.cfg.Agents.Bindings {
		out[k] = v
	}
	return out
}

// Config returns the current configuration. Triggers a reload-check
// first.
func (r *Registry) Config() *config.Config {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ForceReload reloads the config document unconditionally, ignoring the
// mtime gate. Used by agent.Manager.ReloadAgents.
func (r *Registry) ForceReload() {
	r.mu.Lock()
	r.lastMtime = time.Time{}
	r.mu.Unlock()
	r.checkReload()
}

// PruneDanglingBindings returns the session keys currently bound to an
// agent name absent from the registry. It does not mutate the in-memory
// config — per §9 Open Question 2, the source only documents the
// fallback-to-"main" behavior and is silent on whether a dangling binding
// should be dropped, so pruning is offered as an explicit, opt-in
// operation rather than happening implicitly during reload-check. A
// caller (e.g. a "doctor" diagnostic or a future config-save path) can
// use this to report or clean up stale bindings left behind by a removed
// agent.
func (r *Registry) PruneDanglingBindings() []string {
	r.checkReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dangling []string
	for session, name := range r.cfg.Agents.Bindings {
		if _, ok := r.cfg.Agents.Registry[name]; !ok {
			dangling = append(dangling, session)
		}
	}
	return dangling
}
