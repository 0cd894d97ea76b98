// Package agent implements the multi-agent manager: the lazy-instantiated,
// event-driven cache of live agent instances sitting on top of the agent
// registry.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/config"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/store"
)

// Instance is one live agent: its static definition plus the shared
// collaborators it was constructed with. The conversational loop itself
// (prompt assembly, tool execution, provider call) is left to the caller,
// which uses Provider and BeginRun directly; Instance only owns the
// lifecycle plumbing the manager needs — workspace identity, cache
// invalidation hooks, and clean shutdown.
type Instance struct {
	Name      string
	Workspace string
	Def       config.AgentDefinition
	Provider  providers.Provider
	Sessions  store.SessionStore
	Bus       *bus.EventBus
	Logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// newInstance constructs an Instance bound to ctx, a child of the
// manager's own lifetime context so Stop (or the manager shutting down)
// cancels any in-flight work the instance's collaborators watch for.
func newInstance(parent context.Context, name string, workspace string, def config.AgentDefinition, provider providers.Provider, sessions store.SessionStore, eventBus *bus.EventBus, logger *slog.Logger) *Instance {
	ctx, cancel := context.WithCancel(parent)
	return &Instance{
		Name:      name,
		Workspace: workspace,
		Def:       def,
		Provider:  provider,
		Sessions:  sessions,
		Bus:       eventBus,
		Logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the instance's lifetime context, canceled on Stop.
func (i *Instance) Context() context.Context { return i.ctx }

// BeginRun generates a new run ID and publishes TopicRunStarted, returning
// a function the caller defers to publish the matching TopicRunCompleted
// once the turn finishes. This forwards per-turn lifecycle telemetry onto
// the Event Bus alongside the registry's agent.* topics.
func (i *Instance) BeginRun() (runID string, end func(err error)) {
	runID = uuid.NewString()
	if i.Bus != nil {
		i.Bus.Publish(bus.AgentEvent{
			Topic:   bus.TopicRunStarted,
			Payload: bus.RunStartedPayload{RunID: runID, Agent: i.Name},
		})
	}
	return runID, func(err error) {
		if i.Bus != nil {
			i.Bus.Publish(bus.AgentEvent{
				Topic:   bus.TopicRunCompleted,
				Payload: bus.RunCompletedPayload{RunID: runID, Agent: i.Name, Err: err},
			})
		}
	}
}

// Stop cancels the instance's context and marks it unusable. Safe to call
// more than once.
func (i *Instance) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}
	i.stopped = true
	i.cancel()
}

// ContextInvalidator returns a filecache.Invalidator that reacts to a
// workspace context file (AGENTS.md, SOUL.md, etc.) changing on disk by
// logging that the agent's assembled context is now stale. The actual
// re-assembly happens lazily on next use because the cache itself already
// serves fresh content after invalidation — this hook exists purely for
// observability and for future collaborators (e.g. a running session) to
// hang a reset on.
func (i *Instance) ContextInvalidator() filecache.Invalidator {
	return filecache.InvalidatorFunc(func(path string) {
		i.Logger.Debug("agent: context file invalidated", "agent", i.Name, "path", path)
	})
}

// SkillsInvalidator returns a filecache.Invalidator for changes under the
// workspace's skills/ directory.
func (i *Instance) SkillsInvalidator() filecache.Invalidator {
	return filecache.InvalidatorFunc(func(path string) {
		i.Logger.Debug("agent: skill file invalidated", "agent", i.Name, "path", path)
	})
}
