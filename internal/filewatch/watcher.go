// Package filewatch observes the fixed set of per-agent workspace files
// and directories and turns raw filesystem events into cache invalidations
// and agent-routed change notifications.
package filewatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
)

// WatchedFiles lists the workspace-relative files (and one directory)
// every agent's workspace is watched for, in registration order.
var WatchedFiles = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"TOOLS.md",
	"IDENTITY.md",
	filepath.Join("memory", "MEMORY.md"),
	"skills",
}

const maxWorkspaceWait = time.Second
const workspacePollInterval = 100 * time.Millisecond

// Watcher monitors agent workspace files for changes, invalidating the
// shared file cache and notifying the agents affected by each change.
// A single fsnotify.Watcher backs every registration.
type Watcher struct {
	cache  *filecache.Cache
	bus    *bus.EventBus
	logger *slog.Logger

	fsw *fsnotify.Watcher

	mu          sync.Mutex
	router      *router
	watchedDirs map[string]bool

	sub    bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Watcher backed by cache and notified of new agents via
// the agent.added topic on eventBus.
func New(cache *filecache.Cache, eventBus *bus.EventBus, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cache:       cache,
		bus:         eventBus,
		logger:      logger,
		fsw:         fsw,
		router:      newRouter(),
		watchedDirs: make(map[string]bool),
	}, nil
}

// Start begins draining filesystem events and subscribes to agent.added
// so agents created after startup are picked up dynamically.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := w.withCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)

	w.sub = w.bus.Subscribe(bus.TopicAgentAdded, bus.HandlerFunc(func(e bus.AgentEvent) {
		p, ok := e.Payload.(bus.AgentAddedPayload)
		if !ok {
			return
		}
		go w.onAgentAdded(ctx, p.Name, p.Workspace)
	}))
	_ = cancel
}

func (w *Watcher) withCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	return c, cancel
}

// Stop unsubscribes from agent lifecycle events, cancels the bounded
// waits for not-yet-created workspaces, clears pending cache
// invalidations, and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	w.bus.Unsubscribe(w.sub)
	if w.cancel != nil {
		w.cancel()
	}
	w.cache.ClearPending()
	_ = w.fsw.Close()
	if w.done != nil {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("filewatch: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err == nil && info.IsDir() {
		return
	}

	w.logger.Debug("filewatch: change detected", "path", ev.Name)
	w.cache.Invalidate(ev.Name)

	w.mu.Lock()
	affected := w.router.affected(ev.Name)
	w.mu.Unlock()

	for name := range affected {
		w.logger.Info("filewatch: notifying agent of change", "agent", name, "path", ev.Name)
		w.bus.Publish(bus.AgentEvent{Topic: bus.TopicFileChanged, Payload: bus.FileChangedPayload{Path: ev.Name}})
	}
}

// RegisterAgent watches name's workspace files immediately. The agent
// manager calls it for every instance it creates; the watcher also calls
// it itself once an agent.added workspace directory appears.
func (w *Watcher) RegisterAgent(name, workspace string) {
	paths := workspacePaths(workspace)

	w.mu.Lock()
	w.router.register(name, paths)
	w.mu.Unlock()

	for _, p := range paths {
		w.addWatch(p)
	}
}

// UnregisterAgent stops tracking name. The underlying fsnotify watches on
// its paths are left in place; events on them no longer route to name.
func (w *Watcher) UnregisterAgent(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.router.unregister(name)
}

func (w *Watcher) onAgentAdded(ctx context.Context, name, workspace string) {
	deadline := time.Now().Add(maxWorkspaceWait)
	for {
		if _, err := os.Stat(workspace); err == nil {
			break
		}
		if time.Now().After(deadline) {
			w.logger.Warn("filewatch: workspace not created after wait", "agent", name, "workspace", workspace)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(workspacePollInterval):
		}
	}

	w.RegisterAgent(name, workspace)
	w.logger.Info("filewatch: now watching agent", "agent", name)
}

func workspacePaths(workspace string) []string {
	paths := make([]string, len(WatchedFiles))
	for i, rel := range WatchedFiles {
		paths[i] = filepath.Join(workspace, rel)
	}
	return paths
}

// addWatch adds path to the shared fsnotify watcher, recursing into
// directories (fsnotify itself only watches a single directory level). A
// file, existing or not yet created, is watched through its parent
// directory; a path whose parent directory is missing is skipped with a
// warning.
func (w *Watcher) addWatch(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		parent := filepath.Dir(path)
		if _, err := os.Stat(parent); err != nil {
			w.logger.Warn("filewatch: skipping watch, parent directory missing", "path", path)
			return
		}
		w.addDir(parent)
		return
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		w.addDir(p)
		return nil
	})
}

func (w *Watcher) addDir(dir string) {
	w.mu.Lock()
	already := w.watchedDirs[dir]
	if !already {
		w.watchedDirs[dir] = true
	}
	w.mu.Unlock()

	if already {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Error("filewatch: failed to watch directory", "dir", dir, "error", err)
	}
}
