package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
)

func mustMkdirAll(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}

func TestWatcherInvalidatesOnFileWrite(t *testing.T) {
	workspace := t.TempDir()
	mustMkdirAll(t, filepath.Join(workspace, "memory"))
	agentsPath := filepath.Join(workspace, "AGENTS.md")
	if err := os.WriteFile(agentsPath, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	cache := filecache.New(10*time.Millisecond, nil)
	eventBus := bus.New(nil)
	w, err := New(cache, eventBus, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.RegisterAgent("main", workspace)

	if _, ok := cache.Get(agentsPath); !ok {
		t.Fatal("expected to read AGENTS.md before invalidation")
	}

	var got bus.FileChangedPayload
	done := make(chan struct{})
	eventBus.Subscribe(bus.TopicFileChanged, bus.HandlerFunc(func(e bus.AgentEvent) {
		if p, ok := e.Payload.(bus.FileChangedPayload); ok {
			got = p
			close(done)
		}
	}))

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(agentsPath, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file.changed event")
	}

	if filepath.Clean(got.Path) != filepath.Clean(agentsPath) {
		t.Fatalf("file.changed path = %q, want %q", got.Path, agentsPath)
	}
}

func TestWatcherOnAgentAddedWaitsForWorkspace(t *testing.T) {
	parent := t.TempDir()
	workspace := filepath.Join(parent, "late-agent")

	cache := filecache.New(10*time.Millisecond, nil)
	eventBus := bus.New(nil)
	w, err := New(cache, eventBus, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	go func() {
		time.Sleep(50 * time.Millisecond)
		mustMkdirAll(t, workspace)
	}()

	eventBus.Publish(bus.AgentEvent{
		Topic: bus.TopicAgentAdded,
		Payload: bus.AgentAddedPayload{
			Name:      "late-agent",
			Workspace: workspace,
		},
	})

	time.Sleep(300 * time.Millisecond)

	w.mu.Lock()
	paths := w.router.pathsFor("late-agent")
	w.mu.Unlock()
	if len(paths) == 0 {
		t.Fatal("expected late-agent to be registered once its workspace appeared")
	}
}
