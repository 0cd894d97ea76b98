package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
)

// TestS2HotRemoveEvictsLiveInstance drives the Registry and Manager
// together: an agent that loses its registry entry must have its live
// instance stopped and dropped once the manager observes the
// agent.removed event, not merely fall back correctly for new session
// lookups (that half is covered at the registry level).
func TestS2HotRemoveEvictsLiveInstance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"agents": {"registry": {"main": {"workspace": "m"}, "temp": {"workspace": "t"}}, "bindings": {"feishu:T": "temp"}}}`)

	eventBus := bus.New(nil)
	reg, err := registry.New(path, registry.NewAsyncSink(eventBus), nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	mgr := NewManager(reg, eventBus, filecache.New(10*time.Millisecond, nil), nil, nil, resolveStub, nil)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	inst, err := mgr.GetLoop("temp")
	if err != nil {
		t.Fatalf("GetLoop(temp) error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	write(`{"agents": {"registry": {"main": {"workspace": "m"}}, "bindings": {"feishu:T": "temp"}}}`)

	// GetAgentNameForSession triggers the reload-check that emits
	// agent.removed; the manager's subscriber runs asynchronously so poll
	// briefly for the eviction to land.
	if got := reg.GetAgentNameForSession("feishu:T"); got != "main" {
		t.Fatalf("GetAgentNameForSession = %q, want main (fallback)", got)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		active := mgr.ListActiveAgents()
		if len(active) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if active := mgr.ListActiveAgents(); len(active) != 0 {
		t.Errorf("ListActiveAgents() = %v, want empty after temp was removed", active)
	}
	select {
	case <-inst.Context().Done():
	case <-time.After(time.Second):
		t.Error("removed instance's context was never canceled")
	}
}

// TestS6UnknownAgentFallsBackToMain covers an unknown agent name (as a
// cron job referencing a deleted or renamed agent would produce):
// GetLoopForName resolves it to main rather than materializing an
// instance under the unknown name.
func TestS6UnknownAgentFallsBackToMain(t *testing.T) {
	mgr, _ := newTestManager(t, `{"agents": {"registry": {"main": {"workspace": "m"}}}}`)

	inst, err := mgr.GetLoopForName("ghost")
	if err != nil {
		t.Fatalf("GetLoopForName(ghost) error = %v", err)
	}
	if inst.Name != "main" {
		t.Errorf("inst.Name = %q, want main", inst.Name)
	}
	active := mgr.ListActiveAgents()
	if len(active) != 1 || active[0] != "main" {
		t.Errorf("ListActiveAgents() = %v, want [main] (no instance materialized under the unknown name)", active)
	}
}
