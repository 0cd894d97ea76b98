package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/bootstrap"
	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/filecache"
	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
)

type stubProvider struct{ name string }

func (s stubProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "ok"}, nil
}
func (s stubProvider) DefaultModel() string { return "stub-model" }
func (s stubProvider) Name() string         { return s.name }

func resolveStub(name string) (providers.Provider, error) {
	if name == "broken" {
		return nil, errors.New("no such provider")
	}
	return stubProvider{name: name}, nil
}

func newTestManager(t *testing.T, configBody string) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(configBody), 0o644); err != nil {
		t.Fatal(err)
	}

	eventBus := bus.New(nil)
	reg, err := registry.New(path, registry.NewAsyncSink(eventBus), nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	mgr := NewManager(reg, eventBus, filecache.New(10*time.Millisecond, nil), nil, nil, resolveStub, nil)
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return mgr, dir
}

func TestGetLoopCreatesAndSeedsWorkspace(t *testing.T) {
	mgr, dir := newTestManager(t, `{"agents": {"registry": {"main": {"workspace": "`+filepath.Join("WSDIR")+`", "provider": "anthropic"}}}}`)
	_ = dir

	inst, err := mgr.GetLoop("main")
	if err != nil {
		t.Fatalf("GetLoop() error = %v", err)
	}
	if inst.Name != "main" {
		t.Errorf("inst.Name = %q, want main", inst.Name)
	}
	if _, err := os.Stat(filepath.Join(inst.Workspace, bootstrap.AgentsFile)); err != nil {
		t.Errorf("expected AGENTS.md to be seeded: %v", err)
	}

	again, err := mgr.GetLoop("main")
	if err != nil {
		t.Fatalf("GetLoop() second call error = %v", err)
	}
	if again != inst {
		t.Error("GetLoop() returned a different instance on second call, want cached")
	}
}

func TestGetLoopForSessionFallsBackToMain(t *testing.T) {
	mgr, _ := newTestManager(t, `{"agents": {"registry": {"main": {"workspace": "m"}}}}`)

	inst, err := mgr.GetLoopForSession("telegram:unbound-chat")
	if err != nil {
		t.Fatalf("GetLoopForSession() error = %v", err)
	}
	if inst.Name != "main" {
		t.Errorf("inst.Name = %q, want main", inst.Name)
	}
}

func TestGetLoopProviderResolutionFailure(t *testing.T) {
	mgr, _ := newTestManager(t, `{"agents": {"registry": {"main": {"workspace": "m", "provider": "broken"}}}}`)

	if _, err := mgr.GetLoop("main"); err == nil {
		t.Fatal("expected GetLoop() to fail when the provider resolver errors")
	}
	if len(mgr.ListActiveAgents()) != 0 {
		t.Error("a failed construction must not be cached")
	}
}

func TestHandleAgentUpdatedKeepsRunningByDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"agents": {"registry": {"main": {"workspace": "m", "temperature": 0.2}}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	eventBus := bus.New(nil)
	reg, err := registry.New(path, registry.NewAsyncSink(eventBus), nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	mgr := NewManager(reg, eventBus, filecache.New(10*time.Millisecond, nil), nil, nil, resolveStub, nil)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	inst, err := mgr.GetLoop("main")
	if err != nil {
		t.Fatalf("GetLoop() error = %v", err)
	}

	mgr.handleAgentUpdated(bus.AgentEvent{
		Payload: bus.AgentUpdatedPayload{Name: "main", ChangedFields: []string{"temperature"}},
	})

	if got := mgr.ListActiveAgents(); len(got) != 1 || got[0] != "main" {
		t.Errorf("ListActiveAgents() = %v, want [main] (instance should keep running)", got)
	}
	select {
	case <-inst.Context().Done():
		t.Error("instance context was canceled despite PolicyKeepRunning")
	default:
	}
}

func TestHandleAgentUpdatedRecreatesUnderOptInPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"agents": {"registry": {"main": {"workspace": "m", "temperature": 0.2}}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	eventBus := bus.New(nil)
	reg, err := registry.New(path, registry.NewAsyncSink(eventBus), nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	mgr := NewManager(reg, eventBus, filecache.New(10*time.Millisecond, nil), nil, nil, resolveStub, nil)
	mgr.SetUpdatePolicy(PolicyRecreateOnUpdate)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	inst, err := mgr.GetLoop("main")
	if err != nil {
		t.Fatalf("GetLoop() error = %v", err)
	}

	mgr.handleAgentUpdated(bus.AgentEvent{
		Payload: bus.AgentUpdatedPayload{Name: "main", ChangedFields: []string{"temperature"}},
	})

	if got := mgr.ListActiveAgents(); len(got) != 0 {
		t.Errorf("ListActiveAgents() = %v, want empty (instance should be evicted)", got)
	}
	select {
	case <-inst.Context().Done():
	default:
		t.Error("evicted instance's context was not canceled")
	}
}

func TestCleanupStopsAndEmptiesLive(t *testing.T) {
	mgr, _ := newTestManager(t, `{"agents": {"registry": {"main": {"workspace": "m"}}}}`)

	inst, err := mgr.GetLoop("main")
	if err != nil {
		t.Fatalf("GetLoop() error = %v", err)
	}

	mgr.Cleanup()

	if len(mgr.ListActiveAgents()) != 0 {
		t.Error("Cleanup() left live instances behind")
	}
	select {
	case <-inst.Context().Done():
	default:
		t.Error("Cleanup() did not cancel the instance's context")
	}
}
