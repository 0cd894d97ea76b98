package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRequiresMainAgent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"agents": {"registry": {"backend": {"workspace": "/tmp/x"}}}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail without agents.registry.main")
	}
}

func TestLoadPromotesDefaultsToMain(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"agents": {
			"defaults": {"workspace": "~/work", "model": "claude-sonnet-4-5", "maxTokens": 4096},
			"registry": {}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	main, ok := cfg.Agents.Registry["main"]
	if !ok {
		t.Fatal("expected agents.defaults to be promoted to registry.main")
	}
	if main.Model != "claude-sonnet-4-5" {
		t.Errorf("registry.main.Model = %q, want claude-sonnet-4-5", main.Model)
	}
}

func TestLoadDoesNotOverwriteExistingMain(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"agents": {
			"defaults": {"workspace": "~/default", "model": "ignored"},
			"registry": {"main": {"workspace": "/keep", "model": "keep-me"}}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.Registry["main"].Model != "keep-me" {
		t.Errorf("registry.main was overwritten by defaults")
	}
}

func TestLoadBindingsPreserveColonKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"agents": {
			"registry": {"main": {"workspace": "/m"}, "backend": {"workspace": "/b"}},
			"bindings": {"telegram:12345": "backend"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Agents.AgentNameForSession("telegram:12345"); got != "backend" {
		t.Errorf("AgentNameForSession = %q, want backend", got)
	}
	if got := cfg.Agents.AgentNameForSession("telegram:unknown"); got != "main" {
		t.Errorf("AgentNameForSession for unbound session = %q, want main", got)
	}
}

func TestLoadNormalizesSnakeCaseKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"agents": {
			"registry": {"main": {"workspace": "/m", "max_tool_iterations": 10}},
			"bindings": {"telegram:12345": "main"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.Registry["main"].MaxToolIterations != 10 {
		t.Errorf("snake_case key max_tool_iterations was not normalized to maxToolIterations")
	}
	if cfg.Agents.AgentNameForSession("telegram:12345") != "main" {
		t.Errorf("colon-bearing binding key should pass through key normalization unchanged")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{ this is not json `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail on malformed JSON")
	}
}

func TestGetAgentFallsBackToMain(t *testing.T) {
	a := AgentsConfig{
		Registry: map[string]AgentDefinition{
			"main": {Model: "fallback-model"},
		},
	}
	got := a.GetAgent("ghost")
	if got.Model != "fallback-model" {
		t.Errorf("GetAgent(unknown) = %+v, want main's definition", got)
	}
}

func TestChangedFieldsDetectsTrackedDeltas(t *testing.T) {
	old := AgentDefinition{Workspace: "/w", Model: "a", Temperature: 0.7}
	updated := AgentDefinition{Workspace: "/w", Model: "a", Temperature: 0.2}

	got := ChangedFields(old, updated)
	if len(got) != 1 || got[0] != "temperature" {
		t.Errorf("ChangedFields() = %v, want [temperature]", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Agents.Bindings = map[string]string{"telegram:1": "main"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after Save error = %v", err)
	}
	if Hash(cfg) != Hash(reloaded) {
		var a, b map[string]any
		ca, _ := json.Marshal(cfg)
		cb, _ := json.Marshal(reloaded)
		json.Unmarshal(ca, &a)
		json.Unmarshal(cb, &b)
		t.Errorf("save/load round trip not a fixed point:\nsaved=%+v\nreloaded=%+v", a, b)
	}
}
