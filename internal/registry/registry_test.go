package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgw/internal/bus"
)

var writeCounter int

// writeConfig writes content to path and forces the mtime strictly
// forward of any previous write, so reload-check sees a change even on
// filesystems with coarse mtime resolution.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	writeCounter++
	stamp := time.Now().Add(time.Duration(writeCounter) * time.Second)
	os.Chtimes(path, stamp, stamp)
}

type recordingSink struct {
	mu      sync.Mutex
	added   []string
	removed []string
	updated map[string][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{updated: make(map[string][]string)}
}

func (s *recordingSink) AgentAdded(name, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, name)
}

func (s *recordingSink) AgentRemoved(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, name)
}

func (s *recordingSink) AgentUpdated(name string, fields []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[name] = fields
}

const baseConfig = `{
	"agents": {
		"registry": {"main": {"workspace": "/ws/main", "temperature": 0.7}},
		"bindings": {}
	}
}`

func TestS1HotAdd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, baseConfig)

	sink := newRecordingSink()
	r, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, `{
		"agents": {
			"registry": {
				"main": {"workspace": "/ws/main", "temperature": 0.7},
				"backend": {"workspace": "/ws/backend"}
			},
			"bindings": {"feishu:G1": "backend"}
		}
	}`)

	if got := r.GetAgentNameForSession("feishu:G1"); got != "backend" {
		t.Errorf("GetAgentNameForSession = %q, want backend", got)
	}
	agents := r.ListAgents()
	if len(agents) != 2 {
		t.Errorf("ListAgents() has %d entries, want 2", len(agents))
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.added) != 1 || sink.added[0] != "backend" {
		t.Errorf("sink.added = %v, want [backend]", sink.added)
	}
}

func TestS2HotRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{
		"agents": {
			"registry": {"main": {"workspace": "/ws/main"}, "temp": {"workspace": "/ws/temp"}},
			"bindings": {"feishu:T": "temp"}
		}
	}`)

	sink := newRecordingSink()
	r, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, `{
		"agents": {
			"registry": {"main": {"workspace": "/ws/main"}},
			"bindings": {"feishu:T": "temp"}
		}
	}`)

	if got := r.GetAgentNameForSession("feishu:T"); got != "main" {
		t.Errorf("GetAgentNameForSession after removal = %q, want main (fallback)", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.removed) != 1 || sink.removed[0] != "temp" {
		t.Errorf("sink.removed = %v, want [temp]", sink.removed)
	}
}

func TestS3HotUpdateTrackedOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"agents": {"registry": {"main": {"workspace": "/ws/main"}, "analyst": {"workspace": "/ws/a", "temperature": 0.7}}}}`)

	sink := newRecordingSink()
	r, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, `{"agents": {"registry": {"main": {"workspace": "/ws/main"}, "analyst": {"workspace": "/ws/a", "temperature": 0.2}}}}`)

	def := r.GetAgentConfig("analyst")
	if def.Temperature != 0.2 {
		t.Errorf("GetAgentConfig(analyst).Temperature = %v, want 0.2", def.Temperature)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	fields := sink.updated["analyst"]
	if len(fields) != 1 || fields[0] != "temperature" {
		t.Errorf("sink.updated[analyst] = %v, want [temperature]", fields)
	}
}

func TestS5MalformedEditLeavesStateIntact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"agents": {"registry": {"main": {"workspace": "/ws/main"}, "backend": {"workspace": "/ws/b"}}}}`)

	sink := newRecordingSink()
	r, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, `{ not valid json `)

	if got := r.checkReload(); got {
		t.Error("checkReload() = true on malformed config, want false")
	}
	agents := r.ListAgents()
	if len(agents) != 2 {
		t.Errorf("ListAgents() after malformed edit has %d entries, want 2 (unchanged)", len(agents))
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.added)+len(sink.removed)+len(sink.updated) != 0 {
		t.Error("expected no lifecycle events after malformed edit")
	}
}

// TestAsyncSinkDoesNotBlockCaller verifies the asyncSink fire-and-forget
// contract from spec.md §4.4 step 6: checkReload (and therefore every
// registry read) must never block on a subscriber's handler. A handler
// that sleeps far longer than the reload-check itself should take must
// not make New()/checkReload() slow.
func TestAsyncSinkDoesNotBlockCaller(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"agents": {"registry": {"main": {"workspace": "/ws/main"}}}}`)

	eventBus := bus.New(nil)
	handlerStarted := make(chan struct{})
	release := make(chan struct{})
	eventBus.Subscribe(bus.TopicAgentAdded, bus.HandlerFunc(func(bus.AgentEvent) {
		close(handlerStarted)
		<-release
	}))

	r, err := New(path, NewAsyncSink(eventBus), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, `{"agents": {"registry": {"main": {"workspace": "/ws/main"}, "backend": {"workspace": "/ws/b"}}}}`)

	done := make(chan bool, 1)
	go func() { done <- r.checkReload() }()

	select {
	case got := <-done:
		if !got {
			t.Error("checkReload() = false, want true")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("checkReload() blocked on a slow subscriber handler")
	}

	select {
	case <-handlerStarted:
	case <-time.After(time.Second):
		t.Fatal("async handler never started")
	}
	close(release)
}

func TestMainMissingFailsLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"agents": {"registry": {"backend": {"workspace": "/ws/b"}}}}`)

	if _, err := New(path, newRecordingSink(), nil); err == nil {
		t.Fatal("expected New() to fail when main is missing from registry")
	}
}
