package filecache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestGetCachesUntilMtimeChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	writeFile(t, path, "v1")

	c := New(20*time.Millisecond, nil)

	content, ok := c.Get(path)
	if !ok || content != "v1" {
		t.Fatalf("Get() = %q, %v, want v1, true", content, ok)
	}

	// Rewrite with the same mtime by stat-ing and re-setting it explicitly.
	info, _ := os.Stat(path)
	writeFile(t, path, "v2")
	os.Chtimes(path, info.ModTime(), info.ModTime())

	content, ok = c.Get(path)
	if !ok || content != "v1" {
		t.Fatalf("Get() after same-mtime rewrite = %q, %v, want v1 (still cached)", content, ok)
	}

	future := info.ModTime().Add(time.Second)
	os.Chtimes(path, future, future)

	content, ok = c.Get(path)
	if !ok || content != "v2" {
		t.Fatalf("Get() after mtime bump = %q, %v, want v2, true", content, ok)
	}
}

func TestGetMissingFile(t *testing.T) {
	c := New(time.Millisecond, nil)
	if _, ok := c.Get(filepath.Join(t.TempDir(), "missing.md")); ok {
		t.Fatalf("Get() on missing file should report false")
	}
}

func TestInvalidateDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SOUL.md")
	writeFile(t, path, "v1")

	c := New(30*time.Millisecond, nil)
	if _, ok := c.Get(path); !ok {
		t.Fatal("expected initial Get to succeed")
	}

	var calls int
	var mu sync.Mutex
	c.RegisterInvalidator(InvalidatorFunc(func(p string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	for i := 0; i < 5; i++ {
		c.Invalidate(path)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("invalidator called %d times, want exactly 1 for a debounced burst", got)
	}

	c.mu.RLock()
	_, cached := c.entries[path]
	c.mu.RUnlock()
	if cached {
		t.Fatal("entry should have been evicted after debounce window")
	}
}

func TestInvalidateAllCancelsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "USER.md")
	writeFile(t, path, "v1")

	c := New(100*time.Millisecond, nil)
	c.Get(path)

	var calls int
	var mu sync.Mutex
	c.RegisterInvalidator(InvalidatorFunc(func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	c.Invalidate(path)
	c.InvalidateAll()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("invalidator called %d times, want exactly 1 (from InvalidateAll, the debounced timer must not also fire)", got)
	}
}

func TestClearPendingSkipsInvalidator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "TOOLS.md")
	writeFile(t, path, "v1")

	c := New(20*time.Millisecond, nil)
	c.Get(path)

	var calls int
	var mu sync.Mutex
	c.RegisterInvalidator(InvalidatorFunc(func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	c.Invalidate(path)
	c.ClearPending()

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 0 {
		t.Fatalf("invalidator called %d times, want 0 after ClearPending", got)
	}
	if _, ok := c.Get(path); !ok {
		t.Fatal("entry should still be cached after ClearPending")
	}
}
