// Package filecache provides a mtime-validated file content cache with
// debounced invalidation, mirroring the workspace file reads agent
// instances perform on every turn.
package filecache

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Invalidator is notified after a path's cached entry is dropped.
type Invalidator interface {
	Invalidate(path string)
}

// InvalidatorFunc adapts a plain function to the Invalidator interface.
type InvalidatorFunc func(path string)

// Invalidate implements Invalidator.
func (f InvalidatorFunc) Invalidate(path string) { f(path) }

// CacheEntry is a single cached file, keyed by its last observed mtime.
type CacheEntry struct {
	ModTime time.Time
	Content string
}

// Cache is a thread-safe file content cache validated against mtime and
// invalidated with a debounce window so editors that issue several rapid
// writes only trigger one reload.
type Cache struct {
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]CacheEntry

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	invalidatorsMu sync.RWMutex
	invalidators   []Invalidator
}

// New creates a Cache that debounces invalidations by debounce.
func New(debounce time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		debounce: debounce,
		logger:   logger,
		entries:  make(map[string]CacheEntry),
		timers:   make(map[string]*time.Timer),
	}
}

// RegisterInvalidator adds inv to the list notified after every
// invalidation (debounced or immediate).
func (c *Cache) RegisterInvalidator(inv Invalidator) {
	c.invalidatorsMu.Lock()
	defer c.invalidatorsMu.Unlock()
	c.invalidators = append(c.invalidators, inv)
}

// UnregisterInvalidator removes inv from the notification list, comparing
// by interface identity. It is a no-op if inv was never registered or is
// not comparable (e.g. a plain InvalidatorFunc closure).
func (c *Cache) UnregisterInvalidator(inv Invalidator) {
	c.invalidatorsMu.Lock()
	defer c.invalidatorsMu.Unlock()
	out := c.invalidators[:0:0]
	for _, existing := range c.invalidators {
		if same(existing, inv) {
			continue
		}
		out = append(out, existing)
	}
	c.invalidators = out
}

// same reports whether a and b are the same Invalidator, guarding against
// the runtime panic that comparing non-comparable interface values (such
// as two closures) would otherwise raise.
func same(a, b Invalidator) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// Get returns the file's content, reading from disk and populating the
// cache on a miss or stale mtime. It reports false if the file does not
// exist or cannot be read.
func (c *Cache) Get(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	mtime := info.ModTime()

	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && entry.ModTime.Equal(mtime) {
		return entry.Content, true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Error("filecache: read failed", "path", path, "error", err)
		return "", false
	}

	c.mu.Lock()
	c.entries[path] = CacheEntry{ModTime: mtime, Content: string(data)}
	c.mu.Unlock()

	return string(data), true
}

// Invalidate schedules path's cached entry to be dropped after the
// debounce window. A repeated call before the window elapses cancels and
// restarts the timer, so only the last call in a burst actually fires.
func (c *Cache) Invalidate(path string) {
	c.timersMu.Lock()
	if t, ok := c.timers[path]; ok {
		t.Stop()
	}
	c.timers[path] = time.AfterFunc(c.debounce, func() { c.doInvalidate(path) })
	c.timersMu.Unlock()
}

func (c *Cache) doInvalidate(path string) {
	c.timersMu.Lock()
	delete(c.timers, path)
	c.timersMu.Unlock()

	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()

	c.notify(path)
}

// InvalidateAll drops every cached entry and cancels every pending
// debounced invalidation immediately, notifying invalidators for each
// path that was cached.
func (c *Cache) InvalidateAll() {
	c.timersMu.Lock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.timersMu.Unlock()

	c.mu.Lock()
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	c.entries = make(map[string]CacheEntry)
	c.mu.Unlock()

	for _, p := range paths {
		c.notify(p)
	}
}

// ClearPending cancels every pending debounced invalidation without
// executing it, leaving currently cached entries intact.
func (c *Cache) ClearPending() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
}

func (c *Cache) notify(path string) {
	c.invalidatorsMu.RLock()
	invalidators := append([]Invalidator(nil), c.invalidators...)
	c.invalidatorsMu.RUnlock()

	for _, inv := range invalidators {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("filecache: invalidator panicked", "path", path, "panic", r)
				}
			}()
			inv.Invalidate(path)
		}()
	}
}
