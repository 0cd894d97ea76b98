package registry

import (
	"os"
	"path/filepath"
	"testing"
)

// BenchmarkCheckReloadUnchanged measures the cost of a reload-check when
// the config file's mtime has not moved — the common case, since every
// GetAgentConfig/GetForSession/ListAgents call triggers one. Documents
// whether the single stat call is cheap enough to skip the throttling
// discussed as a future tuning question.
func BenchmarkCheckReloadUnchanged(b *testing.B) {
	dir := b.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(baseConfig), 0o644); err != nil {
		b.Fatal(err)
	}

	r, err := New(path, NewNullSink(), nil)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.checkReload()
	}
}
