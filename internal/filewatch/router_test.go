package filewatch

import "testing"

func TestRouterAffectedForExactAndNestedPaths(t *testing.T) {
	r := newRouter()
	r.register("main", []string{"/ws/main/AGENTS.md", "/ws/main/skills"})
	r.register("helper", []string{"/ws/helper/AGENTS.md"})

	cases := []struct {
		path string
		want []string
	}{
		{"/ws/main/AGENTS.md", []string{"main"}},
		{"/ws/main/skills/foo.md", []string{"main"}},
		{"/ws/helper/AGENTS.md", []string{"helper"}},
		{"/ws/unrelated.md", nil},
	}

	for _, tc := range cases {
		got := r.affected(tc.path)
		if len(got) != len(tc.want) {
			t.Fatalf("affected(%q) = %v, want %v", tc.path, got, tc.want)
		}
		for _, name := range tc.want {
			if !got[name] {
				t.Fatalf("affected(%q) missing %q, got %v", tc.path, name, got)
			}
		}
	}
}

func TestRouterUnregisterRemovesAgentOnly(t *testing.T) {
	r := newRouter()
	r.register("main", []string{"/ws/shared/AGENTS.md"})
	r.register("helper", []string{"/ws/shared/AGENTS.md"})

	r.unregister("main")

	got := r.affected("/ws/shared/AGENTS.md")
	if len(got) != 1 || !got["helper"] {
		t.Fatalf("affected() after unregister = %v, want only helper", got)
	}
}
