package config

import "testing"

func TestKeyCaseRoundTrip(t *testing.T) {
	cases := []struct {
		camel string
		snake string
	}{
		{"restrictToWorkspace", "restrict_to_workspace"},
		{"maxToolIterations", "max_tool_iterations"},
		{"workspace", "workspace"},
	}
	for _, tc := range cases {
		if got := ToSnakeCase(tc.camel); got != tc.snake {
			t.Errorf("ToSnakeCase(%q) = %q, want %q", tc.camel, got, tc.snake)
		}
		if got := ToCamelCase(tc.snake); got != tc.camel {
			t.Errorf("ToCamelCase(%q) = %q, want %q", tc.snake, got, tc.camel)
		}
	}
}

func TestKeyCasePreservesColonBearingKeys(t *testing.T) {
	key := "telegram:12345"
	if got := ToSnakeCase(key); got != key {
		t.Errorf("ToSnakeCase(%q) = %q, want unchanged", key, got)
	}
	if got := ToCamelCase(key); got != key {
		t.Errorf("ToCamelCase(%q) = %q, want unchanged", key, got)
	}
}
