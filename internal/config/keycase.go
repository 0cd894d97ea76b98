package config

import "strings"

// ToSnakeCase converts a camelCase key to snake_case. Keys containing a
// colon are session identifiers (e.g. "telegram:12345") and are returned
// unchanged, per the key-casing convention: colon-bearing keys are
// opaque identifiers, never field names.
func ToSnakeCase(key string) string {
	if strings.Contains(key, ":") {
		return key
	}
	var b strings.Builder
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamelCase converts a snake_case key to camelCase. Keys containing a
// colon are returned unchanged, for the same reason as ToSnakeCase.
func ToCamelCase(key string) string {
	if strings.Contains(key, ":") {
		return key
	}
	parts := strings.Split(key, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
