// Package envutil manipulates environment variable slices in the
// "KEY=VALUE" form used by exec.Cmd.Env.
package envutil

import "strings"

// Set sets or replaces a variable in an env slice and returns the modified
// slice. An existing entry is updated in place; otherwise the entry is
// appended.
func Set(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Get looks up a variable in an env slice. It returns the value and whether
// the key was present.
func Get(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):], true
		}
	}
	return "", false
}

// Merge layers overlay on top of base and returns a new slice. Overlay
// entries replace base entries with the same key; remaining overlay entries
// are appended in order. Neither input slice is modified.
func Merge(base, overlay []string) []string {
	overrides := make(map[string]string, len(overlay))
	order := make([]string, 0, len(overlay))
	for _, e := range overlay {
		key := envKey(e)
		if _, seen := overrides[key]; !seen {
			order = append(order, key)
		}
		overrides[key] = e
	}

	replaced := make(map[string]bool, len(overrides))
	merged := make([]string, 0, len(base)+len(overlay))
	for _, e := range base {
		key := envKey(e)
		if override, ok := overrides[key]; ok {
			merged = append(merged, override)
			replaced[key] = true
		} else {
			merged = append(merged, e)
		}
	}
	for _, key := range order {
		if !replaced[key] {
			merged = append(merged, overrides[key])
		}
	}
	return merged
}

// envKey extracts the key portion of a "KEY=VALUE" entry.
func envKey(e string) string {
	if i := strings.IndexByte(e, '='); i >= 0 {
		return e[:i]
	}
	return e
}
