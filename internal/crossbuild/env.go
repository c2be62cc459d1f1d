package crossbuild

import (
	"maps"
	"slices"
	"strings"
)

// Env is an environment overlay applied on top of the inherited process
// environment for a single command. The zero value is an empty overlay.
type Env map[string]string

// With returns a copy of e with key set to value. The receiver is never
// modified, so overlays can be derived per step from a shared base.
func (e Env) With(key, value string) Env {
	out := make(Env, len(e)+1)
	maps.Copy(out, e)
	out[key] = value
	return out
}

// Keys returns the overlay's variable names in sorted order.
func (e Env) Keys() []string {
	return slices.Sorted(maps.Keys(e))
}

// Apply returns base ("KEY=value" pairs, as from os.Environ) with the overlay
// applied. Variables in the overlay replace any existing entry of the same
// name. base is not modified.
func (e Env) Apply(base []string) []string {
	out := make([]string, 0, len(base)+len(e))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := e[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range e.Keys() {
		out = append(out, k+"="+e[k])
	}
	return out
}
