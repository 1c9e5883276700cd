// Package registry implements the credential shapes the container
// registry's token auth protocol needs: opaque builder credentials,
// signed registry JWTs, and image-pull-secret payloads.
package registry

import (
	"strings"
)

// Access is a single grant in the registry token protocol: actions
// permitted on a named resource (almost always type "repository").
type Access struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// ParseScope parses a registry auth scope string into access grants.
// Scopes are space-separated tokens of the form "type:name:actions"
// where actions is comma-separated. A name may itself contain one
// colon ("host:port"), giving a four-part token.
func ParseScope(scope string) []Access {
	var out []Access
	for _, tok := range strings.Fields(scope) {
		parts := strings.Split(tok, ":")
		var a Access
		switch len(parts) {
		case 3:
			a = Access{Type: parts[0], Name: parts[1]}
		case 4:
			a = Access{Type: parts[0], Name: parts[1] + ":" + parts[2]}
		default:
			continue
		}
		a.Actions = strings.Split(parts[len(parts)-1], ",")
		out = append(out, a)
	}
	return out
}

// Intersect returns the grants present in both access sets. Grants
// are keyed by (type, name); their action lists are intersected and
// grants left with no actions are dropped.
func Intersect(requested, granted []Access) []Access {
	type key struct{ typ, name string }
	allowed := make(map[key]map[string]bool)
	for _, g := range granted {
		k := key{g.Type, g.Name}
		if allowed[k] == nil {
			allowed[k] = make(map[string]bool)
		}
		for _, act := range g.Actions {
			allowed[k][act] = true
		}
	}

	var out []Access
	for _, r := range requested {
		acts := allowed[key{r.Type, r.Name}]
		if acts == nil {
			continue
		}
		var kept []string
		for _, act := range r.Actions {
			if acts[act] || acts["*"] {
				kept = append(kept, act)
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, Access{Type: r.Type, Name: r.Name, Actions: kept})
	}
	return out
}
