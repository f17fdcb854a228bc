package permission

import "fmt"

// Registry is an immutable, name-unique mapping of scope-name to Scope.
// It is populated once at startup (from config, then from plugin
// discovery) and never mutated afterward, so lookups require no locking.
type Registry struct {
	scopes map[string]Scope
}

// NewRegistry builds an empty Registry. Call Add for each configured or
// discovered scope during startup; once request handling begins, treat the
// Registry as read-only.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string]Scope)}
}

// Add registers a scope under name. It returns an error if the name is
// already taken — scope names must be unique.
func (r *Registry) Add(name string, scope Scope) error {
	if _, exists := r.scopes[name]; exists {
		return fmt.Errorf("permission: scope %q already registered", name)
	}
	r.scopes[name] = scope
	return nil
}

// Lookup resolves a scope name. The second return value is false for
// unknown names — callers (the Authorizer) must treat that as "no
// permissions", never as an error.
func (r *Registry) Lookup(name string) (Scope, bool) {
	s, ok := r.scopes[name]
	return s, ok
}

// Names returns the registered scope names, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scopes))
	for name := range r.scopes {
		names = append(names, name)
	}
	return names
}
