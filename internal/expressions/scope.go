package expressions

// VarsProvider exposes the live variable roots of an execution
// (input, state, steps, env). Vars must return a fresh map on every call.
type VarsProvider interface {
	Vars() map[string]any
}

// Scope layers per-iteration bindings (item, index, results, error, ...) over
// a VarsProvider. Scopes are immutable: With returns a child and never
// touches the parent, so concurrent iterations cannot see each other's
// bindings while still sharing the same underlying execution.
type Scope struct {
	base   VarsProvider
	parent *Scope
	name   string
	value  any
}

// NewScope creates a root scope over base.
func NewScope(base VarsProvider) *Scope {
	return &Scope{base: base}
}

// With returns a child scope binding name to value. The value is deep-copied.
func (s *Scope) With(name string, value any) *Scope {
	return &Scope{base: s.base, parent: s, name: name, value: DeepCopy(value)}
}

// WithLoopVars binds item and index for one iteration.
func (s *Scope) WithLoopVars(item any, index int) *Scope {
	return s.With("item", item).With("index", index)
}

// Lookup returns the closest binding for name.
func (s *Scope) Lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == name {
			return cur.value, true
		}
	}
	return nil, false
}

// Vars returns the base variables overlaid with every binding in the chain.
// Closer bindings shadow outer ones.
func (s *Scope) Vars() map[string]any {
	var vars map[string]any
	if s.base != nil {
		vars = s.base.Vars()
	}
	if vars == nil {
		vars = make(map[string]any)
	}
	seen := make(map[string]bool)
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == "" || seen[cur.name] {
			continue
		}
		seen[cur.name] = true
		vars[cur.name] = cur.value
	}
	return vars
}
