package agents

import (
	"sort"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// Registry is a thread-safe name -> Agent map.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent to the registry. Returns error on duplicate name.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}

	r.agents[name] = agent
	return nil
}

// MustRegister registers every agent and panics on the first error.
func (r *Registry) MustRegister(agents ...Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Lookup retrieves an agent by name.
func (r *Registry) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Get is like Lookup but returns MEMBER_NOT_FOUND for unknown names.
func (r *Registry) Get(name string) (Agent, error) {
	a, ok := r.Lookup(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMemberNotFound, "agent %q not registered", name)
	}
	return a, nil
}

// Has checks if an agent is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// List returns info for all registered agents, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		info := Info{Name: a.Name()}
		if d, ok := a.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Clear removes every agent.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
// Callers needing isolation should construct their own Registry.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// ResetDefault discards the process-wide registry. Intended for tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = nil
}
