package agent

import (
	"fmt"
	"sync"
)

// Registry holds the known agents keyed by name, preserving registration
// order for listing.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Registering a duplicate name is an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return fmt.Errorf("agent has no name")
	}
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %s already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Installed reports whether name is registered and its tool is runnable.
func (r *Registry) Installed(name string) bool {
	a, ok := r.Get(name)
	return ok && a.Available()
}

// AnyInstalled reports whether at least one registered agent is runnable.
// A registry where this is false cannot start a run.
func (r *Registry) AnyInstalled() bool {
	for _, name := range r.Names() {
		if r.Installed(name) {
			return true
		}
	}
	return false
}
