package swarm

import (
	"fmt"
	"sort"
	"sync"

	"snre/internal/types"
)

// Registry holds registered agents by id. Lookups during an in-flight round
// always operate on snapshot copies, so external registration cannot mutate a
// round under a coordinator's feet.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Nil agents, empty ids, and duplicate ids are
// rejected.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return fmt.Errorf("cannot register nil agent")
	}
	id := agent.ID()
	if id == "" {
		return fmt.Errorf("cannot register agent with empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("agent already registered: %s", id)
	}
	r.agents[id] = agent
	return nil
}

// Get returns the agent for id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, types.NewAgentNotFound(id)
	}
	return agent, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// All returns a snapshot copy of the registered agents, never the live map.
func (r *Registry) All() map[string]Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Agent, len(r.agents))
	for id, agent := range r.agents {
		out[id] = agent
	}
	return out
}

// IDs returns the sorted ids of all registered agents.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select resolves an ordered agent set, failing on the first unknown id.
func (r *Registry) Select(ids []string) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		agent, ok := r.agents[id]
		if !ok {
			return nil, types.NewAgentNotFound(id)
		}
		out = append(out, agent)
	}
	return out, nil
}
