// Package registry tracks the agents and tools announced to the kernel.
// It is an in-process map rebuilt on startup; durable state lives in the
// store, not here.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a name is not registered.
var ErrNotFound = errors.New("not registered")

// Agent is a worker loop that claims missions.
type Agent struct {
	Name         string    `json:"name"`
	Goals        []string  `json:"goals,omitempty"`
	Version      string    `json:"version,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// Tool is a capability an agent can invoke.
type Tool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// Registry is a thread-safe in-memory registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	tools  map[string]*Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		tools:  make(map[string]*Tool),
	}
}

// RegisterAgent upserts an agent announcement. Re-registration refreshes
// goals and lastSeen but keeps the original registration time.
func (r *Registry) RegisterAgent(name string, goals []string, version string, now time.Time) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[name]
	if !ok {
		a = &Agent{Name: name, RegisteredAt: now}
		r.agents[name] = a
	}
	a.Goals = goals
	a.Version = version
	a.LastSeenAt = now
	return cloneAgent(a)
}

// TouchAgent refreshes lastSeen for an agent that claimed or heartbeat.
func (r *Registry) TouchAgent(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[name]; ok {
		a.LastSeenAt = now
	}
}

// GetAgent returns one agent.
func (r *Registry) GetAgent(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// ListAgents returns all registered agents.
func (r *Registry) ListAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	return out
}

// RegisterTool upserts a tool announcement.
func (r *Registry) RegisterTool(name, description string, inputSchema map[string]any, now time.Time) *Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tools[name]
	if !ok {
		t = &Tool{Name: name, RegisteredAt: now}
		r.tools[name] = t
	}
	t.Description = description
	t.InputSchema = inputSchema
	out := *t
	return &out
}

// ListTools returns all registered tools.
func (r *Registry) ListTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		c := *t
		out = append(out, &c)
	}
	return out
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Goals = append([]string(nil), a.Goals...)
	return &c
}
