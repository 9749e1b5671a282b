package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/blakebauman/fleetd/internal/agent"
	"github.com/blakebauman/fleetd/internal/fleet"
)

// Registry maps owner keys to their single live agent. Entries are
// created lazily on first request, evicted when the agent terminates,
// and otherwise live until process exit.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*agent.Agent
	newAgent func(key fleet.OwnerKey) *agent.Agent
	logger   *slog.Logger
}

// NewRegistry creates a registry that builds agents with newAgent.
func NewRegistry(newAgent func(key fleet.OwnerKey) *agent.Agent, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:   make(map[string]*agent.Agent),
		newAgent: newAgent,
		logger:   logger,
	}
}

// Get returns the live agent for key, creating one when none exists or
// the previous instance has terminated. At most one live agent per key.
func (r *Registry) Get(key fleet.OwnerKey) *agent.Agent {
	k := key.Registry()
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[k]; ok {
		select {
		case <-a.Done():
			// Terminated (subtree deletion); fall through to replace.
		default:
			return a
		}
	}

	a := r.newAgent(key)
	r.agents[k] = a
	r.logger.Debug("agent created", "owner", key.String())
	return a
}

// Peek returns the live agent for key without creating one.
func (r *Registry) Peek(key fleet.OwnerKey) *agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key.Registry()]
	if !ok {
		return nil
	}
	select {
	case <-a.Done():
		return nil
	default:
		return a
	}
}

// Evict drops the entry for key if it still maps to a.
func (r *Registry) Evict(key fleet.OwnerKey, a *agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[key.Registry()]; ok && cur == a {
		delete(r.agents, key.Registry())
	}
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Shutdown drains every live agent.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]*agent.Agent)
	r.mu.Unlock()

	for _, a := range agents {
		if err := a.Shutdown(ctx); err != nil {
			r.logger.Warn("agent shutdown failed", "owner", a.Key().String(), "error", err)
		}
	}
}
