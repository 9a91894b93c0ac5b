package agent

import (
	"fmt"
	"sync"
)

// Wildcard registers a collaborator for any agent id without a specific entry.
const Wildcard = "*"

type Registry struct {
	mu        sync.RWMutex
	planners  map[string]Planner
	executors map[string]Executor
	curator   Curator
}

func NewRegistry() *Registry {
	return &Registry{planners: map[string]Planner{}, executors: map[string]Executor{}}
}

func (r *Registry) RegisterPlanner(agentID string, p Planner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planners[agentID] = p
}

func (r *Registry) RegisterExecutor(agentID string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentID] = e
}

func (r *Registry) SetCurator(c Curator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.curator = c
}

func (r *Registry) Planner(agentID string) (Planner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.planners[agentID]; ok {
		return p, nil
	}
	if p, ok := r.planners[Wildcard]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no planner registered for agent %q", agentID)
}

func (r *Registry) Executor(agentID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[agentID]; ok {
		return e, nil
	}
	if e, ok := r.executors[Wildcard]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for agent %q", agentID)
}

// Curator returns the configured curator, or nil.
func (r *Registry) Curator() Curator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.curator
}
