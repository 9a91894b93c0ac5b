package repo

import (
	"holon/internal/domain"
	"holon/internal/ledger"
)

// Snapshot is a detached copy of the whole read model. Two snapshots built
// from the same ledger are equal.
type Snapshot struct {
	LastSeq     int64
	Intents     []domain.Intent
	Variants    map[string][]domain.PlanVariant
	Selected    map[string]string
	Convergence map[string]ledger.PlanningConverged
	Executions  map[string][]Execution
	Budgets     map[string]domain.EntropyBudget
	Trust       map[string]domain.TrustState
	Reviews     map[string]Review
	Merges      map[string][]ledger.GitMergeAttempted
	Abandoned   map[string]ledger.IntentAbandoned
}

func (r *Repo) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		LastSeq:     r.lastSeq,
		Variants:    map[string][]domain.PlanVariant{},
		Selected:    map[string]string{},
		Convergence: map[string]ledger.PlanningConverged{},
		Executions:  map[string][]Execution{},
		Budgets:     map[string]domain.EntropyBudget{},
		Trust:       map[string]domain.TrustState{},
		Reviews:     map[string]Review{},
		Merges:      map[string][]ledger.GitMergeAttempted{},
		Abandoned:   map[string]ledger.IntentAbandoned{},
	}
	for _, id := range r.order {
		s.Intents = append(s.Intents, cloneIntent(r.intents[id]))
	}
	for k, v := range r.variants {
		s.Variants[k] = append([]domain.PlanVariant(nil), v...)
	}
	for k, v := range r.selected {
		s.Selected[k] = v
	}
	for k, v := range r.convergence {
		s.Convergence[k] = v
	}
	for k, v := range r.executions {
		s.Executions[k] = append([]Execution(nil), v...)
	}
	for k, v := range r.budgets {
		s.Budgets[k] = *v
	}
	for k, v := range r.trust {
		s.Trust[k] = v
	}
	for k, v := range r.reviews {
		s.Reviews[k] = *v
	}
	for k, v := range r.merges {
		s.Merges[k] = append([]ledger.GitMergeAttempted(nil), v...)
	}
	for k, v := range r.abandoned {
		s.Abandoned[k] = v
	}
	return s
}
