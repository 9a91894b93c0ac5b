// Package repo is the in-memory read model. It is a pure fold over ledger events
// and is never written to except through Apply.
package repo

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"holon/internal/domain"
	"holon/internal/ledger"
)

const lineageCacheSize = 4096

type Execution struct {
	IntentID      string               `json:"intent_id"`
	PlanID        string               `json:"plan_id"`
	StartedSeq    int64                `json:"started_seq"`
	CompletedSeq  int64                `json:"completed_seq,omitempty"`
	Status        string               `json:"status,omitempty"`
	Actual        domain.ActualMetrics `json:"actual"`
	Violation     bool                 `json:"violation,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Paths         []string             `json:"paths,omitempty"`
	CreatedBy     string               `json:"created_by,omitempty"`
}

func (e Execution) Done() bool { return e.CompletedSeq > 0 }

type Review struct {
	IntentID     string               `json:"intent_id"`
	Package      domain.ReviewPackage `json:"package"`
	RequestedSeq int64                `json:"requested_seq"`
	Decision     string               `json:"decision,omitempty"`
	Reviewer     string               `json:"reviewer,omitempty"`
	Comment      string               `json:"comment,omitempty"`
	DecidedSeq   int64                `json:"decided_seq,omitempty"`
}

func (r Review) Pending() bool { return r.DecidedSeq == 0 }

type CorrectionRecord struct {
	Seq    int64            `json:"seq"`
	Type   ledger.EventType `json:"event_type"`
	RefSeq int64            `json:"ref_seq"`
	Reason string           `json:"reason"`
}

type Repo struct {
	mu sync.RWMutex

	lastSeq     int64
	intents     map[string]*domain.Intent
	order       []string
	variants    map[string][]domain.PlanVariant
	plans       map[string]domain.PlanVariant
	selected    map[string]string
	convergence map[string]ledger.PlanningConverged
	executions  map[string][]Execution
	budgets     map[string]*domain.EntropyBudget
	trust       map[string]domain.TrustState
	reviews     map[string]*Review
	merges      map[string][]ledger.GitMergeAttempted
	rebases     map[string][]ledger.GitRebaseCompleted
	abandoned   map[string]ledger.IntentAbandoned
	rejections  map[string][]ledger.TransitionRejected
	corrections map[int64][]CorrectionRecord
	planSince   map[string]time.Time

	lineage *lru.Cache[string, []string]
}

func New() *Repo {
	cache, _ := lru.New[string, []string](lineageCacheSize)
	return &Repo{
		intents:     map[string]*domain.Intent{},
		variants:    map[string][]domain.PlanVariant{},
		plans:       map[string]domain.PlanVariant{},
		selected:    map[string]string{},
		convergence: map[string]ledger.PlanningConverged{},
		executions:  map[string][]Execution{},
		budgets:     map[string]*domain.EntropyBudget{},
		trust:       map[string]domain.TrustState{},
		reviews:     map[string]*Review{},
		merges:      map[string][]ledger.GitMergeAttempted{},
		rebases:     map[string][]ledger.GitRebaseCompleted{},
		abandoned:   map[string]ledger.IntentAbandoned{},
		rejections:  map[string][]ledger.TransitionRejected{},
		corrections: map[int64][]CorrectionRecord{},
		planSince:   map[string]time.Time{},
		lineage:     cache,
	}
}

// Build folds a full history into a fresh read model.
func Build(events []ledger.Event) *Repo {
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	return r
}

// Apply folds one event. Events at or below the last applied seq are ignored,
// so an observer registered after a Build is harmless.
func (r *Repo) Apply(ev ledger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = ev.Seq

	if base, ok := ev.Type.IsCorrection(); ok {
		r.applyCorrection(ev, base)
		return
	}

	switch ev.Type {
	case ledger.EventIntentCreated:
		var p ledger.IntentCreated
		if ev.Decode(&p) != nil {
			return
		}
		in := p
		in.Children = nil
		r.intents[in.ID] = &in
		r.order = append(r.order, in.ID)
		if parent := r.intents[in.Parent()]; parent != nil {
			parent.Children = append(parent.Children, in.ID)
		}
	case ledger.EventIntentStateChanged:
		var p ledger.IntentStateChanged
		if ev.Decode(&p) == nil {
			if in := r.intents[p.IntentID]; in != nil {
				in.State = p.To
			}
			if p.To == domain.StatePlanning {
				r.planSince[p.IntentID] = ev.TS
			}
		}
	case ledger.EventIntentAbandoned:
		var p ledger.IntentAbandoned
		if ev.Decode(&p) == nil {
			r.abandoned[p.IntentID] = p
		}
	case ledger.EventPlanVariantCreated:
		var p ledger.PlanVariantCreated
		if ev.Decode(&p) == nil {
			r.variants[p.IntentID] = append(r.variants[p.IntentID], p)
			r.plans[p.PlanID] = p
		}
	case ledger.EventPlanningConverged:
		var p ledger.PlanningConverged
		if ev.Decode(&p) == nil {
			r.convergence[p.IntentID] = p
		}
	case ledger.EventPlanSelected:
		var p ledger.PlanSelected
		if ev.Decode(&p) == nil {
			r.selected[p.IntentID] = p.PlanID
		}
	case ledger.EventGitRebaseCompleted:
		var p ledger.GitRebaseCompleted
		if ev.Decode(&p) == nil {
			r.rebases[p.IntentID] = append(r.rebases[p.IntentID], p)
		}
	case ledger.EventGitMergeAttempted:
		var p ledger.GitMergeAttempted
		if ev.Decode(&p) == nil {
			r.merges[p.IntentID] = append(r.merges[p.IntentID], p)
		}
	case ledger.EventExecutionStarted:
		var p ledger.ExecutionStarted
		if ev.Decode(&p) == nil {
			r.executions[p.IntentID] = append(r.executions[p.IntentID], Execution{
				IntentID:   p.IntentID,
				PlanID:     p.PlanID,
				StartedSeq: ev.Seq,
			})
		}
	case ledger.EventExecutionCompleted:
		var p ledger.ExecutionCompleted
		if ev.Decode(&p) != nil {
			return
		}
		execs := r.executions[p.IntentID]
		if n := len(execs); n > 0 {
			e := &execs[n-1]
			e.CompletedSeq = ev.Seq
			e.Status = p.Status
			e.Actual = p.Actual
			e.Violation = p.Violation
			e.FailureReason = p.FailureReason
			e.Paths = p.Paths
			e.CreatedBy = p.CreatedBy
		}
		for _, id := range r.lineageLocked(p.IntentID) {
			r.budget(id).Spent += p.Actual.Entropy
		}
	case ledger.EventHumanReviewRequested:
		var p ledger.HumanReviewRequested
		if ev.Decode(&p) == nil {
			r.reviews[p.IntentID] = &Review{IntentID: p.IntentID, Package: p.Package, RequestedSeq: ev.Seq}
		}
	case ledger.EventHumanReviewDecision:
		var p ledger.HumanReviewDecision
		if ev.Decode(&p) == nil {
			if rv := r.reviews[p.IntentID]; rv != nil {
				rv.Decision = p.Decision
				rv.Reviewer = p.Reviewer
				rv.Comment = p.Comment
				rv.DecidedSeq = ev.Seq
			}
		}
	case ledger.EventAgentTrustChanged:
		var p ledger.AgentTrustChanged
		if ev.Decode(&p) == nil {
			r.trust[p.AgentID] = p.State
		}
	case ledger.EventBudgetAllocated:
		var p ledger.BudgetAllocated
		if ev.Decode(&p) == nil {
			b := r.budget(p.IntentID)
			b.Allocated = p.Entropy
			b.Cost = p.Cost
			b.Tier = p.Tier
		}
	case ledger.EventBudgetOverride:
		var p ledger.BudgetOverride
		if ev.Decode(&p) == nil {
			r.budget(p.IntentID).Override += p.Entropy
		}
	case ledger.EventTransitionRejected:
		var p ledger.TransitionRejected
		if ev.Decode(&p) == nil && p.IntentID != "" {
			r.rejections[p.IntentID] = append(r.rejections[p.IntentID], p)
		}
	}
}

// Corrections to intent_created may amend goal, constraints and scope. Identity
// fields stay as first recorded.
func (r *Repo) applyCorrection(ev ledger.Event, base ledger.EventType) {
	var p ledger.Correction
	if ev.Decode(&p) != nil {
		return
	}
	r.corrections[p.RefSeq] = append(r.corrections[p.RefSeq], CorrectionRecord{
		Seq: ev.Seq, Type: ev.Type, RefSeq: p.RefSeq, Reason: p.Reason,
	})
	if base != ledger.EventIntentCreated || len(p.Fields) == 0 || p.IntentID == "" {
		return
	}
	in := r.intents[p.IntentID]
	if in == nil {
		return
	}
	var amend struct {
		Goal        *string             `json:"goal"`
		Constraints *domain.Constraints `json:"constraints"`
		Scope       *domain.Scope       `json:"scope"`
	}
	if json.Unmarshal(p.Fields, &amend) != nil {
		return
	}
	if amend.Goal != nil {
		in.Goal = *amend.Goal
	}
	if amend.Constraints != nil {
		in.Constraints = *amend.Constraints
	}
	if amend.Scope != nil {
		in.Scope = *amend.Scope
	}
}

func (r *Repo) budget(id string) *domain.EntropyBudget {
	b := r.budgets[id]
	if b == nil {
		b = &domain.EntropyBudget{IntentID: id}
		r.budgets[id] = b
	}
	return b
}

// lineageLocked returns id followed by its ancestors, nearest first.
// Parents never change once recorded, so results are cached.
func (r *Repo) lineageLocked(id string) []string {
	if cached, ok := r.lineage.Get(id); ok {
		return cached
	}
	var out []string
	for cur := id; cur != ""; {
		in := r.intents[cur]
		if in == nil {
			return out
		}
		out = append(out, cur)
		cur = in.Parent()
	}
	r.lineage.Add(id, out)
	return out
}

func notFound(format string, args ...any) error {
	return domain.Errorf(domain.KindNotFound, format, args...)
}

func (r *Repo) LastSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}

func (r *Repo) Intent(id string) (domain.Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in := r.intents[id]
	if in == nil {
		return domain.Intent{}, notFound("intent %q", id)
	}
	return cloneIntent(in), nil
}

func (r *Repo) HasIntent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.intents[id]
	return ok
}

type IntentFilters struct {
	State     domain.IntentState
	ParentID  string
	RootsOnly bool
	Limit     int
}

// ListIntents returns intents in creation order.
func (r *Repo) ListIntents(f IntentFilters) []domain.Intent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Intent
	for _, id := range r.order {
		in := r.intents[id]
		if f.State != "" && in.State != f.State {
			continue
		}
		if f.ParentID != "" && in.Parent() != f.ParentID {
			continue
		}
		if f.RootsOnly && !in.IsRoot() {
			continue
		}
		out = append(out, cloneIntent(in))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Children returns direct children in creation order.
func (r *Repo) Children(id string) []domain.Intent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in := r.intents[id]
	if in == nil {
		return nil
	}
	out := make([]domain.Intent, 0, len(in.Children))
	for _, cid := range in.Children {
		out = append(out, cloneIntent(r.intents[cid]))
	}
	return out
}

// Ancestors returns the parent chain of id, nearest first.
func (r *Repo) Ancestors(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	line := r.lineageLocked(id)
	if len(line) <= 1 {
		return nil
	}
	return append([]string(nil), line[1:]...)
}

// Root returns the root of id's tree.
func (r *Repo) Root(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	line := r.lineageLocked(id)
	if len(line) == 0 {
		return ""
	}
	return line[len(line)-1]
}

// Descendants returns every descendant of id in pre-order, children before grandchildren of later siblings.
func (r *Repo) Descendants(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	var walk func(string)
	walk = func(cur string) {
		in := r.intents[cur]
		if in == nil {
			return
		}
		for _, c := range in.Children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(id)
	return out
}

func (r *Repo) Variants(intentID string) []domain.PlanVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.PlanVariant(nil), r.variants[intentID]...)
}

func (r *Repo) Variant(planID string) (domain.PlanVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.plans[planID]
	if !ok {
		return v, notFound("plan %q", planID)
	}
	return v, nil
}

func (r *Repo) SelectedPlan(intentID string) (domain.PlanVariant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.selected[intentID]
	if !ok {
		return domain.PlanVariant{}, false
	}
	return r.plans[id], true
}

func (r *Repo) Convergence(intentID string) (ledger.PlanningConverged, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convergence[intentID]
	return c, ok
}

func (r *Repo) Executions(intentID string) []Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Execution(nil), r.executions[intentID]...)
}

func (r *Repo) LastExecution(intentID string) (Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	execs := r.executions[intentID]
	if len(execs) == 0 {
		return Execution{}, false
	}
	return execs[len(execs)-1], true
}

func (r *Repo) Budget(intentID string) (domain.EntropyBudget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.budgets[intentID]
	if b == nil {
		return domain.EntropyBudget{IntentID: intentID}, false
	}
	return *b, true
}

func (r *Repo) Trust(agentID string) (domain.TrustState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trust[agentID]
	return t, ok
}

// TrustStates returns every recorded agent state sorted by agent id.
func (r *Repo) TrustStates() []domain.TrustState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TrustState, 0, len(r.trust))
	for _, t := range r.trust {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Repo) Review(intentID string) (Review, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv := r.reviews[intentID]
	if rv == nil {
		return Review{}, false
	}
	return *rv, true
}

// PendingReviews returns undecided reviews ordered by request seq.
func (r *Repo) PendingReviews() []Review {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Review
	for _, rv := range r.reviews {
		if rv.Pending() {
			out = append(out, *rv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedSeq < out[j].RequestedSeq })
	return out
}

func (r *Repo) Merges(intentID string) []ledger.GitMergeAttempted {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ledger.GitMergeAttempted(nil), r.merges[intentID]...)
}

func (r *Repo) Rebases(intentID string) []ledger.GitRebaseCompleted {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ledger.GitRebaseCompleted(nil), r.rebases[intentID]...)
}

func (r *Repo) Abandoned(intentID string) (ledger.IntentAbandoned, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.abandoned[intentID]
	return a, ok
}

func (r *Repo) Rejections(intentID string) []ledger.TransitionRejected {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ledger.TransitionRejected(nil), r.rejections[intentID]...)
}

// PlanningStarted is when the intent last entered planning.
func (r *Repo) PlanningStarted(intentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.planSince[intentID]
	return ts, ok
}

func (r *Repo) Corrections(refSeq int64) []CorrectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CorrectionRecord(nil), r.corrections[refSeq]...)
}

func cloneIntent(in *domain.Intent) domain.Intent {
	out := *in
	out.Children = append([]string(nil), in.Children...)
	return out
}
