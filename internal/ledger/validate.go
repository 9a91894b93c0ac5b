package ledger

import (
	"encoding/json"
	"math"

	"holon/internal/domain"
)

type intentRef struct {
	parent   string
	root     bool
	branch   string
	state    domain.IntentState
	selected string
	running  bool
	rebasing bool
	review   bool
	approved bool
}

type budgetRef struct {
	allocated bool
	entropy   float64
	override  float64
	spent     float64
}

// index is the minimal projection the ledger needs to refuse inconsistent writes.
// It is rebuilt from the backend on Open and advanced after every accepted append.
type index struct {
	trunk   string
	intents map[string]*intentRef
	plans   map[string]string
	budgets map[string]*budgetRef
	types   map[int64]EventType
}

func newIndex(trunk string) *index {
	return &index{
		trunk:   trunk,
		intents: map[string]*intentRef{},
		plans:   map[string]string{},
		budgets: map[string]*budgetRef{},
		types:   map[int64]EventType{},
	}
}

func violation(format string, args ...any) error {
	return domain.Errorf(domain.KindLedgerConsistency, format, args...)
}

func (ix *index) intent(id string) (*intentRef, error) {
	if id == "" {
		return nil, violation("payload missing intent_id")
	}
	ref, ok := ix.intents[id]
	if !ok {
		return nil, violation("unknown intent %q", id)
	}
	return ref, nil
}

// check validates ev against the index without mutating it.
func (ix *index) check(ev Event) error {
	if !ev.Type.Known() {
		return violation("unknown event type %q", ev.Type)
	}
	if !json.Valid(ev.Payload) {
		return violation("%s payload is not valid json", ev.Type)
	}
	if _, ok := ev.Type.IsCorrection(); ok {
		return ix.checkCorrection(ev)
	}
	switch ev.Type {
	case EventIntentCreated:
		var p IntentCreated
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		return ix.checkCreated(p)
	case EventIntentStateChanged:
		var p IntentStateChanged
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if ref.state != p.From {
			return violation("intent %s is %s, not %s", p.IntentID, ref.state, p.From)
		}
		if err := domain.ValidateTransition(p.From, p.To, ref.root); err != nil {
			return violation("%v", err)
		}
		if p.To == domain.StateMerged && ref.root && !ref.approved {
			return violation("root intent %s cannot merge without an approved review", p.IntentID)
		}
		return nil
	case EventIntentAbandoned:
		var p IntentAbandoned
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		_, err := ix.intent(p.IntentID)
		return err
	case EventPlanVariantCreated:
		var p PlanVariantCreated
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		if _, err := ix.intent(p.IntentID); err != nil {
			return err
		}
		if p.PlanID == "" {
			return violation("plan variant missing plan_id")
		}
		if _, dup := ix.plans[p.PlanID]; dup {
			return violation("duplicate plan_id %q", p.PlanID)
		}
		if err := domain.ValidateMetrics(p.Predicted); err != nil {
			return violation("plan %s: %v", p.PlanID, err)
		}
		return nil
	case EventPlanningConverged:
		var p PlanningConverged
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		if _, err := ix.intent(p.IntentID); err != nil {
			return err
		}
		if p.Converged {
			return ix.checkPlanOwner(p.WinnerPlanID, p.IntentID)
		}
		return nil
	case EventPlanSelected:
		var p PlanSelected
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if ref.selected != "" {
			return violation("intent %s already selected plan %s", p.IntentID, ref.selected)
		}
		return ix.checkPlanOwner(p.PlanID, p.IntentID)
	case EventGitRebaseStarted:
		var p GitRebaseStarted
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if ref.rebasing {
			return violation("intent %s already has an open rebase", p.IntentID)
		}
		return nil
	case EventGitRebaseCompleted:
		var p GitRebaseCompleted
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if !ref.rebasing {
			return violation("git_rebase_completed for %s without git_rebase_started", p.IntentID)
		}
		switch p.Status {
		case StatusSuccess, StatusConflict, StatusFailed:
		default:
			return violation("rebase status %q", p.Status)
		}
		return nil
	case EventGitMergeAttempted:
		var p GitMergeAttempted
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		return ix.checkMerge(p)
	case EventExecutionStarted:
		var p ExecutionStarted
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if ref.selected == "" || ref.selected != p.PlanID {
			return violation("execution_started for %s must follow plan_selected of %q", p.IntentID, p.PlanID)
		}
		if ref.running {
			return violation("intent %s is already executing", p.IntentID)
		}
		return nil
	case EventExecutionCompleted:
		var p ExecutionCompleted
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		return ix.checkCompleted(p)
	case EventHumanReviewRequested:
		var p HumanReviewRequested
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if !ref.root {
			return violation("review requested for non-root intent %s", p.IntentID)
		}
		return nil
	case EventHumanReviewDecision:
		var p HumanReviewDecision
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if !ref.review {
			return violation("review decision for %s without a review request", p.IntentID)
		}
		if p.Decision != domain.DecisionApproved && p.Decision != domain.DecisionRejected {
			return violation("review decision %q", p.Decision)
		}
		if p.Reviewer == "" {
			return violation("review decision missing reviewer")
		}
		return nil
	case EventIntentPromoted:
		var p IntentPromoted
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		ref, err := ix.intent(p.IntentID)
		if err != nil {
			return err
		}
		if !ref.root || !ref.approved {
			return violation("intent %s promoted without an approved review", p.IntentID)
		}
		if ix.trunk != "" && p.Trunk != ix.trunk {
			return violation("promotion target %q is not trunk %q", p.Trunk, ix.trunk)
		}
		return nil
	case EventAgentTrustChanged:
		var p AgentTrustChanged
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		if p.AgentID == "" || p.State.AgentID != p.AgentID {
			return violation("agent_trust_changed agent id mismatch")
		}
		if !inUnit(p.ToScore) || !inUnit(p.State.Score) {
			return violation("trust score outside [0,1]")
		}
		return nil
	case EventBudgetAllocated:
		var p BudgetAllocated
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		if _, err := ix.intent(p.IntentID); err != nil {
			return err
		}
		if !nonNegative(p.Entropy) || !nonNegative(p.Cost) {
			return violation("budget allocation must be finite and >= 0")
		}
		return nil
	case EventBudgetOverride:
		var p BudgetOverride
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		if _, err := ix.intent(p.IntentID); err != nil {
			return err
		}
		if !nonNegative(p.Entropy) {
			return violation("budget override must be finite and >= 0")
		}
		return nil
	case EventTransitionRejected:
		var p TransitionRejected
		if err := ev.Decode(&p); err != nil {
			return violation("%v", err)
		}
		if p.IntentID == "" {
			return nil
		}
		_, err := ix.intent(p.IntentID)
		return err
	}
	return nil
}

func (ix *index) checkCreated(p IntentCreated) error {
	if err := domain.ValidateIntentID(p.ID); err != nil {
		return violation("%v", err)
	}
	if _, dup := ix.intents[p.ID]; dup {
		return violation("duplicate intent_id %q", p.ID)
	}
	if p.State != domain.StateProposed {
		return violation("intent %s must be created in state proposed", p.ID)
	}
	if p.ParentID != nil {
		parent, ok := ix.intents[*p.ParentID]
		if !ok {
			return violation("intent %s references unknown parent %q", p.ID, *p.ParentID)
		}
		if domain.Settled(parent.state) {
			return violation("parent %s is already %s", *p.ParentID, parent.state)
		}
	}
	return nil
}

func (ix *index) checkPlanOwner(planID, intentID string) error {
	owner, ok := ix.plans[planID]
	if !ok {
		return violation("unknown plan %q", planID)
	}
	if owner != intentID {
		return violation("plan %s belongs to %s, not %s", planID, owner, intentID)
	}
	return nil
}

func (ix *index) checkMerge(p GitMergeAttempted) error {
	ref, err := ix.intent(p.IntentID)
	if err != nil {
		return err
	}
	if p.Status != StatusSuccess {
		return nil
	}
	switch p.TargetKind {
	case TargetParent:
		if ref.root {
			return violation("root intent %s has no parent to merge into", p.IntentID)
		}
		parent := ix.intents[ref.parent]
		if parent == nil || p.Target != parent.branch {
			return violation("merge target %q is not the parent branch of %s", p.Target, p.IntentID)
		}
	case TargetTrunk:
		if !ref.root {
			return violation("non-root intent %s cannot merge into trunk", p.IntentID)
		}
		if !ref.approved {
			return violation("root intent %s merged to trunk without an approved review", p.IntentID)
		}
		if ix.trunk != "" && p.Target != ix.trunk {
			return violation("merge target %q is not trunk %q", p.Target, ix.trunk)
		}
	default:
		return violation("merge target kind %q", p.TargetKind)
	}
	return nil
}

func (ix *index) checkCompleted(p ExecutionCompleted) error {
	ref, err := ix.intent(p.IntentID)
	if err != nil {
		return err
	}
	if !ref.running {
		return violation("execution_completed for %s without execution_started", p.IntentID)
	}
	if p.Status != StatusSuccess && p.Status != StatusFailure {
		return violation("execution status %q", p.Status)
	}
	if p.Actual.PSuccess != 0 && p.Actual.PSuccess != 1 {
		return violation("actual p_success must be 0 or 1, got %v", p.Actual.PSuccess)
	}
	if !nonNegative(p.Actual.Entropy) || !nonNegative(p.Actual.Cost) {
		return violation("actual entropy and cost must be finite and >= 0")
	}
	// Deduction from the intent and every ancestor must stay within allocation plus override.
	for id := p.IntentID; id != ""; id = ix.intents[id].parent {
		b := ix.budgets[id]
		if b == nil || !b.allocated {
			continue
		}
		if b.spent+p.Actual.Entropy > b.entropy+b.override+1e-9 {
			return violation("entropy spend %.4f exceeds remaining budget %.4f of %s without override",
				p.Actual.Entropy, b.entropy+b.override-b.spent, id)
		}
	}
	return nil
}

func (ix *index) checkCorrection(ev Event) error {
	base, _ := ev.Type.IsCorrection()
	var p Correction
	if err := ev.Decode(&p); err != nil {
		return violation("%v", err)
	}
	if p.RefSeq <= 0 || p.RefSeq >= ev.Seq {
		return violation("correction ref_seq %d must reference an earlier event", p.RefSeq)
	}
	t, ok := ix.types[p.RefSeq]
	if !ok {
		return violation("correction references unknown seq %d", p.RefSeq)
	}
	if t != base {
		return violation("%s references seq %d of type %s", ev.Type, p.RefSeq, t)
	}
	return nil
}

// apply advances the index with an accepted event.
func (ix *index) apply(ev Event) {
	ix.types[ev.Seq] = ev.Type
	switch ev.Type {
	case EventIntentCreated:
		var p IntentCreated
		if ev.Decode(&p) != nil {
			return
		}
		ix.intents[p.ID] = &intentRef{parent: p.Parent(), root: p.IsRoot(), branch: p.Branch, state: p.State}
	case EventIntentStateChanged:
		var p IntentStateChanged
		if ev.Decode(&p) == nil {
			if ref := ix.intents[p.IntentID]; ref != nil {
				ref.state = p.To
				if p.To == domain.StateDiscarded || p.To == domain.StateFailure {
					ref.running = false
				}
			}
		}
	case EventPlanVariantCreated:
		var p PlanVariantCreated
		if ev.Decode(&p) == nil {
			ix.plans[p.PlanID] = p.IntentID
		}
	case EventPlanSelected:
		var p PlanSelected
		if ev.Decode(&p) == nil {
			if ref := ix.intents[p.IntentID]; ref != nil {
				ref.selected = p.PlanID
			}
		}
	case EventGitRebaseStarted:
		if ref := ix.intents[ev.IntentID()]; ref != nil {
			ref.rebasing = true
		}
	case EventGitRebaseCompleted:
		if ref := ix.intents[ev.IntentID()]; ref != nil {
			ref.rebasing = false
		}
	case EventExecutionStarted:
		if ref := ix.intents[ev.IntentID()]; ref != nil {
			ref.running = true
		}
	case EventExecutionCompleted:
		var p ExecutionCompleted
		if ev.Decode(&p) != nil {
			return
		}
		if ref := ix.intents[p.IntentID]; ref != nil {
			ref.running = false
		}
		for id := p.IntentID; id != ""; id = ix.intents[id].parent {
			b := ix.budget(id)
			b.spent += p.Actual.Entropy
		}
	case EventHumanReviewRequested:
		// an approval answers the latest request only
		if ref := ix.intents[ev.IntentID()]; ref != nil {
			ref.review = true
			ref.approved = false
		}
	case EventHumanReviewDecision:
		var p HumanReviewDecision
		if ev.Decode(&p) == nil {
			if ref := ix.intents[p.IntentID]; ref != nil {
				ref.approved = p.Decision == domain.DecisionApproved
			}
		}
	case EventBudgetAllocated:
		var p BudgetAllocated
		if ev.Decode(&p) == nil {
			b := ix.budget(p.IntentID)
			b.allocated = true
			b.entropy = p.Entropy
		}
	case EventBudgetOverride:
		var p BudgetOverride
		if ev.Decode(&p) == nil {
			ix.budget(p.IntentID).override += p.Entropy
		}
	}
}

func (ix *index) budget(id string) *budgetRef {
	b := ix.budgets[id]
	if b == nil {
		b = &budgetRef{}
		ix.budgets[id] = b
	}
	return b
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func inUnit(v float64) bool {
	return nonNegative(v) && v <= 1
}
