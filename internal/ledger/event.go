package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"holon/internal/domain"
)

const SchemaVersion = 1

type EventType string

const (
	EventIntentCreated        EventType = "intent_created"
	EventIntentStateChanged   EventType = "intent_state_changed"
	EventIntentAbandoned      EventType = "intent_abandoned"
	EventPlanVariantCreated   EventType = "plan_variant_created"
	EventPlanningConverged    EventType = "planning_converged"
	EventPlanSelected         EventType = "plan_selected"
	EventGitRebaseStarted     EventType = "git_rebase_started"
	EventGitRebaseCompleted   EventType = "git_rebase_completed"
	EventGitMergeAttempted    EventType = "git_merge_attempted"
	EventExecutionStarted     EventType = "execution_started"
	EventExecutionCompleted   EventType = "execution_completed"
	EventHumanReviewRequested EventType = "human_review_requested"
	EventHumanReviewDecision  EventType = "human_review_decision"
	EventIntentPromoted       EventType = "intent_promoted_to_main"
	EventAgentTrustChanged    EventType = "agent_trust_changed"

	EventBudgetAllocated    EventType = "budget_allocated"
	EventBudgetOverride     EventType = "budget_override"
	EventTransitionRejected EventType = "transition_rejected"
)

const correctionSuffix = "_correction"

// CorrectionOf returns the correction event type for base.
func CorrectionOf(base EventType) EventType {
	return base + correctionSuffix
}

// IsCorrection reports whether t is a correction and returns the corrected type.
func (t EventType) IsCorrection() (EventType, bool) {
	s := string(t)
	if !strings.HasSuffix(s, correctionSuffix) {
		return "", false
	}
	return EventType(strings.TrimSuffix(s, correctionSuffix)), true
}

func (t EventType) Known() bool {
	if base, ok := t.IsCorrection(); ok {
		return base.Known()
	}
	switch t {
	case EventIntentCreated, EventIntentStateChanged, EventIntentAbandoned, EventPlanVariantCreated,
		EventPlanningConverged, EventPlanSelected, EventGitRebaseStarted, EventGitRebaseCompleted,
		EventGitMergeAttempted, EventExecutionStarted, EventExecutionCompleted, EventHumanReviewRequested,
		EventHumanReviewDecision, EventIntentPromoted, EventAgentTrustChanged, EventBudgetAllocated,
		EventBudgetOverride, EventTransitionRejected:
		return true
	}
	return false
}

type GitContext struct {
	Branch string `json:"branch"`
	Head   string `json:"head"`
	Dirty  bool   `json:"dirty"`
}

// Event is the persisted envelope. One JSON object per line on the wire.
type Event struct {
	SchemaVersion int             `json:"schema_version"`
	Type          EventType       `json:"event_type"`
	TS            time.Time       `json:"ts"`
	Seq           int64           `json:"seq"`
	RunID         string          `json:"run_id"`
	AgentID       string          `json:"agent_id"`
	Git           GitContext      `json:"git"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", e.Type, e.Seq, err)
	}
	return nil
}

// IntentID returns the intent referenced by the payload, if any.
func (e Event) IntentID() string {
	var ref struct {
		IntentID string `json:"intent_id"`
	}
	_ = json.Unmarshal(e.Payload, &ref)
	return ref.IntentID
}

// Record is what callers hand to Append; the ledger fills seq, ts, run and schema.
type Record struct {
	Type    EventType
	AgentID string
	Git     GitContext
	Payload any
}

// Payloads. Every intent-scoped payload carries intent_id.

type IntentCreated = domain.Intent

type IntentStateChanged struct {
	IntentID string             `json:"intent_id"`
	From     domain.IntentState `json:"from"`
	To       domain.IntentState `json:"to"`
	Reason   string             `json:"reason,omitempty"`
}

type IntentAbandoned struct {
	IntentID string `json:"intent_id"`
	Reason   string `json:"reason"`
	By       string `json:"by"`
}

type PlanVariantCreated = domain.PlanVariant

type PlanningConverged struct {
	IntentID     string   `json:"intent_id"`
	Converged    bool     `json:"converged"`
	Reason       string   `json:"reason"`
	WinnerPlanID string   `json:"winner_plan_id,omitempty"`
	VariantCount int      `json:"variant_count"`
	Ranking      []string `json:"ranking,omitempty"`
	Forced       bool     `json:"forced,omitempty"`
}

type PlanSelected struct {
	IntentID string  `json:"intent_id"`
	PlanID   string  `json:"plan_id"`
	Reason   string  `json:"reason"`
	EV       float64 `json:"ev"`
}

const (
	PhasePre  = "pre_execution"
	PhasePost = "post_execution"

	StatusSuccess  = "success"
	StatusConflict = "conflict"
	StatusFailed   = "failed"
	StatusFailure  = "failure"
)

type GitRebaseStarted struct {
	IntentID string `json:"intent_id"`
	Branch   string `json:"branch"`
	Onto     string `json:"onto"`
	Phase    string `json:"phase"`
}

type GitRebaseCompleted struct {
	IntentID      string   `json:"intent_id"`
	Branch        string   `json:"branch"`
	Onto          string   `json:"onto"`
	Phase         string   `json:"phase"`
	Status        string   `json:"status"`
	Strategy      string   `json:"strategy,omitempty"`
	ConflictFiles []string `json:"conflict_files,omitempty"`
	Head          string   `json:"head,omitempty"`
	Error         string   `json:"error,omitempty"`
}

const (
	TargetParent = "parent"
	TargetTrunk  = "trunk"
)

type GitMergeAttempted struct {
	IntentID   string  `json:"intent_id"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	TargetKind string  `json:"target_kind"`
	Status     string  `json:"status"`
	Commit     string  `json:"commit,omitempty"`
	MergeValue float64 `json:"merge_value"`
	Reason     string  `json:"reason,omitempty"`
}

type ExecutionStarted struct {
	IntentID string `json:"intent_id"`
	PlanID   string `json:"plan_id"`
	Action   string `json:"action,omitempty"`
	Model    string `json:"model,omitempty"`
	Sandbox  string `json:"sandbox,omitempty"`
	Timeout  string `json:"timeout"`
}

type ExecutionCompleted struct {
	IntentID      string               `json:"intent_id"`
	PlanID        string               `json:"plan_id"`
	Status        string               `json:"status"`
	Actual        domain.ActualMetrics `json:"actual"`
	Violation     bool                 `json:"violation,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Artifacts     []domain.Artifact    `json:"artifacts,omitempty"`
	Paths         []string             `json:"paths,omitempty"`
	CreatedBy     string               `json:"created_by"`
}

type HumanReviewRequested struct {
	IntentID string               `json:"intent_id"`
	Package  domain.ReviewPackage `json:"package"`
}

type HumanReviewDecision struct {
	IntentID string `json:"intent_id"`
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment,omitempty"`
}

type IntentPromoted struct {
	IntentID string `json:"intent_id"`
	Branch   string `json:"branch"`
	Trunk    string `json:"trunk"`
	Commit   string `json:"commit,omitempty"`
}

type AgentTrustChanged struct {
	AgentID   string            `json:"agent_id"`
	FromLevel string            `json:"from_level"`
	ToLevel   string            `json:"to_level"`
	FromScore float64           `json:"from_score"`
	ToScore   float64           `json:"to_score"`
	Reason    string            `json:"reason"`
	State     domain.TrustState `json:"state"`
}

type BudgetAllocated struct {
	IntentID string  `json:"intent_id"`
	ParentID string  `json:"parent_id,omitempty"`
	Entropy  float64 `json:"entropy"`
	Cost     float64 `json:"cost"`
	Fraction float64 `json:"fraction"`
	Tier     string  `json:"tier"`
}

type BudgetOverride struct {
	IntentID string  `json:"intent_id"`
	Entropy  float64 `json:"entropy"`
	Reason   string  `json:"reason"`
}

type TransitionRejected struct {
	IntentID string             `json:"intent_id"`
	From     domain.IntentState `json:"from"`
	To       domain.IntentState `json:"to"`
	Kind     domain.ErrorKind   `json:"kind"`
	Reason   string             `json:"reason"`
}

// Correction references an earlier event by seq. The corrected event stays untouched.
type Correction struct {
	IntentID string          `json:"intent_id,omitempty"`
	RefSeq   int64           `json:"ref_seq"`
	Reason   string          `json:"reason"`
	Fields   json.RawMessage `json:"fields,omitempty"`
}
