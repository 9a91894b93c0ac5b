package domain

import (
	"encoding/json"
	"time"
)

type Constraints struct {
	EntropyBudget float64 `json:"entropy_budget" yaml:"entropy_budget"`
	CostBudget    float64 `json:"cost_budget" yaml:"cost_budget"`

	// TimeBudget is the execution wall-clock allowance in seconds; 0 uses the configured timeout.
	TimeBudget    int64  `json:"time_budget" yaml:"time_budget"`
	TrustRequired string `json:"trust_required,omitempty" yaml:"trust_required"`
}

type Scope struct {
	AllowedPaths   []string `json:"allowed_paths,omitempty" yaml:"allowed_paths"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty" yaml:"forbidden_paths"`
}

// Reactive intent origins.
const (
	ReactiveConflict   = "conflict"
	ReactiveDiagnostic = "diagnostic"
)

type Intent struct {
	ID          string      `json:"intent_id"`
	ParentID    *string     `json:"parent_id"`
	Goal        string      `json:"goal"`
	Constraints Constraints `json:"constraints"`
	Scope       Scope       `json:"scope"`
	State       IntentState `json:"state" enum:"proposed,planning,ready,blocked,executing,success,failure,awaiting_review,merged,promoted,discarded"`
	Children    []string    `json:"children,omitempty"`
	Branch      string      `json:"branch"`
	CreatedBy   string      `json:"created_by"`
	Reactive    bool        `json:"reactive,omitempty"`
	ReactiveFor string      `json:"reactive_for,omitempty"`
	RetryOf     string      `json:"retry_of,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	CreatedAt   time.Time   `json:"created_at" format:"date-time"`
}

func (i Intent) IsRoot() bool { return i.ParentID == nil }

func (i Intent) Parent() string {
	if i.ParentID == nil {
		return ""
	}
	return *i.ParentID
}

// Metrics is the predicted metrics envelope attached to a plan variant.
type Metrics struct {
	PSuccess float64 `json:"p_success"`
	Entropy  float64 `json:"entropy"`
	Impact   float64 `json:"impact"`
	Cost     float64 `json:"cost"`
	EV       float64 `json:"ev"`
}

type PlanVariant struct {
	PlanID    string          `json:"plan_id"`
	IntentID  string          `json:"intent_id"`
	Index     int             `json:"index"`
	PlanGraph json.RawMessage `json:"plan_graph,omitempty"`
	Predicted Metrics         `json:"predicted"`
	CreatedBy string          `json:"created_by"`
	Model     string          `json:"model,omitempty"`
	CreatedAt time.Time       `json:"created_at" format:"date-time"`
}

// PlanGraph is the part of a plan graph the core inspects. Everything else stays opaque.
type PlanGraph struct {
	Steps      []json.RawMessage `json:"steps,omitempty"`
	SubIntents []SubIntentSpec   `json:"sub_intents,omitempty"`
}

type SubIntentSpec struct {
	ID          string      `json:"intent_id,omitempty"`
	Goal        string      `json:"goal"`
	Constraints Constraints `json:"constraints"`
	Scope       Scope       `json:"scope"`
}

// ParseGraph decodes the inspected keys of a variant's plan graph.
func (v PlanVariant) ParseGraph() (PlanGraph, error) {
	var g PlanGraph
	if len(v.PlanGraph) == 0 {
		return g, nil
	}
	if err := json.Unmarshal(v.PlanGraph, &g); err != nil {
		return g, err
	}
	return g, nil
}

// Observations are the raw measurements an executor reports about its run.
type Observations struct {
	FilesChanged int      `json:"files_changed"`
	LinesAdded   int      `json:"lines_added"`
	LinesDeleted int      `json:"lines_deleted"`
	TestsPassed  int      `json:"tests_passed"`
	TestsFailed  int      `json:"tests_failed"`
	Paths        []string `json:"paths,omitempty"`
	Impact       *float64 `json:"impact,omitempty"`
	Cost         float64  `json:"cost"`
}

// ActualMetrics are measured after execution. PSuccess is exactly 1 or 0.
type ActualMetrics struct {
	PSuccess     float64 `json:"p_success"`
	Entropy      float64 `json:"entropy"`
	Impact       float64 `json:"impact"`
	Cost         float64 `json:"cost"`
	FilesChanged int     `json:"files_changed"`
	LinesAdded   int     `json:"lines_added"`
	LinesDeleted int     `json:"lines_deleted"`
	TestsPassed  int     `json:"tests_passed"`
	TestsFailed  int     `json:"tests_failed"`
}

type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	Hash string `json:"hash,omitempty"`
}

type TrustState struct {
	AgentID             string  `json:"agent_id"`
	Level               string  `json:"trust_level"`
	Score               float64 `json:"trust_score"`
	Executions          int     `json:"executions"`
	Successes           int     `json:"successes"`
	Failures            int     `json:"failures"`
	Violations          int     `json:"violations"`
	CalibrationErrorSum float64 `json:"calibration_error_sum"`
	// Penalty is subtracted from the computed score. Downgrades add to it.
	Penalty float64 `json:"penalty,omitempty"`
}

// MeanCalibrationError is the mean |predicted p_success - actual p_success|.
func (t TrustState) MeanCalibrationError() float64 {
	if t.Executions == 0 {
		return 0
	}
	return t.CalibrationErrorSum / float64(t.Executions)
}

// EntropyBudget tracks an intent's allowance. Spent includes all descendants.
type EntropyBudget struct {
	IntentID  string  `json:"intent_id"`
	Allocated float64 `json:"allocated"`
	Spent     float64 `json:"spent"`
	Override  float64 `json:"override,omitempty"`
	Cost      float64 `json:"cost_allocated"`
	Tier      string  `json:"tier,omitempty"`
}

func (b EntropyBudget) Remaining() float64 {
	return b.Allocated + b.Override - b.Spent
}

// ReviewPackage is what a human reviewer sees before deciding on a root intent.
type ReviewPackage struct {
	IntentID          string             `json:"intent_id"`
	Goal              string             `json:"goal"`
	Branch            string             `json:"branch"`
	Reason            string             `json:"reason"`
	PlanID            string             `json:"plan_id,omitempty"`
	Predicted         Metrics            `json:"predicted"`
	Actual            ActualMetrics      `json:"actual"`
	DiffSummary       []string           `json:"diff_summary,omitempty"`
	CalibrationErrors map[string]float64 `json:"calibration_errors,omitempty"`
}

const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)
