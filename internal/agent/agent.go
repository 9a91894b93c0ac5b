// Package agent defines the collaborator contracts the core talks to: planners
// that propose plan variants, executors that run them in a sandbox, and an
// optional curator that receives outcomes.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"holon/internal/domain"
)

// Proposal is a plan a planner offers. Any ev it carries is recomputed by the core.
type Proposal struct {
	PlanGraph json.RawMessage `json:"plan_graph"`
	Predicted domain.Metrics  `json:"predicted"`
	Model     string          `json:"model,omitempty"`
}

// Retrieval is the context handed to a planner alongside the intent.
type Retrieval struct {
	Prior     []domain.PlanVariant `json:"prior_variants,omitempty"`
	Ancestors []domain.Intent      `json:"ancestors,omitempty"`
	Attempt   int                  `json:"attempt,omitempty"`
	// LastFailure is the failure reason of the intent this one retries, if any.
	LastFailure string `json:"last_failure,omitempty"`
}

type Planner interface {
	GenerateVariants(ctx context.Context, intent domain.Intent, r Retrieval) ([]Proposal, error)
}

// Sandbox describes where and under which limits an executor may act.
type Sandbox struct {
	Workdir string        `json:"workdir,omitempty"`
	Branch  string        `json:"branch"`
	Base    string        `json:"base"`
	Scope   domain.Scope  `json:"scope"`
	Timeout time.Duration `json:"timeout"`
	Action  string        `json:"action,omitempty"`
	Model   string        `json:"model,omitempty"`
}

// Outcome is an executor's report. Success is binary.
type Outcome struct {
	Success      bool                `json:"success"`
	Violation    bool                `json:"violation,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Observations domain.Observations `json:"observations"`
	Artifacts    []domain.Artifact   `json:"artifacts,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, intent domain.Intent, plan domain.PlanVariant, sb Sandbox) (Outcome, error)
}

// KBEntry summarizes a finished execution for knowledge-base curation.
type KBEntry struct {
	IntentID  string               `json:"intent_id"`
	Goal      string               `json:"goal"`
	PlanID    string               `json:"plan_id"`
	AgentID   string               `json:"agent_id"`
	Status    string               `json:"status"`
	Predicted domain.Metrics       `json:"predicted"`
	Actual    domain.ActualMetrics `json:"actual"`
	Reason    string               `json:"reason,omitempty"`
}

type Curator interface {
	ProposeKBEntry(ctx context.Context, entry KBEntry) error
}
