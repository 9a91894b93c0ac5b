package server

import (
	"encoding/json"
	"time"

	"holon/internal/domain"
	"holon/internal/ledger"
	"holon/internal/repo"
)

type IntentListResponse struct {
	Items []domain.Intent `json:"items"`
}

type IntentDetailResponse struct {
	Intent         domain.Intent         `json:"intent"`
	Budget         *domain.EntropyBudget `json:"budget,omitempty"`
	SelectedPlanID string                `json:"selected_plan_id,omitempty"`
	LastExecution  *repo.Execution       `json:"last_execution,omitempty"`
	ReviewPending  bool                  `json:"review_pending"`
	Abandoned      bool                  `json:"abandoned"`
}

type VariantListResponse struct {
	Items          []domain.PlanVariant      `json:"items"`
	SelectedPlanID string                    `json:"selected_plan_id,omitempty"`
	Convergence    *ledger.PlanningConverged `json:"convergence,omitempty"`
}

type ReviewResponse struct {
	IntentID     string               `json:"intent_id"`
	Package      domain.ReviewPackage `json:"package"`
	RequestedSeq int64                `json:"requested_seq"`
	Decision     string               `json:"decision,omitempty"`
	Reviewer     string               `json:"reviewer,omitempty"`
	Comment      string               `json:"comment,omitempty"`
	DecidedSeq   int64                `json:"decided_seq,omitempty"`
	Pending      bool                 `json:"pending"`
}

type ReviewDecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected" doc:"approved merges the root into trunk; rejected discards the tree"`
	Comment  string `json:"comment,omitempty"`
}

type AbandonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type EventResponse struct {
	Seq      int64           `json:"seq"`
	Type     string          `json:"event_type"`
	TS       time.Time       `json:"ts" format:"date-time"`
	RunID    string          `json:"run_id"`
	AgentID  string          `json:"agent_id"`
	IntentID string          `json:"intent_id,omitempty"`
	Branch   string          `json:"branch,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func reviewResponse(r repo.Review) ReviewResponse {
	return ReviewResponse{
		IntentID:     r.IntentID,
		Package:      r.Package,
		RequestedSeq: r.RequestedSeq,
		Decision:     r.Decision,
		Reviewer:     r.Reviewer,
		Comment:      r.Comment,
		DecidedSeq:   r.DecidedSeq,
		Pending:      r.Pending(),
	}
}

func eventResponse(ev ledger.Event) EventResponse {
	return EventResponse{
		Seq:      ev.Seq,
		Type:     string(ev.Type),
		TS:       ev.TS,
		RunID:    ev.RunID,
		AgentID:  ev.AgentID,
		IntentID: ev.IntentID(),
		Branch:   ev.Git.Branch,
		Payload:  ev.Payload,
	}
}
