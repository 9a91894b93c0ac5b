// Package planning turns planner proposals into recorded, ranked plan variants.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"holon/internal/agent"
	"holon/internal/convergence"
	"holon/internal/domain"
	"holon/internal/ledger"
	"holon/internal/repo"
)

var tagUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// AgentTag normalizes an agent id for use inside a plan id.
func AgentTag(agentID string) string {
	tag := tagUnsafe.ReplaceAllString(strings.ToLower(agentID), "-")
	tag = strings.Trim(tag, "-")
	if tag == "" {
		return "agent"
	}
	return tag
}

// PlanID is <intent_id>.v<index>.<agent_tag>.
func PlanID(intentID string, index int, agentID string) string {
	return fmt.Sprintf("%s.v%d.%s", intentID, index, AgentTag(agentID))
}

// Generator records variants. Callers hold the intent's lock, which keeps
// index assignment race-free.
type Generator struct {
	Ledger *ledger.Ledger
	Repo   *repo.Repo
	Lambda float64
	Log    *zap.Logger
}

// Record validates a proposal, fixes its ev and appends plan_variant_created.
// Invalid proposals are rejected with InvalidSpec and leave no trace in the ledger.
func (g Generator) Record(ctx context.Context, intentID, agentID, model string, p agent.Proposal) (domain.PlanVariant, error) {
	if _, err := g.Repo.Intent(intentID); err != nil {
		return domain.PlanVariant{}, err
	}
	if err := domain.ValidateMetrics(p.Predicted); err != nil {
		return domain.PlanVariant{}, err
	}
	graph, err := normalizeGraph(p.PlanGraph)
	if err != nil {
		return domain.PlanVariant{}, err
	}
	if model == "" {
		model = p.Model
	}

	index := len(g.Repo.Variants(intentID)) + 1
	planID := PlanID(intentID, index, agentID)
	for {
		if _, err := g.Repo.Variant(planID); err != nil {
			break
		}
		index++
		planID = PlanID(intentID, index, agentID)
	}

	predicted := p.Predicted
	predicted.EV = convergence.EV(predicted, g.Lambda)
	v := domain.PlanVariant{
		PlanID:    planID,
		IntentID:  intentID,
		Index:     index,
		PlanGraph: graph,
		Predicted: predicted,
		CreatedBy: agentID,
		Model:     model,
	}
	ev, err := g.Ledger.Append(ctx, ledger.Record{Type: ledger.EventPlanVariantCreated, AgentID: agentID, Payload: v})
	if err != nil {
		return domain.PlanVariant{}, err
	}
	v.CreatedAt = ev.TS
	g.log().Debug("plan variant recorded",
		zap.String("intent_id", intentID),
		zap.String("plan_id", planID),
		zap.Float64("ev", predicted.EV),
		zap.Int64("seq", ev.Seq),
	)
	if all := g.Repo.Variants(intentID); len(all) >= 2 && !convergence.DiversityHint(all) {
		g.log().Info("plan variants lack entropy diversity", zap.String("intent_id", intentID), zap.Int("variants", len(all)))
	}
	return v, nil
}

func (g Generator) log() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

// normalizeGraph checks the keys the core inspects and compacts the rest untouched.
func normalizeGraph(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, domain.Errorf(domain.KindInvalidSpec, "plan_graph must be a JSON object: %v", err)
	}
	g, err := domain.PlanVariant{PlanGraph: raw}.ParseGraph()
	if err != nil {
		return nil, domain.Errorf(domain.KindInvalidSpec, "plan_graph: %v", err)
	}
	seen := map[string]struct{}{}
	for i, sub := range g.SubIntents {
		if strings.TrimSpace(sub.Goal) == "" {
			return nil, domain.Errorf(domain.KindInvalidSpec, "plan_graph.sub_intents[%d].goal is required", i)
		}
		if sub.ID != "" {
			if err := domain.ValidateIntentID(sub.ID); err != nil {
				return nil, err
			}
			if _, dup := seen[sub.ID]; dup {
				return nil, domain.Errorf(domain.KindInvalidSpec, "plan_graph.sub_intents[%d] repeats id %q", i, sub.ID)
			}
			seen[sub.ID] = struct{}{}
		}
		if err := domain.ValidateConstraints(sub.Constraints); err != nil {
			return nil, err
		}
		if err := domain.ValidateScope(sub.Scope); err != nil {
			return nil, err
		}
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return json.RawMessage(strings.TrimSpace(buf.String())), nil
}
