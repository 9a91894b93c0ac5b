package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"holon/internal/agent"
	"holon/internal/convergence"
	"holon/internal/domain"
	"holon/internal/ledger"
)

// AddVariant records one proposal and re-evaluates convergence. When planning
// converges the winner is selected and the intent moves to ready.
func (e *Engine) AddVariant(ctx context.Context, id, agentID, model string, p agent.Proposal) (domain.PlanVariant, convergence.Decision, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	in, err := e.Repo.Intent(id)
	if err != nil {
		return domain.PlanVariant{}, convergence.Decision{}, err
	}
	if err := e.requireState(in, domain.StatePlanning); err != nil {
		return domain.PlanVariant{}, convergence.Decision{}, err
	}
	v, err := e.Planning.Record(ctx, id, actorOr(agentID), model, p)
	if err != nil {
		return v, convergence.Decision{}, err
	}
	d, err := e.evaluate(ctx, actorOr(agentID), in, false)
	return v, d, err
}

// Plan asks the agent's planner for variants until planning converges. Hitting
// max_variants or planning_time_limit, or a planner with nothing more to offer,
// forces selection of the best variant recorded so far.
func (e *Engine) Plan(ctx context.Context, id, agentID, model string) (convergence.Decision, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	actor := actorOr(agentID)
	in, err := e.Repo.Intent(id)
	if err != nil {
		return convergence.Decision{}, err
	}
	if err := e.requireState(in, domain.StatePlanning); err != nil {
		return convergence.Decision{}, err
	}
	planner, err := e.Agents.Planner(actor)
	if err != nil {
		return convergence.Decision{}, err
	}

	for {
		if d, err := e.evaluate(ctx, actor, in, false); err != nil || d.Converged {
			return d, err
		}
		proposals, err := e.generate(ctx, planner, in)
		if err != nil {
			if reason, halted := e.haltReason(id); halted {
				return convergence.Decision{}, domain.Error{Kind: domain.KindExecutionFailure, IntentID: id, Msg: "planning cancelled: " + reason}
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				e.Log.Warn("planning time limit reached", zap.String("intent_id", id), zap.String("kind", string(domain.KindConvergenceTimeout)))
				return e.forceOrFail(ctx, actor, in, convergence.ReasonBudgetExhausted)
			}
			return convergence.Decision{}, fmt.Errorf("planner %s: %w", actor, err)
		}
		recorded := 0
		for _, p := range proposals {
			if _, err := e.Planning.Record(ctx, id, actor, model, p); err != nil {
				var derr domain.Error
				if errors.As(err, &derr) && derr.Kind == domain.KindInvalidSpec {
					e.Log.Warn("planner proposal rejected", zap.String("intent_id", id), zap.Error(err))
					continue
				}
				return convergence.Decision{}, err
			}
			recorded++
			if d, err := e.evaluate(ctx, actor, in, false); err != nil || d.Converged {
				return d, err
			}
		}
		if recorded == 0 {
			return e.forceOrFail(ctx, actor, in, convergence.ReasonMaxVariants)
		}
	}
}

// generate asks the planner for one batch within what is left of the
// planning time limit. Abandoning the intent cancels the call.
func (e *Engine) generate(ctx context.Context, planner agent.Planner, in domain.Intent) ([]agent.Proposal, error) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if limit := e.Eval.Thresholds.PlanningTimeLimit; limit > 0 {
		remaining := limit - e.planningElapsed(in.ID)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		var tcancel context.CancelFunc
		gctx, tcancel = context.WithTimeout(gctx, remaining)
		defer tcancel()
	}
	e.mu.Lock()
	e.inflight[in.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, in.ID)
		e.mu.Unlock()
	}()
	return planner.GenerateVariants(gctx, in, e.retrieval(in))
}

// forceOrFail selects the best variant so far. With none recorded, planning
// itself failed.
func (e *Engine) forceOrFail(ctx context.Context, actor string, in domain.Intent, reason convergence.Reason) (convergence.Decision, error) {
	if len(e.Repo.Variants(in.ID)) == 0 {
		return convergence.Decision{}, domain.Error{Kind: domain.KindExecutionFailure, IntentID: in.ID, Msg: "planner produced no valid plan variants"}
	}
	return e.evaluate(ctx, actor, in, true, reason)
}

// planningElapsed is the time since the intent entered planning, as recorded
// in the ledger, so the limit holds across processes.
func (e *Engine) planningElapsed(id string) time.Duration {
	start, ok := e.Repo.PlanningStarted(id)
	if !ok {
		return 0
	}
	return max(0, e.now().Sub(start))
}

// evaluate runs the convergence rules over the recorded variants. force ends
// planning with the given reason regardless of the rules.
func (e *Engine) evaluate(ctx context.Context, actor string, in domain.Intent, force bool, reason ...convergence.Reason) (convergence.Decision, error) {
	variants := e.Repo.Variants(in.ID)
	d := e.Eval.Evaluate(variants, e.planningElapsed(in.ID))
	if !d.Converged && force && len(d.Ranked) > 0 {
		d.Converged = true
		d.Forced = true
		d.Winner = d.Ranked[0]
		d.Reason = convergence.ReasonMaxVariants
		if len(reason) > 0 {
			d.Reason = reason[0]
		}
	}
	if !d.Converged {
		return d, nil
	}
	if d.Forced {
		e.Log.Warn("planning forced to converge",
			zap.String("intent_id", in.ID),
			zap.String("reason", string(d.Reason)),
			zap.String("kind", string(domain.KindConvergenceTimeout)),
			zap.Int("variants", len(variants)),
		)
	}
	if _, err := e.append(ctx, actor, in, ledger.EventPlanningConverged, ledger.PlanningConverged{
		IntentID:     in.ID,
		Converged:    true,
		Reason:       string(d.Reason),
		WinnerPlanID: d.Winner.PlanID,
		VariantCount: len(variants),
		Ranking:      d.RankingIDs(),
		Forced:       d.Forced,
	}); err != nil {
		return d, err
	}
	ev, err := e.append(ctx, actor, in, ledger.EventPlanSelected, ledger.PlanSelected{
		IntentID: in.ID,
		PlanID:   d.Winner.PlanID,
		Reason:   string(d.Reason),
		EV:       d.Winner.Predicted.EV,
	})
	if err != nil {
		return d, err
	}
	e.Log.Info("plan selected",
		zap.String("intent_id", in.ID),
		zap.String("plan_id", d.Winner.PlanID),
		zap.String("reason", string(d.Reason)),
		zap.Float64("ev", d.Winner.Predicted.EV),
		zap.Int64("seq", ev.Seq),
	)
	if _, err := e.transition(ctx, actor, in, domain.StateReady, "plan_selected"); err != nil {
		return d, err
	}
	return d, nil
}

func (e *Engine) retrieval(in domain.Intent) agent.Retrieval {
	r := agent.Retrieval{Prior: e.Repo.Variants(in.ID), Attempt: in.Attempt}
	for _, id := range e.Repo.Ancestors(in.ID) {
		if a, err := e.Repo.Intent(id); err == nil {
			r.Ancestors = append(r.Ancestors, a)
		}
	}
	if in.RetryOf != "" {
		if last, ok := e.Repo.LastExecution(in.RetryOf); ok {
			r.LastFailure = last.FailureReason
		}
	}
	return r
}
