package engine

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"holon/internal/domain"
	"holon/internal/ledger"
)

// RequestReview moves a successful root to awaiting_review and records the
// package a reviewer decides on.
func (e *Engine) RequestReview(ctx context.Context, id, actorID string) (domain.Intent, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	actor := actorOr(actorID)
	in, err := e.Repo.Intent(id)
	if err != nil {
		return in, err
	}
	if !in.IsRoot() {
		return in, e.reject(ctx, actor, in, domain.StateAwaitingReview, domain.Errorf(domain.KindInvalidTransition, "only root intents await human review"))
	}
	if in, err = e.transition(ctx, actor, in, domain.StateAwaitingReview, "review_requested"); err != nil {
		return in, err
	}
	pkg := e.reviewPackage(ctx, in, "ready_for_review")
	ev, err := e.append(ctx, actor, in, ledger.EventHumanReviewRequested, ledger.HumanReviewRequested{IntentID: id, Package: pkg})
	if err != nil {
		return in, err
	}
	e.Log.Info("human review requested", zap.String("intent_id", id), zap.Int64("seq", ev.Seq))
	return in, nil
}

func (e *Engine) reviewPackage(ctx context.Context, in domain.Intent, reason string) domain.ReviewPackage {
	pkg := domain.ReviewPackage{
		IntentID: in.ID,
		Goal:     in.Goal,
		Branch:   in.Branch,
		Reason:   reason,
	}
	if plan, ok := e.Repo.SelectedPlan(in.ID); ok {
		pkg.PlanID = plan.PlanID
		pkg.Predicted = plan.Predicted
	}
	if last, ok := e.Repo.LastExecution(in.ID); ok && last.Done() {
		pkg.Actual = last.Actual
	}
	if st, err := e.Branches.VCS.DiffStat(ctx, e.Config.Git.Trunk, in.Branch); err == nil {
		pkg.DiffSummary = st.Paths
	}
	for _, id := range append([]string{in.ID}, e.Repo.Descendants(in.ID)...) {
		plan, ok := e.Repo.SelectedPlan(id)
		if !ok {
			continue
		}
		last, ok := e.Repo.LastExecution(id)
		if !ok || !last.Done() {
			continue
		}
		if pkg.CalibrationErrors == nil {
			pkg.CalibrationErrors = map[string]float64{}
		}
		pkg.CalibrationErrors[id] = math.Abs(plan.Predicted.PSuccess - last.Actual.PSuccess)
	}
	return pkg
}

// Review records a human decision. Approval of a root awaiting review merges
// it into trunk and promotes it; rejection discards the whole tree.
func (e *Engine) Review(ctx context.Context, id, decision, reviewer, comment string) (domain.Intent, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "decision must be %s or %s", domain.DecisionApproved, domain.DecisionRejected)
	}
	if reviewer == "" {
		return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "reviewer is required")
	}
	in, err := e.decide(ctx, id, decision, reviewer, comment)
	if err != nil || decision == domain.DecisionApproved {
		return in, err
	}
	e.halt(append([]string{id}, e.Repo.Descendants(id)...), "review rejected")
	if err := e.discardTree(ctx, reviewer, id, "review_rejected"); err != nil {
		return in, err
	}
	return e.intentOr(in), nil
}

func (e *Engine) decide(ctx context.Context, id, decision, reviewer, comment string) (domain.Intent, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	in, err := e.Repo.Intent(id)
	if err != nil {
		return in, err
	}
	rv, ok := e.Repo.Review(id)
	if !ok || !rv.Pending() {
		return in, domain.Error{Kind: domain.KindNotFound, IntentID: id, Msg: "no pending review"}
	}
	ev, err := e.append(ctx, reviewer, in, ledger.EventHumanReviewDecision, ledger.HumanReviewDecision{
		IntentID: id,
		Decision: decision,
		Reviewer: reviewer,
		Comment:  comment,
	})
	if err != nil {
		return in, err
	}
	e.Log.Info("human review decided",
		zap.String("intent_id", id),
		zap.String("decision", decision),
		zap.String("reviewer", reviewer),
		zap.Int64("seq", ev.Seq),
	)
	if decision != domain.DecisionApproved || in.State != domain.StateAwaitingReview {
		return in, nil
	}
	return e.promote(ctx, reviewer, in)
}

// promote merges an approved root into trunk and records the promotion. A
// root that conflicts with trunk is blocked behind a reactive sub-intent;
// review is requested again once it is back in success.
func (e *Engine) promote(ctx context.Context, actor string, in domain.Intent) (domain.Intent, error) {
	trunk := e.Config.Git.Trunk
	report, err := e.rebase(ctx, actor, in, trunk, ledger.PhasePost)
	if err != nil {
		return in, err
	}
	if report.Conflict() {
		err := e.blockOnConflict(ctx, actor, in, domain.StateMerged, trunk, report.ConflictFiles)
		return e.intentOr(in), err
	}
	attempt := ledger.GitMergeAttempted{
		IntentID:   in.ID,
		Source:     in.Branch,
		Target:     trunk,
		TargetKind: ledger.TargetTrunk,
	}
	commit, merr := e.Branches.Merge(ctx, in, "", trunk, true)
	if merr != nil {
		attempt.Status = ledger.StatusFailed
		attempt.Reason = merr.Error()
		if _, err := e.append(ctx, actor, in, ledger.EventGitMergeAttempted, attempt); err != nil {
			return in, err
		}
		var derr domain.Error
		if !errors.As(merr, &derr) {
			return in, merr
		}
		if derr.Kind == domain.KindRebaseConflict {
			return e.intentOr(in), e.blockOnConflict(ctx, actor, in, domain.StateMerged, trunk, derr.Paths)
		}
		return in, e.reject(ctx, actor, in, domain.StateMerged, derr)
	}
	attempt.Status = ledger.StatusSuccess
	attempt.Commit = commit
	if _, err := e.append(ctx, actor, in, ledger.EventGitMergeAttempted, attempt); err != nil {
		return in, err
	}
	if in, err = e.transition(ctx, actor, in, domain.StateMerged, "review_approved"); err != nil {
		return in, err
	}
	if _, err := e.append(ctx, actor, in, ledger.EventIntentPromoted, ledger.IntentPromoted{
		IntentID: in.ID,
		Branch:   in.Branch,
		Trunk:    trunk,
		Commit:   commit,
	}); err != nil {
		return in, err
	}
	return e.transition(ctx, actor, in, domain.StatePromoted, "promoted_to_trunk")
}

// Abandon stops an intent and its whole subtree: executions in flight are
// cancelled and every live intent is discarded with its own event.
func (e *Engine) Abandon(ctx context.Context, id, reason, actorID string) (domain.Intent, error) {
	actor := actorOr(actorID)
	in, err := e.Repo.Intent(id)
	if err != nil {
		return in, err
	}
	if domain.Settled(in.State) {
		return in, domain.Error{Kind: domain.KindInvalidTransition, IntentID: id, Msg: "intent is already " + string(in.State)}
	}
	if reason == "" {
		reason = "abandoned"
	}
	ev, err := e.append(ctx, actor, in, ledger.EventIntentAbandoned, ledger.IntentAbandoned{IntentID: id, Reason: reason, By: actor})
	if err != nil {
		return in, err
	}
	e.Log.Info("intent abandoned", zap.String("intent_id", id), zap.String("reason", reason), zap.Int64("seq", ev.Seq))
	e.halt(append([]string{id}, e.Repo.Descendants(id)...), reason)
	if err := e.discardTree(ctx, actor, id, "abandoned: "+reason); err != nil {
		return in, err
	}
	return e.intentOr(in), nil
}

// discardTree discards id and every live descendant, deepest last-created first.
func (e *Engine) discardTree(ctx context.Context, actor, id, reason string) error {
	ids := e.Repo.Descendants(id)
	for i := len(ids) - 1; i >= 0; i-- {
		if _, err := e.discard(ctx, actor, ids[i], reason); err != nil {
			return err
		}
	}
	_, err := e.discard(ctx, actor, id, reason)
	return err
}
