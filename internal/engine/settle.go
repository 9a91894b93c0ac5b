package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"holon/internal/branch"
	"holon/internal/domain"
	"holon/internal/ledger"
)

// Settle merges the successful children of parentID into its branch, best
// merge_value first, rebasing each onto the moving parent tip. A child that
// conflicts is blocked behind a reactive sub-intent instead of merging.
func (e *Engine) Settle(ctx context.Context, parentID, agentID string) error {
	e.locks.Lock(parentID)
	defer e.locks.Unlock(parentID)

	actor := actorOr(agentID)
	parent, err := e.Repo.Intent(parentID)
	if err != nil {
		return err
	}
	var merged []branch.Candidate
	for _, c := range e.Repo.Children(parentID) {
		if c.State == domain.StateMerged {
			merged = append(merged, e.candidate(c))
		}
	}
	skip := map[string]bool{}
	for {
		var pending []branch.Candidate
		for _, c := range e.Repo.Children(parentID) {
			if c.State == domain.StateSuccess && !skip[c.ID] {
				pending = append(pending, e.candidate(c))
			}
		}
		best, ok, err := e.Branches.NextMerge(ctx, parent.Branch, pending, merged)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		done, err := e.mergeChild(ctx, actor, parent, best)
		if err != nil {
			return err
		}
		if done {
			merged = append(merged, best.Candidate)
		} else {
			skip[best.IntentID] = true
		}
	}
}

func (e *Engine) candidate(c domain.Intent) branch.Candidate {
	cand := branch.Candidate{IntentID: c.ID, Branch: c.Branch}
	if last, ok := e.Repo.LastExecution(c.ID); ok && last.Done() {
		cand.ImpactActual = last.Actual.Impact
		cand.EntropyActual = last.Actual.Entropy
		cand.Paths = last.Paths
	}
	return cand
}

// mergeChild rebases and merges one child. It reports whether the child merged.
func (e *Engine) mergeChild(ctx context.Context, actor string, parent domain.Intent, best branch.Scored) (bool, error) {
	e.locks.Lock(best.IntentID)
	defer e.locks.Unlock(best.IntentID)

	child, err := e.Repo.Intent(best.IntentID)
	if err != nil {
		return false, err
	}
	if child.State != domain.StateSuccess {
		return false, nil
	}
	report, err := e.rebase(ctx, actor, child, parent.Branch, ledger.PhasePost)
	if err != nil {
		return false, err
	}
	if report.Conflict() {
		return false, outcome(e.blockOnConflict(ctx, actor, child, domain.StateMerged, parent.Branch, report.ConflictFiles))
	}

	attempt := ledger.GitMergeAttempted{
		IntentID:   child.ID,
		Source:     child.Branch,
		Target:     parent.Branch,
		TargetKind: ledger.TargetParent,
		MergeValue: best.MergeValue,
	}
	commit, merr := e.Branches.Merge(ctx, child, parent.Branch, parent.Branch, false)
	if merr != nil {
		attempt.Status = ledger.StatusFailed
		attempt.Reason = merr.Error()
		if _, err := e.append(ctx, actor, child, ledger.EventGitMergeAttempted, attempt); err != nil {
			return false, err
		}
		var derr domain.Error
		if errors.As(merr, &derr) && derr.Kind == domain.KindRebaseConflict {
			return false, outcome(e.blockOnConflict(ctx, actor, child, domain.StateMerged, parent.Branch, derr.Paths))
		}
		return false, merr
	}
	attempt.Status = ledger.StatusSuccess
	attempt.Commit = commit
	if _, err := e.append(ctx, actor, child, ledger.EventGitMergeAttempted, attempt); err != nil {
		return false, err
	}
	if _, err := e.transition(ctx, actor, child, domain.StateMerged, "merged_into_parent"); err != nil {
		return false, err
	}
	return true, nil
}

// bubble completes an executing parent once every child has settled. It
// succeeds only if its own steps succeeded and every non-reactive child merged,
// directly or through a retry.
func (e *Engine) bubble(ctx context.Context, id, agentID string) error {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	actor := actorOr(agentID)
	in, err := e.Repo.Intent(id)
	if err != nil {
		return err
	}
	if in.State != domain.StateExecuting {
		return nil
	}
	children := e.Repo.Children(id)
	for _, c := range children {
		if !domain.Settled(c.State) {
			return fmt.Errorf("intent %s still has child %s in state %s", id, c.ID, c.State)
		}
	}
	last, ok := e.Repo.LastExecution(id)
	if !ok || !last.Done() {
		reason := "execution interrupted"
		if in, err = e.transition(ctx, actor, in, domain.StateFailure, reason); err != nil {
			return err
		}
		return e.afterFailure(ctx, actor, in, false, reason)
	}
	var unmerged []string
	for _, c := range children {
		if !c.Reactive && !resolved(c, children) {
			unmerged = append(unmerged, c.ID)
		}
	}
	if last.Status == ledger.StatusSuccess && len(unmerged) == 0 {
		_, err := e.transition(ctx, actor, in, domain.StateSuccess, "sub_intents_merged")
		return err
	}
	reason := "own steps failed"
	if len(unmerged) > 0 {
		reason = "sub-intents not merged: " + strings.Join(unmerged, ", ")
	}
	if in, err = e.transition(ctx, actor, in, domain.StateFailure, reason); err != nil {
		return err
	}
	return e.afterFailure(ctx, actor, in, false, reason)
}

// resolved reports whether c merged, or a retry of it did.
func resolved(c domain.Intent, siblings []domain.Intent) bool {
	if c.State == domain.StateMerged {
		return true
	}
	for _, s := range siblings {
		if s.RetryOf == c.ID && resolved(s, siblings) {
			return true
		}
	}
	return false
}

// outcome drops errors that only report a decision already recorded in the
// ledger, so one intent's rejection never aborts its siblings.
func outcome(err error) error {
	var derr domain.Error
	if errors.As(err, &derr) && derr.Kind != domain.KindLedgerConsistency && derr.Kind != domain.KindNotFound {
		return nil
	}
	return err
}
