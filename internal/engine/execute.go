package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"holon/internal/agent"
	"holon/internal/branch"
	"holon/internal/domain"
	"holon/internal/ledger"
	"holon/internal/repo"
)

// Execute runs the selected plan of a ready intent with the agent's executor.
// Budget and trust are checked and the branch rebased before anything starts;
// a rejection at that point leaves no execution_started behind.
func (e *Engine) Execute(ctx context.Context, id, agentID, model, action string) (repo.Execution, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	actor := actorOr(agentID)
	in, err := e.Repo.Intent(id)
	if err != nil {
		return repo.Execution{}, err
	}
	if in.State != domain.StateReady {
		return repo.Execution{}, e.reject(ctx, actor, in, domain.StateExecuting, domain.Errorf(domain.KindInvalidTransition, "intent is %s, not ready", in.State))
	}
	plan, ok := e.Repo.SelectedPlan(id)
	if !ok {
		return repo.Execution{}, e.reject(ctx, actor, in, domain.StateExecuting, domain.Errorf(domain.KindInvalidTransition, "no plan selected"))
	}
	graph, err := plan.ParseGraph()
	if err != nil {
		return repo.Execution{}, domain.Errorf(domain.KindInvalidSpec, "plan %s: %v", plan.PlanID, err)
	}
	composite := len(graph.SubIntents) > 0
	runsSteps := !composite || len(graph.Steps) > 0

	if err := e.Budget.CheckExecution(in, plan, actor); err != nil {
		var derr domain.Error
		if !errors.As(err, &derr) {
			return repo.Execution{}, err
		}
		rerr := e.reject(ctx, actor, in, domain.StateExecuting, derr)
		if derr.Kind == domain.KindBudgetExhausted {
			if _, err := e.transition(ctx, actor, in, domain.StateBlocked, string(derr.Kind)); err != nil {
				return repo.Execution{}, err
			}
		}
		return repo.Execution{}, rerr
	}

	var executor agent.Executor
	if runsSteps {
		if executor, err = e.Agents.Executor(actor); err != nil {
			return repo.Execution{}, err
		}
	}

	base := e.baseBranch(in)
	report, err := e.rebase(ctx, actor, in, base, ledger.PhasePre)
	if err != nil {
		return repo.Execution{}, err
	}
	if report.Conflict() {
		return repo.Execution{}, e.blockOnConflict(ctx, actor, in, domain.StateExecuting, base, report.ConflictFiles)
	}

	timeout := e.Config.Execution.Timeout.Duration
	if in.Constraints.TimeBudget > 0 {
		timeout = time.Duration(in.Constraints.TimeBudget) * time.Second
	}
	workdir, err := e.Branches.VCS.Workdir(ctx, in.Branch)
	if err != nil {
		return repo.Execution{}, err
	}
	sb := agent.Sandbox{
		Workdir: workdir,
		Branch:  in.Branch,
		Base:    base,
		Scope:   in.Scope,
		Timeout: timeout,
		Action:  action,
		Model:   model,
	}
	if _, err := e.append(ctx, actor, in, ledger.EventExecutionStarted, ledger.ExecutionStarted{
		IntentID: id,
		PlanID:   plan.PlanID,
		Action:   action,
		Model:    model,
		Sandbox:  workdir,
		Timeout:  timeout.String(),
	}); err != nil {
		return repo.Execution{}, err
	}
	if in, err = e.transition(ctx, actor, in, domain.StateExecuting, "execution_started"); err != nil {
		return repo.Execution{}, err
	}

	out := agent.Outcome{Success: true}
	var runErr error
	if runsSteps {
		out, runErr = e.runExecutor(ctx, executor, in, plan, sb)
	}
	if reason, halted := e.haltReason(id); halted {
		in = e.intentOr(in)
		if !domain.Settled(in.State) {
			if _, err := e.transition(ctx, actor, in, domain.StateDiscarded, reason); err != nil {
				return repo.Execution{}, err
			}
		}
		return repo.Execution{}, domain.Error{Kind: domain.KindExecutionFailure, IntentID: id, Msg: "execution cancelled: " + reason}
	}
	// A caller that gave up still gets a closed execution; the rest is
	// recorded on a context that outlives it.
	interrupted := runErr != nil && ctx.Err() != nil
	if interrupted {
		runErr = fmt.Errorf("execution interrupted: %w", ctx.Err())
		ctx = context.WithoutCancel(ctx)
	}

	success := runErr == nil && out.Success && !out.Violation
	violation := out.Violation
	reason := out.Reason
	if runErr != nil {
		reason = runErr.Error()
	}
	actual, paths := e.measure(ctx, in, base, plan, out, success)
	if p, bad := outOfScope(in.Scope, paths); bad {
		success, violation = false, true
		reason = fmt.Sprintf("path %s is outside the intent scope", p)
		actual.PSuccess, actual.Impact = 0, 0
	}
	if !success && reason == "" {
		reason = "executor reported failure"
	}

	shortfalls := e.Budget.Overspend(id, actual.Entropy)
	for _, s := range shortfalls {
		if _, err := e.append(ctx, actor, in, ledger.EventBudgetOverride, ledger.BudgetOverride{
			IntentID: s.IntentID,
			Entropy:  s.Amount,
			Reason:   fmt.Sprintf("actual entropy of %s exceeded the allocation", id),
		}); err != nil {
			return repo.Execution{}, err
		}
	}

	status := ledger.StatusSuccess
	if !success {
		status = ledger.StatusFailure
	}
	completed := ledger.ExecutionCompleted{
		IntentID:  id,
		PlanID:    plan.PlanID,
		Status:    status,
		Actual:    actual,
		Violation: violation,
		Artifacts: out.Artifacts,
		Paths:     paths,
		CreatedBy: actor,
	}
	if !success {
		completed.FailureReason = reason
	}
	done, err := e.append(ctx, actor, in, ledger.EventExecutionCompleted, completed)
	if err != nil {
		return repo.Execution{}, err
	}
	e.Log.Info("execution completed",
		zap.String("intent_id", id),
		zap.String("plan_id", plan.PlanID),
		zap.String("status", status),
		zap.Float64("entropy", actual.Entropy),
		zap.Int64("seq", done.Seq),
	)
	exec, _ := e.Repo.LastExecution(id)

	if runsSteps && !interrupted {
		if err := e.recordTrust(ctx, actor, plan.Predicted.PSuccess, success, violation); err != nil {
			return exec, err
		}
		e.curate(ctx, agent.KBEntry{
			IntentID:  id,
			Goal:      in.Goal,
			PlanID:    plan.PlanID,
			AgentID:   actor,
			Status:    status,
			Predicted: plan.Predicted,
			Actual:    actual,
			Reason:    completed.FailureReason,
		})
	}

	if !success {
		if in, err = e.transition(ctx, actor, in, domain.StateFailure, reason); err != nil {
			return exec, err
		}
		kind := domain.KindExecutionFailure
		if violation {
			kind = domain.KindSandboxViolation
		}
		if err := e.afterFailure(ctx, actor, in, violation, reason); err != nil {
			return exec, err
		}
		return exec, domain.Error{Kind: kind, IntentID: id, Seq: done.Seq, Msg: reason}
	}
	if len(shortfalls) > 0 {
		if err := e.forceReview(ctx, actor, in, "budget_override"); err != nil {
			return exec, err
		}
	}
	if composite {
		// The intent stays executing until its sub-intents settle.
		err := e.spawnSubIntents(ctx, plan, in, graph)
		var derr domain.Error
		if !errors.As(err, &derr) || derr.Kind != domain.KindInvalidSpec {
			return exec, err
		}
		if in, err = e.transition(ctx, actor, in, domain.StateFailure, derr.Msg); err != nil {
			return exec, err
		}
		if err := e.afterFailure(ctx, actor, in, false, derr.Msg); err != nil {
			return exec, err
		}
		derr.Kind = domain.KindExecutionFailure
		derr.IntentID = id
		return exec, derr
	}
	_, err = e.transition(ctx, actor, in, domain.StateSuccess, "execution_succeeded")
	return exec, err
}

func (e *Engine) runExecutor(ctx context.Context, executor agent.Executor, in domain.Intent, plan domain.PlanVariant, sb agent.Sandbox) (agent.Outcome, error) {
	ectx, cancel := context.WithTimeout(ctx, sb.Timeout)
	defer cancel()
	e.mu.Lock()
	e.inflight[in.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, in.ID)
		e.mu.Unlock()
	}()

	out, err := executor.Execute(ectx, in, plan, sb)
	if err == nil && ectx.Err() != nil {
		err = ectx.Err()
	}
	if err != nil && errors.Is(ectx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return agent.Outcome{}, fmt.Errorf("execution timed out after %s", sb.Timeout)
	}
	return out, err
}

func (e *Engine) haltReason(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.halted[id]
	return reason, ok
}

// halt marks ids as abandoned and cancels any execution in flight for them.
func (e *Engine) halt(ids []string, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.halted[id] = reason
		if cancel := e.inflight[id]; cancel != nil {
			cancel()
		}
	}
}

func (e *Engine) recordTrust(ctx context.Context, agentID string, predictedP float64, success, violation bool) error {
	prev := e.Budget.TrustOf(agentID)
	next := e.Budget.Recompute(prev, predictedP, success, violation)
	next.AgentID = agentID
	return e.appendTrust(ctx, prev, next, "execution")
}

func (e *Engine) appendTrust(ctx context.Context, prev, next domain.TrustState, reason string) error {
	ev, err := e.Ledger.Append(ctx, ledger.Record{
		Type:    ledger.EventAgentTrustChanged,
		AgentID: SystemAgent,
		Payload: ledger.AgentTrustChanged{
			AgentID:   next.AgentID,
			FromLevel: prev.Level,
			ToLevel:   next.Level,
			FromScore: prev.Score,
			ToScore:   next.Score,
			Reason:    reason,
			State:     next,
		},
	})
	if err != nil {
		return err
	}
	if prev.Level != next.Level {
		e.Log.Info("agent trust level changed",
			zap.String("agent_id", next.AgentID),
			zap.String("from", prev.Level),
			zap.String("to", next.Level),
			zap.String("reason", reason),
			zap.Int64("seq", ev.Seq),
		)
	}
	return nil
}

func (e *Engine) curate(ctx context.Context, entry agent.KBEntry) {
	c := e.Agents.Curator()
	if c == nil {
		return
	}
	if err := c.ProposeKBEntry(ctx, entry); err != nil {
		e.Log.Warn("curator rejected entry", zap.String("intent_id", entry.IntentID), zap.Error(err))
	}
}

// afterFailure discards a failed intent. Violations go straight to review;
// other failures are retried by a diagnostic sibling until the retry cap.
func (e *Engine) afterFailure(ctx context.Context, actor string, in domain.Intent, violation bool, reason string) error {
	in, err := e.transition(ctx, actor, in, domain.StateDiscarded, reason)
	if err != nil {
		return err
	}
	if violation {
		return e.forceReview(ctx, actor, in, "sandbox_violation")
	}
	if in.Attempt < e.Config.Execution.RetryCap {
		_, err := e.CreateIntent(ctx, IntentCreateOptions{
			ID:          reactiveID(in.ID, domain.ReactiveDiagnostic, in.Attempt+1),
			ParentID:    in.Parent(),
			Goal:        in.Goal,
			Constraints: in.Constraints,
			Scope:       in.Scope,
			ActorID:     in.CreatedBy,
			Reactive:    true,
			ReactiveFor: domain.ReactiveDiagnostic,
			RetryOf:     in.ID,
			Attempt:     in.Attempt + 1,
		})
		var derr domain.Error
		if errors.As(err, &derr) && derr.Kind == domain.KindInvalidSpec {
			// the parent settled meanwhile
			e.Log.Info("diagnostic retry skipped", zap.String("intent_id", in.ID), zap.Error(err))
			return nil
		}
		return err
	}

	creator := in.CreatedBy
	prev := e.Budget.TrustOf(creator)
	if err := e.appendTrust(ctx, prev, e.Budget.Downgrade(prev), "retry_cap"); err != nil {
		return err
	}
	return e.forceReview(ctx, actor, in, "retry_cap")
}

// forceReview asks a human to look at the tree of in without changing any state.
func (e *Engine) forceReview(ctx context.Context, actor string, in domain.Intent, reason string) error {
	root, err := e.Repo.Intent(e.Repo.Root(in.ID))
	if err != nil {
		return err
	}
	pkg := e.reviewPackage(ctx, root, reason)
	if root.ID != in.ID {
		pkg.DiffSummary = append(pkg.DiffSummary, "triggered by "+in.ID)
	}
	_, err = e.append(ctx, actor, root, ledger.EventHumanReviewRequested, ledger.HumanReviewRequested{IntentID: root.ID, Package: pkg})
	return err
}

func (e *Engine) spawnSubIntents(ctx context.Context, plan domain.PlanVariant, in domain.Intent, graph domain.PlanGraph) error {
	for i, sub := range graph.SubIntents {
		id := sub.ID
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%d", in.ID, plan.PlanID, i))).String()
		}
		if existing, err := e.Repo.Intent(id); err == nil && existing.Parent() == in.ID {
			continue
		}
		constraints := sub.Constraints
		if constraints.TrustRequired == "" {
			constraints.TrustRequired = in.Constraints.TrustRequired
		}
		scope := sub.Scope
		if len(scope.AllowedPaths) == 0 && len(scope.ForbiddenPaths) == 0 {
			scope = in.Scope
		}
		if _, err := e.CreateIntent(ctx, IntentCreateOptions{
			ID:          id,
			ParentID:    in.ID,
			Goal:        sub.Goal,
			Constraints: constraints,
			Scope:       scope,
			ActorID:     plan.CreatedBy,
		}); err != nil {
			return err
		}
	}
	return nil
}

// rebase records a rebase of in onto onto around the controller call.
func (e *Engine) rebase(ctx context.Context, actor string, in domain.Intent, onto, phase string) (branch.RebaseReport, error) {
	if _, err := e.append(ctx, actor, in, ledger.EventGitRebaseStarted, ledger.GitRebaseStarted{
		IntentID: in.ID,
		Branch:   in.Branch,
		Onto:     onto,
		Phase:    phase,
	}); err != nil {
		return branch.RebaseReport{}, err
	}
	done := ledger.GitRebaseCompleted{IntentID: in.ID, Branch: in.Branch, Onto: onto, Phase: phase}
	report, rerr := e.Branches.Rebase(ctx, in.Branch, onto)
	if rerr != nil {
		done.Status = ledger.StatusFailed
		done.Error = rerr.Error()
	} else {
		done.Status = report.Status
		done.Strategy = report.Strategy
		done.ConflictFiles = report.ConflictFiles
		done.Head = report.Head
	}
	if _, err := e.append(ctx, actor, in, ledger.EventGitRebaseCompleted, done); err != nil {
		return report, err
	}
	return report, rerr
}

// blockOnConflict blocks in behind a reactive sub-intent that resolves the
// conflicting files. Past the retry cap the intent is discarded instead.
func (e *Engine) blockOnConflict(ctx context.Context, actor string, in domain.Intent, to domain.IntentState, onto string, files []string) error {
	rerr := e.reject(ctx, actor, in, to, domain.Error{
		Kind:  domain.KindRebaseConflict,
		Msg:   fmt.Sprintf("%s conflicts with %s", in.Branch, onto),
		Paths: files,
	})
	n := 0
	for _, c := range e.Repo.Children(in.ID) {
		if c.ReactiveFor == domain.ReactiveConflict {
			n++
		}
	}
	if n >= max(1, e.Config.Execution.RetryCap) {
		if _, err := e.transition(ctx, actor, in, domain.StateDiscarded, "conflict_unresolved"); err != nil {
			return err
		}
		return rerr
	}
	in, err := e.transition(ctx, actor, in, domain.StateBlocked, string(domain.KindRebaseConflict))
	if err != nil {
		return err
	}
	if _, err := e.CreateIntent(ctx, IntentCreateOptions{
		ID:          reactiveID(in.ID, domain.ReactiveConflict, n+1),
		ParentID:    in.ID,
		Goal:        fmt.Sprintf("Resolve conflicts between %s and %s", in.Branch, onto),
		Constraints: domain.Constraints{TrustRequired: in.Constraints.TrustRequired},
		Scope:       domain.Scope{AllowedPaths: files},
		ActorID:     SystemAgent,
		Reactive:    true,
		ReactiveFor: domain.ReactiveConflict,
	}); err != nil {
		return err
	}
	return rerr
}
