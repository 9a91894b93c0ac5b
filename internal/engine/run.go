package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"holon/internal/domain"
)

// Run drives an intent from wherever it is until it succeeds or settles:
// dispatch, plan, execute, then settle and complete its sub-intents, which run
// concurrently. A root stops at success; RequestReview takes it from there.
func (e *Engine) Run(ctx context.Context, id, agentID, model string) (domain.Intent, error) {
	actor := actorOr(agentID)
	for {
		if err := ctx.Err(); err != nil {
			return domain.Intent{}, err
		}
		in, err := e.Repo.Intent(id)
		if err != nil {
			return in, err
		}
		if reason, halted := e.stopped(in); halted {
			return e.discard(ctx, actor, id, reason)
		}
		switch in.State {
		case domain.StateProposed:
			_, err = e.Dispatch(ctx, id, actor)
		case domain.StatePlanning:
			if _, err = e.Plan(ctx, id, actor, model); outcome(err) == nil && err != nil {
				e.Log.Warn("planning failed", zap.String("intent_id", id), zap.Error(err))
				if _, derr := e.discard(ctx, actor, id, "planning_failed"); derr != nil {
					return in, derr
				}
			}
		case domain.StateReady:
			_, err = e.Execute(ctx, id, actor, model, "")
			if errors.Is(err, domain.ErrTrustInsufficient) {
				if _, derr := e.discard(ctx, actor, id, string(domain.KindTrustInsufficient)); derr != nil {
					return in, derr
				}
			}
		case domain.StateExecuting:
			err = e.complete(ctx, id, actor, model)
		case domain.StateBlocked:
			err = e.unblock(ctx, id, actor, model)
		default:
			return in, nil
		}
		if err := outcome(err); err != nil {
			return e.intentOr(in), err
		}
	}
}

// stopped reports whether in or an ancestor was abandoned or discarded while
// in was still live.
func (e *Engine) stopped(in domain.Intent) (string, bool) {
	if domain.Settled(in.State) {
		return "", false
	}
	if reason, ok := e.haltReason(in.ID); ok {
		return reason, true
	}
	if a, ok := e.Repo.Abandoned(in.ID); ok {
		return "abandoned: " + a.Reason, true
	}
	for _, id := range e.Repo.Ancestors(in.ID) {
		anc, err := e.Repo.Intent(id)
		if err != nil {
			continue
		}
		if anc.State == domain.StateDiscarded {
			return "ancestor " + id + " discarded", true
		}
		if a, ok := e.Repo.Abandoned(id); ok {
			return "abandoned: " + a.Reason, true
		}
	}
	return "", false
}

// discard moves a live intent to discarded. Settled intents are left alone.
func (e *Engine) discard(ctx context.Context, actor, id, reason string) (domain.Intent, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)
	in, err := e.Repo.Intent(id)
	if err != nil {
		return in, err
	}
	if domain.Settled(in.State) {
		return in, nil
	}
	return e.transition(ctx, actor, in, domain.StateDiscarded, reason)
}

// complete runs the sub-intents of an executing intent until none can make
// progress, settles them, and then completes the intent itself.
func (e *Engine) complete(ctx context.Context, id, actor, model string) error {
	if err := e.drive(ctx, id, actor, model); err != nil {
		return err
	}
	return e.bubble(ctx, id, actor)
}

// unblock resolves a conflict-blocked intent through its reactive sub-intents.
// An intent blocked for any other reason has no way forward and is discarded.
func (e *Engine) unblock(ctx context.Context, id, actor, model string) error {
	rejections := e.Repo.Rejections(id)
	if len(rejections) == 0 || rejections[len(rejections)-1].Kind != domain.KindRebaseConflict {
		reason := "blocked"
		if n := len(rejections); n > 0 {
			reason = string(rejections[n-1].Kind)
		}
		_, err := e.discard(ctx, actor, id, reason)
		return err
	}
	if err := e.drive(ctx, id, actor, model); err != nil {
		return err
	}

	e.locks.Lock(id)
	defer e.locks.Unlock(id)
	in, err := e.Repo.Intent(id)
	if err != nil || in.State != domain.StateBlocked {
		return err
	}
	to := domain.StateReady
	if last, ok := e.Repo.LastExecution(id); ok && last.Done() && last.Status == "success" {
		to = domain.StateSuccess
	}
	_, err = e.transition(ctx, actor, in, to, "conflict_resolved")
	return err
}

// drive runs live children of id concurrently and settles them, repeating
// while settling leaves work behind.
func (e *Engine) drive(ctx context.Context, id, actor, model string) error {
	for {
		if live := e.liveChildren(id); len(live) > 0 {
			if err := e.runAll(ctx, live, actor, model); err != nil {
				return err
			}
			continue
		}
		if err := e.Settle(ctx, id, actor); err != nil {
			return err
		}
		if len(e.liveChildren(id)) == 0 {
			return nil
		}
	}
}

func (e *Engine) liveChildren(id string) []string {
	var out []string
	for _, c := range e.Repo.Children(id) {
		switch c.State {
		case domain.StateProposed, domain.StatePlanning, domain.StateReady, domain.StateBlocked, domain.StateExecuting:
			out = append(out, c.ID)
		}
	}
	return out
}

func (e *Engine) runAll(ctx context.Context, ids []string, actor, model string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := e.Run(gctx, id, actor, model)
			return outcome(err)
		})
	}
	return g.Wait()
}
