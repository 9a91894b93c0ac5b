// Package engine drives intents through their lifecycle: dispatch, planning,
// execution, merging and review. Every decision is appended to the ledger
// before it takes effect; the read model is only ever a fold of those events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"holon/internal/agent"
	"holon/internal/branch"
	"holon/internal/budget"
	"holon/internal/config"
	"holon/internal/convergence"
	"holon/internal/domain"
	"holon/internal/ledger"
	"holon/internal/planning"
	"holon/internal/repo"
	"holon/internal/syncx"
)

// SystemAgent is recorded as the actor of decisions the engine takes on its own.
const SystemAgent = "holon"

type Engine struct {
	Ledger   *ledger.Ledger
	Repo     *repo.Repo
	Config   *config.Config
	Agents   *agent.Registry
	Branches *branch.Controller
	Budget   budget.Manager
	Planning planning.Generator
	Eval     convergence.Evaluator
	Log      *zap.Logger
	Now      func() time.Time

	locks *syncx.KeyedMutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	halted   map[string]string
}

// New wires an engine over an open ledger. The repo is subscribed to the
// ledger so it reflects every append before Append returns.
func New(l *ledger.Ledger, r *repo.Repo, cfg *config.Config, agents *agent.Registry, vcs branch.VCS, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if agents == nil {
		agents = agent.NewRegistry()
	}
	l.Observe(r.Apply)
	log = log.Named("engine")
	return &Engine{
		Ledger: l,
		Repo:   r,
		Config: cfg,
		Agents: agents,
		Branches: branch.NewController(vcs, cfg.Git.Trunk, cfg.Git.BranchPrefix, cfg.Git.Strategies,
			branch.Weights{Conflict: cfg.Merge.ConflictWeight, Redundancy: cfg.Merge.RedundancyWeight}, log),
		Budget:   budget.New(cfg, r),
		Planning: planning.Generator{Ledger: l, Repo: r, Lambda: cfg.Convergence.Lambda, Log: log.Named("planning")},
		Eval:     convergence.New(convergence.FromConfig(cfg.Convergence)),
		Log:      log,
		Now:      time.Now,
		locks:    &syncx.KeyedMutex{},
		inflight: map[string]context.CancelFunc{},
		halted:   map[string]string{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func actorOr(actor string) string {
	if actor == "" {
		return SystemAgent
	}
	return actor
}

// IntentCreateOptions are parameters for creating an intent. The same shape is
// read from intent spec files.
type IntentCreateOptions struct {
	ID          string             `json:"intent_id,omitempty" yaml:"intent_id"`
	ParentID    string             `json:"parent_id,omitempty" yaml:"parent_id"`
	Goal        string             `json:"goal" yaml:"goal"`
	Constraints domain.Constraints `json:"constraints" yaml:"constraints"`
	Scope       domain.Scope       `json:"scope" yaml:"scope"`
	ActorID     string             `json:"-" yaml:"-"`

	Reactive    bool   `json:"-" yaml:"-"`
	ReactiveFor string `json:"-" yaml:"-"`
	RetryOf     string `json:"-" yaml:"-"`
	Attempt     int    `json:"-" yaml:"-"`
}

// CreateIntent validates opts and records intent_created. Nothing is written
// when validation fails.
func (e *Engine) CreateIntent(ctx context.Context, opts IntentCreateOptions) (domain.Intent, error) {
	if strings.TrimSpace(opts.Goal) == "" {
		return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "goal is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ParentID+"|"+opts.Goal+"|"+e.now().UTC().Format(time.RFC3339Nano))).String()
	}
	if err := domain.ValidateIntentID(id); err != nil {
		return domain.Intent{}, err
	}
	if err := domain.ValidateConstraints(opts.Constraints); err != nil {
		return domain.Intent{}, err
	}
	if err := domain.ValidateScope(opts.Scope); err != nil {
		return domain.Intent{}, err
	}
	if req := opts.Constraints.TrustRequired; req != "" && e.Budget.TierRank(req) < 0 {
		return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "constraints.trust_required %q is not a configured tier", req)
	}
	if e.Repo.HasIntent(id) {
		return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "intent %s already exists", id)
	}

	lineage := []string{id}
	var parentID *string
	if opts.ParentID != "" {
		parent, err := e.Repo.Intent(opts.ParentID)
		if err != nil {
			return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "parent %s does not exist", opts.ParentID)
		}
		if domain.Settled(parent.State) {
			return domain.Intent{}, domain.Errorf(domain.KindInvalidSpec, "parent %s is %s", parent.ID, parent.State)
		}
		ancestors := e.Repo.Ancestors(parent.ID)
		lineage = make([]string, 0, len(ancestors)+2)
		for i := len(ancestors) - 1; i >= 0; i-- {
			lineage = append(lineage, ancestors[i])
		}
		lineage = append(lineage, parent.ID, id)
		p := parent.ID
		parentID = &p
	}

	in := domain.Intent{
		ID:          id,
		ParentID:    parentID,
		Goal:        opts.Goal,
		Constraints: opts.Constraints,
		Scope:       opts.Scope,
		State:       domain.StateProposed,
		Branch:      e.Branches.Name(lineage),
		CreatedBy:   actorOr(opts.ActorID),
		Reactive:    opts.Reactive,
		ReactiveFor: opts.ReactiveFor,
		RetryOf:     opts.RetryOf,
		Attempt:     opts.Attempt,
		CreatedAt:   e.now().UTC(),
	}
	ev, err := e.append(ctx, in.CreatedBy, in, ledger.EventIntentCreated, in)
	if err != nil {
		return domain.Intent{}, err
	}
	e.Log.Info("intent created",
		zap.String("intent_id", id),
		zap.String("parent_id", in.Parent()),
		zap.String("branch", in.Branch),
		zap.Int64("seq", ev.Seq),
	)
	return e.Repo.Intent(id)
}

// Dispatch moves a proposed intent into planning: its budget is allocated and
// its branch forked from the parent tip (or trunk for roots).
func (e *Engine) Dispatch(ctx context.Context, id, agentID string) (domain.Intent, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	in, err := e.Repo.Intent(id)
	if err != nil {
		return in, err
	}
	actor := actorOr(agentID)
	if in.State != domain.StateProposed {
		return in, e.reject(ctx, actor, in, domain.StatePlanning, domain.Errorf(domain.KindInvalidTransition, "intent is %s, not proposed", in.State))
	}
	alloc, err := e.Budget.Allocate(in, in.CreatedBy)
	if err != nil {
		var derr domain.Error
		if !errors.As(err, &derr) {
			return in, err
		}
		rerr := e.reject(ctx, actor, in, domain.StatePlanning, derr)
		if _, terr := e.transition(ctx, actor, in, domain.StateDiscarded, string(derr.Kind)); terr != nil {
			return in, terr
		}
		return e.intentOr(in), rerr
	}
	if err := e.Branches.EnsureBranch(ctx, in.Branch, e.baseBranch(in)); err != nil {
		return in, err
	}
	if _, err := e.append(ctx, actor, in, ledger.EventBudgetAllocated, ledger.BudgetAllocated{
		IntentID: in.ID,
		ParentID: alloc.ParentID,
		Entropy:  alloc.Entropy,
		Cost:     alloc.Cost,
		Fraction: alloc.Fraction,
		Tier:     alloc.Tier,
	}); err != nil {
		return in, err
	}
	return e.transition(ctx, actor, in, domain.StatePlanning, "dispatched")
}

// baseBranch is the branch an intent forks from and rebases onto.
func (e *Engine) baseBranch(in domain.Intent) string {
	if in.IsRoot() {
		return e.Config.Git.Trunk
	}
	parent, err := e.Repo.Intent(in.Parent())
	if err != nil {
		return e.Config.Git.Trunk
	}
	return parent.Branch
}

func (e *Engine) intentOr(in domain.Intent) domain.Intent {
	if cur, err := e.Repo.Intent(in.ID); err == nil {
		return cur
	}
	return in
}

// append records one event attributed to actor, with the intent's branch as git context.
func (e *Engine) append(ctx context.Context, actor string, in domain.Intent, typ ledger.EventType, payload any) (ledger.Event, error) {
	ev, err := e.Ledger.Append(ctx, ledger.Record{
		Type:    typ,
		AgentID: actorOr(actor),
		Git:     e.gitContext(ctx, in.Branch),
		Payload: payload,
	})
	if err != nil {
		e.Log.Error("ledger append failed",
			zap.String("event_type", string(typ)),
			zap.String("intent_id", in.ID),
			zap.Error(err),
		)
		return ev, err
	}
	return ev, nil
}

// gitContext ties an event to the branch tip it was decided on. A branch
// that does not exist yet has no head.
func (e *Engine) gitContext(ctx context.Context, branch string) ledger.GitContext {
	gc := ledger.GitContext{Branch: branch}
	if branch == "" {
		return gc
	}
	if head, err := e.Branches.VCS.Head(ctx, branch); err == nil {
		gc.Head = head
	}
	if dirty, err := e.Branches.VCS.Dirty(ctx, branch); err == nil {
		gc.Dirty = dirty
	} else {
		e.Log.Debug("dirty check failed", zap.String("branch", branch), zap.Error(err))
	}
	return gc
}

// transition records intent_state_changed after checking the transition table.
// An illegal transition is itself recorded as transition_rejected.
func (e *Engine) transition(ctx context.Context, actor string, in domain.Intent, to domain.IntentState, reason string) (domain.Intent, error) {
	if err := domain.ValidateTransition(in.State, to, in.IsRoot()); err != nil {
		return in, e.reject(ctx, actor, in, to, domain.Errorf(domain.KindInvalidTransition, "%v", err))
	}
	ev, err := e.append(ctx, actor, in, ledger.EventIntentStateChanged, ledger.IntentStateChanged{
		IntentID: in.ID,
		From:     in.State,
		To:       to,
		Reason:   reason,
	})
	if err != nil {
		return in, err
	}
	e.Log.Debug("intent state changed",
		zap.String("intent_id", in.ID),
		zap.String("from", string(in.State)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Int64("seq", ev.Seq),
	)
	in.State = to
	return e.intentOr(in), nil
}

// reject records transition_rejected and returns derr carrying its seq.
func (e *Engine) reject(ctx context.Context, actor string, in domain.Intent, to domain.IntentState, derr domain.Error) error {
	derr.IntentID = in.ID
	ev, err := e.append(ctx, actor, in, ledger.EventTransitionRejected, ledger.TransitionRejected{
		IntentID: in.ID,
		From:     in.State,
		To:       to,
		Kind:     derr.Kind,
		Reason:   derr.Msg,
	})
	if err != nil {
		return errors.Join(derr, err)
	}
	derr.Seq = ev.Seq
	e.Log.Warn("transition rejected",
		zap.String("intent_id", in.ID),
		zap.String("kind", string(derr.Kind)),
		zap.String("to", string(to)),
		zap.String("reason", derr.Msg),
		zap.Int64("seq", ev.Seq),
	)
	return derr
}

func (e *Engine) requireState(in domain.Intent, want domain.IntentState) error {
	if in.State != want {
		return domain.Error{Kind: domain.KindInvalidTransition, IntentID: in.ID, Msg: fmt.Sprintf("intent is %s, not %s", in.State, want)}
	}
	return nil
}

// reactiveID derives a stable id for the n-th reactive intent of kind under id.
func reactiveID(id, kind string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%d", id, kind, n))).String()
}
