package engine_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"holon/internal/agent"
	"holon/internal/branch/branchtest"
	"holon/internal/config"
	"holon/internal/convergence"
	"holon/internal/domain"
	"holon/internal/engine"
	"holon/internal/ledger"
	"holon/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const agentID = "agent-1"

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

// planner returns the scripted proposals for an intent once, then nothing,
// which forces selection of the best variant.
type planner struct {
	mu    sync.Mutex
	plans map[string][]agent.Proposal
	calls map[string]int
}

func (p *planner) GenerateVariants(_ context.Context, in domain.Intent, _ agent.Retrieval) ([]agent.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[in.ID]++
	if p.calls[in.ID] > 1 {
		return nil, nil
	}
	if props, ok := p.plans[in.ID]; ok {
		return props, nil
	}
	return []agent.Proposal{leaf(domain.Metrics{PSuccess: 0.8, Entropy: 2, Impact: 5, Cost: 1})}, nil
}

type executor struct {
	vcs *branchtest.Repo
	mu  sync.Mutex
	run func(ctx context.Context, in domain.Intent, sb agent.Sandbox) (agent.Outcome, error)
}

func (x *executor) Execute(ctx context.Context, in domain.Intent, _ domain.PlanVariant, sb agent.Sandbox) (agent.Outcome, error) {
	x.mu.Lock()
	run := x.run
	x.mu.Unlock()
	if run != nil {
		return run(ctx, in, sb)
	}
	if _, err := x.vcs.Commit(sb.Branch, map[string]string{in.ID + ".txt": in.Goal + "\n"}); err != nil {
		return agent.Outcome{}, err
	}
	return agent.Outcome{Success: true}, nil
}

func (x *executor) set(run func(ctx context.Context, in domain.Intent, sb agent.Sandbox) (agent.Outcome, error)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.run = run
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	eng     *engine.Engine
	ledger  *ledger.Ledger
	repo    *repo.Repo
	vcs     *branchtest.Repo
	planner *planner
	exec    *executor
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default("test")
	for _, fn := range mutate {
		fn(cfg)
	}
	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), step: time.Millisecond}
	backend, err := ledger.OpenFile(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	l, err := ledger.Open(ctx, backend, ledger.Options{Trunk: cfg.Git.Trunk, RunID: "run-test", Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	vcs := branchtest.New(cfg.Git.Trunk)
	_, err = vcs.Commit(cfg.Git.Trunk, map[string]string{"README.md": "holon\n"})
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     ctx,
		ledger:  l,
		repo:    repo.New(),
		vcs:     vcs,
		planner: &planner{plans: map[string][]agent.Proposal{}, calls: map[string]int{}},
		exec:    &executor{vcs: vcs},
	}
	agents := agent.NewRegistry()
	agents.RegisterPlanner(agent.Wildcard, h.planner)
	agents.RegisterExecutor(agent.Wildcard, h.exec)
	h.eng = engine.New(l, h.repo, cfg, agents, vcs, zaptest.NewLogger(t))
	start := clock.Now()
	h.eng.Now = func() time.Time { return start }
	return h
}

func leaf(m domain.Metrics) agent.Proposal {
	return agent.Proposal{PlanGraph: json.RawMessage(`{"steps":[{"do":"edit"}]}`), Predicted: m}
}

func composite(subs ...domain.SubIntentSpec) agent.Proposal {
	graph, _ := json.Marshal(domain.PlanGraph{SubIntents: subs})
	return agent.Proposal{PlanGraph: graph, Predicted: domain.Metrics{PSuccess: 0.9, Entropy: 1, Impact: 8, Cost: 1}}
}

func (h *harness) create(opts engine.IntentCreateOptions) domain.Intent {
	h.t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = agentID
	}
	in, err := h.eng.CreateIntent(h.ctx, opts)
	require.NoError(h.t, err)
	return in
}

func (h *harness) intent(id string) domain.Intent {
	h.t.Helper()
	in, err := h.repo.Intent(id)
	require.NoError(h.t, err)
	return in
}

func (h *harness) events(typ ledger.EventType) []ledger.Event {
	var out []ledger.Event
	for _, ev := range h.ledger.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func decodeAll[T any](t *testing.T, events []ledger.Event) []T {
	t.Helper()
	out := make([]T, 0, len(events))
	for _, ev := range events {
		var v T
		require.NoError(t, ev.Decode(&v))
		out = append(out, v)
	}
	return out
}

func (h *harness) toReady(id string) {
	h.t.Helper()
	_, err := h.eng.Dispatch(h.ctx, id, agentID)
	require.NoError(h.t, err)
	d, err := h.eng.Plan(h.ctx, id, agentID, "")
	require.NoError(h.t, err)
	require.True(h.t, d.Converged)
	require.Equal(h.t, domain.StateReady, h.intent(id).State)
}

func TestCreateIntentValidation(t *testing.T) {
	h := newHarness(t)

	cases := []engine.IntentCreateOptions{
		{ID: "empty-goal"},
		{ID: "bad id", Goal: "g"},
		{ID: "orphan", Goal: "g", ParentID: "missing"},
		{ID: "neg", Goal: "g", Constraints: domain.Constraints{EntropyBudget: -1}},
		{ID: "tier", Goal: "g", Constraints: domain.Constraints{TrustRequired: "godlike"}},
		{ID: "scope", Goal: "g", Scope: domain.Scope{AllowedPaths: []string{"/etc"}}},
	}
	for _, opts := range cases {
		_, err := h.eng.CreateIntent(h.ctx, opts)
		require.ErrorIs(t, err, domain.ErrInvalidSpec, opts.ID)
	}
	require.Zero(t, h.ledger.LastSeq())

	root := h.create(engine.IntentCreateOptions{ID: "root", Goal: "ship it"})
	require.Equal(t, "intent/root/work", root.Branch)
	require.Equal(t, domain.StateProposed, root.State)
	child := h.create(engine.IntentCreateOptions{ID: "child", ParentID: "root", Goal: "part"})
	require.Equal(t, "intent/root/child/work", child.Branch)
	require.Equal(t, []string{"child"}, h.intent("root").Children)

	seq := h.ledger.LastSeq()
	_, err := h.eng.CreateIntent(h.ctx, engine.IntentCreateOptions{ID: "root", Goal: "again"})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)
	require.Equal(t, seq, h.ledger.LastSeq())
}

func TestDominantPlanConverges(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Convergence.TDominant = 1.5 })
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "pick a plan"})
	_, err := h.eng.Dispatch(h.ctx, "root", agentID)
	require.NoError(t, err)

	for _, ev := range []float64{6.4, 6.6, 3.5} {
		v, d, err := h.eng.AddVariant(h.ctx, "root", agentID, "", leaf(domain.Metrics{PSuccess: 1, Impact: ev}))
		require.NoError(t, err)
		require.InDelta(t, ev, v.Predicted.EV, 1e-9)
		require.False(t, d.Converged)
	}
	require.Equal(t, domain.StatePlanning, h.intent("root").State)

	last, d, err := h.eng.AddVariant(h.ctx, "root", agentID, "", leaf(domain.Metrics{PSuccess: 1, Impact: 8.5}))
	require.NoError(t, err)
	require.True(t, d.Converged)
	require.False(t, d.Forced)
	require.Equal(t, convergence.ReasonDominantPlan, d.Reason)
	require.Equal(t, last.PlanID, d.Winner.PlanID)

	selected, ok := h.repo.SelectedPlan("root")
	require.True(t, ok)
	require.Equal(t, last.PlanID, selected.PlanID)
	require.Equal(t, domain.StateReady, h.intent("root").State)

	_, _, err = h.eng.AddVariant(h.ctx, "root", agentID, "", leaf(domain.Metrics{PSuccess: 1, Impact: 20}))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Len(t, h.repo.Variants("root"), 4)
}

func TestPlanForcesSelectionWhenPlannerRunsDry(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "single idea"})
	h.toReady("root")

	conv := decodeAll[ledger.PlanningConverged](t, h.events(ledger.EventPlanningConverged))
	require.Len(t, conv, 1)
	require.True(t, conv[0].Forced)
	require.Equal(t, string(convergence.ReasonMaxVariants), conv[0].Reason)
}

func TestBudgetBlocksExecution(t *testing.T) {
	h := newHarness(t)
	h.planner.plans["root"] = []agent.Proposal{leaf(domain.Metrics{PSuccess: 0.9, Entropy: 65, Impact: 10, Cost: 1})}
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "too big", Constraints: domain.Constraints{EntropyBudget: 50}})
	h.toReady("root")

	_, err := h.eng.Execute(h.ctx, "root", agentID, "", "")
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)
	require.Positive(t, domain.SeqOf(err))
	require.Equal(t, domain.StateBlocked, h.intent("root").State)
	require.Empty(t, h.events(ledger.EventExecutionStarted))

	rejections := h.repo.Rejections("root")
	require.Len(t, rejections, 1)
	require.Equal(t, domain.KindBudgetExhausted, rejections[0].Kind)
}

func TestDispatchWithoutBudgetDiscards(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Budgets.RootEntropy = 0 })
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "no room"})

	_, err := h.eng.Dispatch(h.ctx, "root", agentID)
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)
	require.Positive(t, domain.SeqOf(err))
	require.Equal(t, domain.StateDiscarded, h.intent("root").State)
	require.Empty(t, h.events(ledger.EventBudgetAllocated))
}

func TestTrustInsufficient(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "sensitive", Constraints: domain.Constraints{TrustRequired: "trusted"}})
	h.toReady("root")

	_, err := h.eng.Execute(h.ctx, "root", agentID, "", "")
	require.ErrorIs(t, err, domain.ErrTrustInsufficient)
	require.Equal(t, domain.StateReady, h.intent("root").State)
	require.Empty(t, h.events(ledger.EventExecutionStarted))

	in, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateDiscarded, in.State)
}

func TestSuccessfulRunAndPromotion(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "add a file"})

	in, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, in.State)

	done := h.events(ledger.EventExecutionCompleted)
	require.Len(t, done, 1)
	var raw struct {
		Actual map[string]any `json:"actual"`
	}
	require.NoError(t, json.Unmarshal(done[0].Payload, &raw))
	require.Equal(t, 1.0, raw.Actual["p_success"])

	last, ok := h.repo.LastExecution("root")
	require.True(t, ok)
	require.Equal(t, ledger.StatusSuccess, last.Status)
	require.Equal(t, 1, last.Actual.FilesChanged)
	require.Equal(t, []string{"root.txt"}, last.Paths)

	trust, ok := h.repo.Trust(agentID)
	require.True(t, ok)
	require.Equal(t, 1, trust.Successes)

	_, err = h.eng.Review(h.ctx, "root", domain.DecisionApproved, "alice", "")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.eng.RequestReview(h.ctx, "root", agentID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAwaitingReview, h.intent("root").State)
	rv, ok := h.repo.Review("root")
	require.True(t, ok)
	require.True(t, rv.Pending())
	require.Equal(t, []string{"root.txt"}, rv.Package.DiffSummary)

	in, err = h.eng.Review(h.ctx, "root", domain.DecisionApproved, "alice", "lgtm")
	require.NoError(t, err)
	require.Equal(t, domain.StatePromoted, in.State)
	require.Equal(t, "add a file\n", h.vcs.Files("main")["root.txt"])

	merges := h.repo.Merges("root")
	require.Len(t, merges, 1)
	require.Equal(t, ledger.TargetTrunk, merges[0].TargetKind)
	require.Equal(t, "main", merges[0].Target)
	require.Len(t, h.events(ledger.EventIntentPromoted), 1)
	require.NoError(t, ledger.Verify(h.ledger.Events(), "main"))
}

func TestReviewRejectionDiscards(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "maybe"})
	_, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	_, err = h.eng.RequestReview(h.ctx, "root", agentID)
	require.NoError(t, err)

	_, err = h.eng.Review(h.ctx, "root", "perhaps", "alice", "")
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	in, err := h.eng.Review(h.ctx, "root", domain.DecisionRejected, "alice", "not now")
	require.NoError(t, err)
	require.Equal(t, domain.StateDiscarded, in.State)
	require.NotContains(t, h.vcs.Files("main"), "root.txt")
}

func TestSiblingConflictSpawnsReactiveIntent(t *testing.T) {
	h := newHarness(t)
	h.planner.plans["root"] = []agent.Proposal{composite(
		domain.SubIntentSpec{ID: "a", Goal: "edit shared from a"},
		domain.SubIntentSpec{ID: "b", Goal: "edit shared from b"},
	)}
	h.exec.set(func(_ context.Context, in domain.Intent, sb agent.Sandbox) (agent.Outcome, error) {
		content := map[string]string{"a": "alpha\n", "b": "beta\n"}[in.ID]
		if in.ReactiveFor == domain.ReactiveConflict {
			content = h.vcs.Files("intent/root/work")["shared.go"]
		}
		if _, err := h.vcs.Commit(sb.Branch, map[string]string{"shared.go": content}); err != nil {
			return agent.Outcome{}, err
		}
		return agent.Outcome{Success: true}, nil
	})
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "two edits"})

	in, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, in.State)
	require.Equal(t, "alpha\n", h.vcs.Files("intent/root/work")["shared.go"])

	var conflicts []ledger.GitRebaseCompleted
	for _, r := range h.repo.Rebases("b") {
		if r.Status == ledger.StatusConflict {
			conflicts = append(conflicts, r)
		}
	}
	require.Len(t, conflicts, 1)
	require.Equal(t, []string{"shared.go"}, conflicts[0].ConflictFiles)
	require.Equal(t, ledger.PhasePost, conflicts[0].Phase)

	children := h.repo.Children("b")
	require.Len(t, children, 1)
	reactive := children[0]
	require.True(t, reactive.Reactive)
	require.Equal(t, domain.ReactiveConflict, reactive.ReactiveFor)
	require.Equal(t, []string{"shared.go"}, reactive.Scope.AllowedPaths)
	require.Equal(t, domain.StateMerged, reactive.State)

	require.Equal(t, domain.StateMerged, h.intent("a").State)
	require.Equal(t, domain.StateMerged, h.intent("b").State)
	for _, id := range []string{"a", "b"} {
		for _, m := range h.repo.Merges(id) {
			require.Equal(t, ledger.TargetParent, m.TargetKind)
			require.Equal(t, "intent/root/work", m.Target)
		}
	}

	rebuilt := repo.Build(h.ledger.Events())
	require.Empty(t, cmp.Diff(h.repo.Snapshot(), rebuilt.Snapshot()))
	require.NoError(t, ledger.Verify(h.ledger.Events(), "main"))

	for _, id := range append([]string{"root"}, h.repo.Descendants("root")...) {
		b, ok := h.repo.Budget(id)
		require.True(t, ok, id)
		require.LessOrEqual(t, b.Spent, b.Allocated+b.Override, id)
	}
}

func TestFailureSpawnsDiagnosticRetry(t *testing.T) {
	h := newHarness(t)
	h.planner.plans["root"] = []agent.Proposal{composite(domain.SubIntentSpec{ID: "flaky", Goal: "flaky work"})}
	h.exec.set(func(_ context.Context, in domain.Intent, sb agent.Sandbox) (agent.Outcome, error) {
		if in.Attempt == 0 {
			return agent.Outcome{Success: false, Reason: "tests failed"}, nil
		}
		if _, err := h.vcs.Commit(sb.Branch, map[string]string{"flaky.go": "fixed\n"}); err != nil {
			return agent.Outcome{}, err
		}
		return agent.Outcome{Success: true}, nil
	})
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "with a retry"})

	in, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, in.State)

	flaky := h.intent("flaky")
	require.Equal(t, domain.StateDiscarded, flaky.State)
	last, ok := h.repo.LastExecution("flaky")
	require.True(t, ok)
	require.Equal(t, "tests failed", last.FailureReason)

	var retry domain.Intent
	for _, c := range h.repo.Children("root") {
		if c.RetryOf == "flaky" {
			retry = c
		}
	}
	require.Equal(t, 1, retry.Attempt)
	require.Equal(t, domain.ReactiveDiagnostic, retry.ReactiveFor)
	require.Equal(t, domain.StateMerged, retry.State)
	require.Equal(t, "fixed\n", h.vcs.Files("intent/root/work")["flaky.go"])
}

func TestRetryCapDowngradesAndRequestsReview(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Execution.RetryCap = 1 })
	h.exec.set(func(context.Context, domain.Intent, agent.Sandbox) (agent.Outcome, error) {
		return agent.Outcome{Success: false, Reason: "always broken"}, nil
	})
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "doomed"})

	in, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateDiscarded, in.State)

	var retry domain.Intent
	for _, it := range h.repo.ListIntents(repo.IntentFilters{}) {
		if it.RetryOf == "root" {
			retry = it
		}
	}
	require.NotEmpty(t, retry.ID)
	require.True(t, retry.IsRoot())
	require.Empty(t, h.events(ledger.EventHumanReviewRequested))

	in, err = h.eng.Run(h.ctx, retry.ID, agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateDiscarded, in.State)

	for _, it := range h.repo.ListIntents(repo.IntentFilters{}) {
		require.NotEqual(t, retry.ID, it.RetryOf, "retry cap must stop further retries")
	}
	trust := decodeAll[ledger.AgentTrustChanged](t, h.events(ledger.EventAgentTrustChanged))
	require.Equal(t, "retry_cap", trust[len(trust)-1].Reason)
	reviews := decodeAll[ledger.HumanReviewRequested](t, h.events(ledger.EventHumanReviewRequested))
	require.Len(t, reviews, 1)
	require.Equal(t, "retry_cap", reviews[0].Package.Reason)
}

func TestScopeViolation(t *testing.T) {
	h := newHarness(t)
	h.exec.set(func(_ context.Context, _ domain.Intent, sb agent.Sandbox) (agent.Outcome, error) {
		if _, err := h.vcs.Commit(sb.Branch, map[string]string{"secrets/key.pem": "nope\n"}); err != nil {
			return agent.Outcome{}, err
		}
		return agent.Outcome{Success: true}, nil
	})
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "stay in lane", Scope: domain.Scope{ForbiddenPaths: []string{"secrets"}}})
	h.toReady("root")

	_, err := h.eng.Execute(h.ctx, "root", agentID, "", "")
	require.ErrorIs(t, err, domain.ErrSandboxViolation)
	require.Positive(t, domain.SeqOf(err))
	require.Equal(t, domain.StateDiscarded, h.intent("root").State)

	last, ok := h.repo.LastExecution("root")
	require.True(t, ok)
	require.True(t, last.Violation)
	require.Zero(t, last.Actual.PSuccess)

	trust, ok := h.repo.Trust(agentID)
	require.True(t, ok)
	require.Equal(t, 1, trust.Violations)
	require.Equal(t, "probation", trust.Level)

	reviews := decodeAll[ledger.HumanReviewRequested](t, h.events(ledger.EventHumanReviewRequested))
	require.Len(t, reviews, 1)
	require.Equal(t, "sandbox_violation", reviews[0].Package.Reason)
}

func TestAbandonCancelsExecution(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.exec.set(func(ctx context.Context, _ domain.Intent, _ agent.Sandbox) (agent.Outcome, error) {
		close(started)
		<-ctx.Done()
		return agent.Outcome{}, ctx.Err()
	})
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "long job"})

	type result struct {
		in  domain.Intent
		err error
	}
	done := make(chan result, 1)
	go func() {
		in, err := h.eng.Run(h.ctx, "root", agentID, "")
		done <- result{in, err}
	}()
	<-started

	in, err := h.eng.Abandon(h.ctx, "root", "changed my mind", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StateDiscarded, in.State)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, domain.StateDiscarded, res.in.State)
	require.Empty(t, h.events(ledger.EventExecutionCompleted))
	abandoned, ok := h.repo.Abandoned("root")
	require.True(t, ok)
	require.Equal(t, "changed my mind", abandoned.Reason)

	_, err = h.eng.Abandon(h.ctx, "root", "", "alice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAbandonCascadesToSubtree(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "parent"})
	h.create(engine.IntentCreateOptions{ID: "kid", ParentID: "root", Goal: "child"})
	h.create(engine.IntentCreateOptions{ID: "grandkid", ParentID: "kid", Goal: "grandchild"})

	_, err := h.eng.Abandon(h.ctx, "root", "scrapped", "alice")
	require.NoError(t, err)
	for _, id := range []string{"root", "kid", "grandkid"} {
		require.Equal(t, domain.StateDiscarded, h.intent(id).State, id)
	}
	require.Len(t, h.events(ledger.EventIntentAbandoned), 1)
}

func TestCorrectAmendsIntentGoal(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "fix the gaol"})
	created := h.events(ledger.EventIntentCreated)[0]

	_, err := h.eng.Correct(h.ctx, created.Seq, "", nil, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidSpec)
	_, err = h.eng.Correct(h.ctx, 999, "out of range", nil, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ev, err := h.eng.Correct(h.ctx, created.Seq, "typo", json.RawMessage(`{"goal":"fix the goal"}`), "alice")
	require.NoError(t, err)
	require.Equal(t, ledger.CorrectionOf(ledger.EventIntentCreated), ev.Type)
	require.Equal(t, "fix the goal", h.intent("root").Goal)
	require.Len(t, h.repo.Corrections(created.Seq), 1)

	_, err = h.eng.Correct(h.ctx, ev.Seq, "correct the correction", nil, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidSpec)
	require.NoError(t, ledger.Verify(h.ledger.Events(), "main"))
}

func TestPromotionConflictBlocksRootUntilResolved(t *testing.T) {
	h := newHarness(t)
	h.exec.set(func(_ context.Context, in domain.Intent, sb agent.Sandbox) (agent.Outcome, error) {
		content := "root edit\n"
		if in.ReactiveFor == domain.ReactiveConflict {
			content = h.vcs.Files("main")["README.md"]
		}
		if _, err := h.vcs.Commit(sb.Branch, map[string]string{"README.md": content}); err != nil {
			return agent.Outcome{}, err
		}
		return agent.Outcome{Success: true}, nil
	})
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "edit the readme"})
	_, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	_, err = h.eng.RequestReview(h.ctx, "root", agentID)
	require.NoError(t, err)

	// trunk moves on underneath the pending review
	_, err = h.vcs.Commit("main", map[string]string{"README.md": "trunk edit\n"})
	require.NoError(t, err)

	_, err = h.eng.Review(h.ctx, "root", domain.DecisionApproved, "alice", "")
	require.ErrorIs(t, err, domain.ErrRebaseConflict)
	require.Equal(t, domain.StateBlocked, h.intent("root").State)
	children := h.repo.Children("root")
	require.Len(t, children, 1)
	require.Equal(t, domain.ReactiveConflict, children[0].ReactiveFor)
	require.Equal(t, []string{"README.md"}, children[0].Scope.AllowedPaths)

	in, err := h.eng.Run(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, in.State)
	require.Equal(t, domain.StateMerged, h.intent(children[0].ID).State)

	_, err = h.eng.RequestReview(h.ctx, "root", agentID)
	require.NoError(t, err)
	in, err = h.eng.Review(h.ctx, "root", domain.DecisionApproved, "alice", "resolved")
	require.NoError(t, err)
	require.Equal(t, domain.StatePromoted, in.State)
	require.Equal(t, "trunk edit\n", h.vcs.Files("main")["README.md"])
	require.NoError(t, ledger.Verify(h.ledger.Events(), "main"))
}

func TestCallerCancelClosesExecution(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "long job"})
	h.toReady("root")

	started := make(chan struct{})
	h.exec.set(func(ctx context.Context, _ domain.Intent, _ agent.Sandbox) (agent.Outcome, error) {
		close(started)
		<-ctx.Done()
		return agent.Outcome{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(h.ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := h.eng.Execute(ctx, "root", agentID, "", "")
		errc <- err
	}()
	<-started
	cancel()
	err := <-errc

	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	require.ErrorContains(t, err, "interrupted")
	require.Len(t, h.events(ledger.EventExecutionStarted), 1)
	done := decodeAll[ledger.ExecutionCompleted](t, h.events(ledger.EventExecutionCompleted))
	require.Len(t, done, 1)
	require.Equal(t, ledger.StatusFailure, done[0].Status)
	require.Equal(t, domain.StateDiscarded, h.intent("root").State)

	_, ok := h.repo.Trust(agentID)
	require.False(t, ok, "an interrupted run says nothing about the agent")

	var retries []domain.Intent
	for _, in := range decodeAll[domain.Intent](t, h.events(ledger.EventIntentCreated)) {
		if in.RetryOf == "root" {
			retries = append(retries, in)
		}
	}
	require.Len(t, retries, 1)
	require.NoError(t, ledger.Verify(h.ledger.Events(), "main"))
}

func TestExecutionTimeout(t *testing.T) {
	hang := func(ctx context.Context, _ domain.Intent, _ agent.Sandbox) (agent.Outcome, error) {
		<-ctx.Done()
		return agent.Outcome{}, ctx.Err()
	}

	t.Run("retried", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) { c.Execution.Timeout.Duration = 20 * time.Millisecond })
		h.create(engine.IntentCreateOptions{ID: "root", Goal: "slow"})
		h.toReady("root")
		h.exec.set(hang)

		_, err := h.eng.Execute(h.ctx, "root", agentID, "", "")
		require.ErrorIs(t, err, domain.ErrExecutionFailure)
		last, ok := h.repo.LastExecution("root")
		require.True(t, ok)
		require.Equal(t, ledger.StatusFailure, last.Status)
		require.Contains(t, last.FailureReason, "timed out")
		require.Zero(t, last.Actual.PSuccess)
		require.Equal(t, domain.StateDiscarded, h.intent("root").State)

		trust, ok := h.repo.Trust(agentID)
		require.True(t, ok)
		require.Equal(t, 1, trust.Failures)
		var retried bool
		for _, in := range decodeAll[domain.Intent](t, h.events(ledger.EventIntentCreated)) {
			retried = retried || (in.RetryOf == "root" && in.Attempt == 1)
		}
		require.True(t, retried)
	})

	t.Run("discarded at cap", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.Execution.Timeout.Duration = 20 * time.Millisecond
			c.Execution.RetryCap = 0
		})
		h.create(engine.IntentCreateOptions{ID: "root", Goal: "slow"})
		h.toReady("root")
		h.exec.set(hang)

		_, err := h.eng.Execute(h.ctx, "root", agentID, "", "")
		require.ErrorIs(t, err, domain.ErrExecutionFailure)
		require.Equal(t, domain.StateDiscarded, h.intent("root").State)
		require.Len(t, h.events(ledger.EventIntentCreated), 1)
		reviews := decodeAll[ledger.HumanReviewRequested](t, h.events(ledger.EventHumanReviewRequested))
		require.Len(t, reviews, 1)
		require.Equal(t, "retry_cap", reviews[0].Package.Reason)
	})
}

// everyTime proposes a fresh, equally good variant on every call.
type everyTime struct {
	mu    sync.Mutex
	calls int
}

func (p *everyTime) GenerateVariants(context.Context, domain.Intent, agent.Retrieval) ([]agent.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return []agent.Proposal{leaf(domain.Metrics{PSuccess: 0.5, Impact: 4})}, nil
}

func unbounded(c *config.Config) {
	c.Convergence.MaxVariants = 1000
	c.Convergence.NPlateau = 0
	c.Convergence.BPlanning = 1e9
	c.Convergence.PlanningTimeLimit.Duration = 90 * time.Second
}

func TestPlanningTimeLimitForcesSelection(t *testing.T) {
	h := newHarness(t, unbounded)
	p := &everyTime{}
	h.eng.Agents.RegisterPlanner("endless", p)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "keep proposing"})
	_, err := h.eng.Dispatch(h.ctx, "root", agentID)
	require.NoError(t, err)

	start, ok := h.repo.PlanningStarted("root")
	require.True(t, ok)
	clock := &stepClock{t: start, step: 40 * time.Second}
	h.eng.Now = clock.Now

	d, err := h.eng.Plan(h.ctx, "root", "endless", "")
	require.NoError(t, err)
	require.True(t, d.Converged)
	require.True(t, d.Forced)
	require.Equal(t, convergence.ReasonBudgetExhausted, d.Reason)
	require.NotEmpty(t, h.repo.Variants("root"))
	require.Less(t, len(h.repo.Variants("root")), 5)
	require.Equal(t, domain.StateReady, h.intent("root").State)
}

func TestPlanningTimeLimitSpansEngines(t *testing.T) {
	h := newHarness(t, unbounded)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "resume later"})
	_, err := h.eng.Dispatch(h.ctx, "root", agentID)
	require.NoError(t, err)
	_, d, err := h.eng.AddVariant(h.ctx, "root", agentID, "", leaf(domain.Metrics{PSuccess: 0.5, Impact: 4}))
	require.NoError(t, err)
	require.False(t, d.Converged)

	start, ok := h.repo.PlanningStarted("root")
	require.True(t, ok)

	// a second process over the same ledger
	p := &everyTime{}
	agents := agent.NewRegistry()
	agents.RegisterPlanner(agent.Wildcard, p)
	later := engine.New(h.ledger, repo.New(), h.eng.Config, agents, h.vcs, zaptest.NewLogger(t))
	later.Now = func() time.Time { return start.Add(2 * time.Minute) }

	d, err = later.Plan(h.ctx, "root", agentID, "")
	require.NoError(t, err)
	require.True(t, d.Forced)
	require.Equal(t, convergence.ReasonBudgetExhausted, d.Reason)
	require.Zero(t, p.calls)
}

func TestPlannerWithNothingIsExecutionFailure(t *testing.T) {
	h := newHarness(t)
	h.planner.plans["root"] = []agent.Proposal{}
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "no ideas"})
	_, err := h.eng.Dispatch(h.ctx, "root", agentID)
	require.NoError(t, err)

	_, err = h.eng.Plan(h.ctx, "root", agentID, "")
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	require.NotErrorIs(t, err, domain.ErrInvalidSpec)
	require.Equal(t, domain.StatePlanning, h.intent("root").State)
}

func TestEventsCarryBranchHead(t *testing.T) {
	h := newHarness(t)
	h.create(engine.IntentCreateOptions{ID: "root", Goal: "track heads"})
	created := h.events(ledger.EventIntentCreated)
	require.Equal(t, "intent/root/work", created[0].Git.Branch)
	require.Empty(t, created[0].Git.Head, "the branch does not exist yet")

	h.toReady("root")
	head, err := h.vcs.Head(h.ctx, "intent/root/work")
	require.NoError(t, err)
	selected := h.events(ledger.EventPlanSelected)
	require.Equal(t, head, selected[0].Git.Head)
	require.False(t, selected[0].Git.Dirty)

	_, err = h.eng.Execute(h.ctx, "root", agentID, "", "")
	require.NoError(t, err)
	after, err := h.vcs.Head(h.ctx, "intent/root/work")
	require.NoError(t, err)
	require.NotEqual(t, head, after)
	done := h.events(ledger.EventExecutionCompleted)
	require.Equal(t, after, done[0].Git.Head)
}
