package budget

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"holon/internal/config"
	"holon/internal/domain"
	"holon/internal/ledger"
	"holon/internal/repo"
)

type fixture struct {
	l   *ledger.Ledger
	r   *repo.Repo
	mgr Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	backend, err := ledger.OpenFile(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	l, err := ledger.Open(context.Background(), backend, ledger.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	r := repo.New()
	l.Observe(r.Apply)
	return fixture{l: l, r: r, mgr: New(config.Default("demo"), r)}
}

func (f fixture) append(t *testing.T, typ ledger.EventType, payload any) {
	t.Helper()
	_, err := f.l.Append(context.Background(), ledger.Record{Type: typ, Payload: payload})
	require.NoError(t, err)
}

func (f fixture) create(t *testing.T, in domain.Intent) domain.Intent {
	t.Helper()
	in.State = domain.StateProposed
	f.append(t, ledger.EventIntentCreated, in)
	return in
}

func (f fixture) record(t *testing.T, a Allocation) {
	t.Helper()
	f.append(t, ledger.EventBudgetAllocated, ledger.BudgetAllocated{
		IntentID: a.IntentID, ParentID: a.ParentID, Entropy: a.Entropy, Cost: a.Cost, Fraction: a.Fraction, Tier: a.Tier,
	})
}

func ptr(s string) *string { return &s }

func TestAllocateRootUsesDeclaredOrDefault(t *testing.T) {
	f := newFixture(t)
	declared := f.create(t, domain.Intent{ID: "r1", Constraints: domain.Constraints{EntropyBudget: 50, CostBudget: 20}})
	a, err := f.mgr.Allocate(declared, "planner")
	require.NoError(t, err)
	require.Equal(t, 50.0, a.Entropy)
	require.Equal(t, 20.0, a.Cost)
	require.Equal(t, "standard", a.Tier)

	bare := f.create(t, domain.Intent{ID: "r2"})
	a, err = f.mgr.Allocate(bare, "planner")
	require.NoError(t, err)
	require.Equal(t, 100.0, a.Entropy)
	require.Equal(t, 100.0, a.Cost)
}

func TestAllocateChildByCreatorTier(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, domain.Intent{ID: "root"})
	ra, err := f.mgr.Allocate(root, "planner")
	require.NoError(t, err)
	f.record(t, ra)

	child := f.create(t, domain.Intent{ID: "child", ParentID: ptr("root")})
	a, err := f.mgr.Allocate(child, "planner")
	require.NoError(t, err)
	require.InDelta(t, 50.0, a.Entropy, 1e-9, "standard tier gets half")
	require.Equal(t, "root", a.ParentID)

	// a trusted creator gets a larger share
	f.append(t, ledger.EventAgentTrustChanged, ledger.AgentTrustChanged{
		AgentID: "veteran", ToLevel: "trusted", ToScore: 0.9,
		State: domain.TrustState{AgentID: "veteran", Level: "trusted", Score: 0.9},
	})
	a, err = f.mgr.Allocate(child, "veteran")
	require.NoError(t, err)
	require.InDelta(t, 75.0, a.Entropy, 1e-9)

	capped := f.create(t, domain.Intent{ID: "small", ParentID: ptr("root"), Constraints: domain.Constraints{EntropyBudget: 3}})
	a, err = f.mgr.Allocate(capped, "veteran")
	require.NoError(t, err)
	require.Equal(t, 3.0, a.Entropy)
}

func TestAllocateFailsWhenParentSpent(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, domain.Intent{ID: "root", Constraints: domain.Constraints{EntropyBudget: 10}})
	ra, err := f.mgr.Allocate(root, "p")
	require.NoError(t, err)
	f.record(t, ra)
	f.append(t, ledger.EventPlanVariantCreated, ledger.PlanVariantCreated{PlanID: "root.v1.p", IntentID: "root"})
	f.append(t, ledger.EventPlanSelected, ledger.PlanSelected{IntentID: "root", PlanID: "root.v1.p"})
	f.append(t, ledger.EventExecutionStarted, ledger.ExecutionStarted{IntentID: "root", PlanID: "root.v1.p"})
	f.append(t, ledger.EventExecutionCompleted, ledger.ExecutionCompleted{
		IntentID: "root", PlanID: "root.v1.p", Status: ledger.StatusSuccess, Actual: domain.ActualMetrics{PSuccess: 1, Entropy: 10},
	})

	child := f.create(t, domain.Intent{ID: "child", ParentID: ptr("root")})
	_, err = f.mgr.Allocate(child, "p")
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)

	orphanBudget := f.create(t, domain.Intent{ID: "other", ParentID: ptr("child")})
	_, err = f.mgr.Allocate(orphanBudget, "p")
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)
}

func TestCheckExecutionRejectsOverBudgetPlan(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, domain.Intent{ID: "scenario-c", Constraints: domain.Constraints{EntropyBudget: 50}})
	a, err := f.mgr.Allocate(in, "p")
	require.NoError(t, err)
	f.record(t, a)

	over := domain.PlanVariant{PlanID: "scenario-c.v1.p", Predicted: domain.Metrics{PSuccess: 0.9, Entropy: 65}}
	err = f.mgr.CheckExecution(in, over, "exec")
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)
	require.ErrorContains(t, err, "exceeds remaining budget")

	pricey := domain.PlanVariant{Predicted: domain.Metrics{Entropy: 5, Cost: 101}}
	require.ErrorIs(t, f.mgr.CheckExecution(in, pricey, "exec"), domain.ErrBudgetExhausted)

	fine := domain.PlanVariant{Predicted: domain.Metrics{Entropy: 50, Cost: 100}}
	require.NoError(t, f.mgr.CheckExecution(in, fine, "exec"))
}

func TestCheckExecutionTrustRequired(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, domain.Intent{ID: "guarded", Constraints: domain.Constraints{TrustRequired: "trusted"}})
	a, err := f.mgr.Allocate(in, "p")
	require.NoError(t, err)
	f.record(t, a)

	err = f.mgr.CheckExecution(in, domain.PlanVariant{}, "newcomer")
	require.ErrorIs(t, err, domain.ErrTrustInsufficient)

	f.append(t, ledger.EventAgentTrustChanged, ledger.AgentTrustChanged{
		AgentID: "veteran", ToLevel: "trusted", ToScore: 0.9,
		State: domain.TrustState{AgentID: "veteran", Level: "trusted", Score: 0.9},
	})
	require.NoError(t, f.mgr.CheckExecution(in, domain.PlanVariant{}, "veteran"))
}

func TestOverspendListsEveryShortLevel(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, domain.Intent{ID: "root", Constraints: domain.Constraints{EntropyBudget: 10}})
	ra, _ := f.mgr.Allocate(root, "p")
	f.record(t, ra)
	child := f.create(t, domain.Intent{ID: "child", ParentID: ptr("root")})
	ca, err := f.mgr.Allocate(child, "p")
	require.NoError(t, err)
	f.record(t, ca)

	require.Empty(t, f.mgr.Overspend("child", 4))
	short := f.mgr.Overspend("child", 12)
	require.Equal(t, []Shortfall{{IntentID: "child", Amount: 7}, {IntentID: "root", Amount: 2}}, short)
}

func TestRecomputeTrust(t *testing.T) {
	mgr := New(config.Default("demo"), repo.New())
	start := mgr.TrustOf("exec")
	require.Equal(t, "standard", start.Level)

	up := mgr.Recompute(start, 0.8, true, false)
	require.InDelta(t, 0.94, up.Score, 1e-9)
	require.Equal(t, "trusted", up.Level)
	require.Equal(t, 1, up.Successes)

	down := mgr.Recompute(start, 0.8, false, false)
	require.InDelta(t, 0.26, down.Score, 1e-9)
	require.Equal(t, "probation", down.Level)

	caught := mgr.Recompute(up, 0.9, true, true)
	require.Equal(t, 1, caught.Violations)
	require.Equal(t, "probation", caught.Level, "a violation caps the level")
	require.LessOrEqual(t, caught.Score, 1.0)
	require.GreaterOrEqual(t, caught.Score, 0.0)
}

func TestDowngrade(t *testing.T) {
	mgr := New(config.Default("demo"), repo.New())
	require.Equal(t, "standard", mgr.Downgrade(domain.TrustState{Level: "trusted"}).Level)
	require.Equal(t, "probation", mgr.Downgrade(domain.TrustState{Level: "probation"}).Level)
}

func TestDowngradeSurvivesNextExecution(t *testing.T) {
	mgr := New(config.Default("demo"), repo.New())
	s := mgr.TrustOf("exec")
	for range 3 {
		s = mgr.Recompute(s, 0.97, true, false)
	}
	require.Equal(t, "trusted", s.Level)
	require.InDelta(t, 0.991, s.Score, 1e-9)

	down := mgr.Downgrade(s)
	require.Equal(t, "standard", down.Level)
	require.InDelta(t, 0.6, down.Score, 1e-9)
	require.InDelta(t, 0.391, down.Penalty, 1e-9)

	next := mgr.Recompute(down, 0.97, true, false)
	require.Equal(t, "standard", next.Level)
	require.InDelta(t, 0.6, next.Score, 1e-9)
	require.Equal(t, 4, next.Successes)
}
