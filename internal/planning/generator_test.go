package planning

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"holon/internal/agent"
	"holon/internal/domain"
	"holon/internal/ledger"
	"holon/internal/repo"
)

func setup(t *testing.T) (Generator, *ledger.Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	backend, err := ledger.OpenFile(path)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, err := ledger.Open(context.Background(), backend, ledger.Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	r := repo.New()
	l.Observe(r.Apply)
	_, err = l.Append(context.Background(), ledger.Record{Type: ledger.EventIntentCreated, Payload: ledger.IntentCreated{
		ID: "auth-fix", Goal: "fix login", State: domain.StateProposed, Branch: "intent/auth-fix/work",
	}})
	require.NoError(t, err)
	return Generator{Ledger: l, Repo: r, Lambda: 0.1, Log: zaptest.NewLogger(t)}, l, path
}

func TestPlanIDs(t *testing.T) {
	require.Equal(t, "auth-fix.v3.claude-opus", PlanID("auth-fix", 3, "Claude Opus"))
	require.Equal(t, "agent", AgentTag("///"))
}

func TestRecordAssignsIndexesAndOverridesEV(t *testing.T) {
	g, _, _ := setup(t)
	ctx := context.Background()

	v1, err := g.Record(ctx, "auth-fix", "planner-a", "m1", agent.Proposal{
		PlanGraph: json.RawMessage(`{"steps":[{"op":"edit"}]}`),
		Predicted: domain.Metrics{PSuccess: 0.8, Impact: 10, Entropy: 5, Cost: 1, EV: 999},
	})
	require.NoError(t, err)
	require.Equal(t, "auth-fix.v1.planner-a", v1.PlanID)
	require.InDelta(t, 6.5, v1.Predicted.EV, 1e-12)

	v2, err := g.Record(ctx, "auth-fix", "planner-b", "", agent.Proposal{Predicted: domain.Metrics{PSuccess: 0.5, Impact: 2}, Model: "m2"})
	require.NoError(t, err)
	require.Equal(t, "auth-fix.v2.planner-b", v2.PlanID)
	require.Equal(t, 2, v2.Index)
	require.Equal(t, "m2", v2.Model)
	require.JSONEq(t, `{}`, string(v2.PlanGraph))

	stored, err := g.Repo.Variant(v1.PlanID)
	require.NoError(t, err)
	require.Equal(t, v1.Predicted, stored.Predicted)
}

func TestRecordRejectsInvalidWithoutWriting(t *testing.T) {
	g, l, _ := setup(t)
	ctx := context.Background()
	before := l.LastSeq()

	_, err := g.Record(ctx, "auth-fix", "p", "m", agent.Proposal{Predicted: domain.Metrics{PSuccess: 1.2}})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = g.Record(ctx, "auth-fix", "p", "m", agent.Proposal{Predicted: domain.Metrics{PSuccess: 0.5, Entropy: math.Inf(1)}})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = g.Record(ctx, "auth-fix", "p", "m", agent.Proposal{PlanGraph: json.RawMessage(`[1,2]`), Predicted: domain.Metrics{PSuccess: 0.5}})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = g.Record(ctx, "auth-fix", "p", "m", agent.Proposal{
		PlanGraph: json.RawMessage(`{"sub_intents":[{"intent_id":"../x","goal":"g"}]}`),
		Predicted: domain.Metrics{PSuccess: 0.5},
	})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = g.Record(ctx, "missing", "p", "m", agent.Proposal{Predicted: domain.Metrics{PSuccess: 0.5}})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Equal(t, before, l.LastSeq())
}

func TestPredictedMetricsRoundTripBitIdentical(t *testing.T) {
	g, l, path := setup(t)
	ctx := context.Background()
	m := domain.Metrics{PSuccess: 0.1 + 0.2, Impact: 1.0 / 3.0, Entropy: 2.718281828459045, Cost: 1e-17}
	v, err := g.Record(ctx, "auth-fix", "p", "m", agent.Proposal{Predicted: m})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	backend, err := ledger.OpenFile(path)
	require.NoError(t, err)
	reopened, err := ledger.Open(ctx, backend, ledger.Options{})
	require.NoError(t, err)
	defer reopened.Close()

	r := repo.Build(reopened.Events())
	got, err := r.Variant(v.PlanID)
	require.NoError(t, err)
	for name, pair := range map[string][2]float64{
		"p_success": {v.Predicted.PSuccess, got.Predicted.PSuccess},
		"impact":    {v.Predicted.Impact, got.Predicted.Impact},
		"entropy":   {v.Predicted.Entropy, got.Predicted.Entropy},
		"cost":      {v.Predicted.Cost, got.Predicted.Cost},
		"ev":        {v.Predicted.EV, got.Predicted.EV},
	} {
		require.Equal(t, math.Float64bits(pair[0]), math.Float64bits(pair[1]), name)
	}
}
