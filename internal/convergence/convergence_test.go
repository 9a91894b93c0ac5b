package convergence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"holon/internal/config"
	"holon/internal/domain"
)

func defaults() Thresholds {
	return FromConfig(config.Default("demo").Convergence)
}

// variant builds a plan whose EV equals ev with zero entropy and cost.
func variant(i int, ev float64) domain.PlanVariant {
	return domain.PlanVariant{
		PlanID:    fmt.Sprintf("x.v%d.p", i),
		IntentID:  "x",
		Index:     i,
		Predicted: domain.Metrics{PSuccess: 1, Impact: ev},
	}
}

func TestEVFormula(t *testing.T) {
	m := domain.Metrics{PSuccess: 0.8, Impact: 10, Entropy: 5, Cost: 1}
	require.InDelta(t, 6.5, EV(m, 0.1), 1e-12)
}

func TestRankTieBreaks(t *testing.T) {
	th := defaults()
	th.Lambda = 0
	e := New(th)
	a := domain.PlanVariant{PlanID: "a", Predicted: domain.Metrics{PSuccess: 1, Impact: 5, Entropy: 5}}
	b := domain.PlanVariant{PlanID: "b", Predicted: domain.Metrics{PSuccess: 1, Impact: 5, Entropy: 2}}
	c := domain.PlanVariant{PlanID: "c", Predicted: domain.Metrics{PSuccess: 1, Impact: 5, Entropy: 2}}
	d := domain.PlanVariant{PlanID: "d", Predicted: domain.Metrics{PSuccess: 1, Impact: 9}}

	ranked := e.Rank([]domain.PlanVariant{a, b, c, d})
	ids := Decision{Ranked: ranked}.RankingIDs()
	// a, b and c all have EV 5.0; lower entropy first, then insertion order.
	require.Equal(t, []string{"d", "b", "c", "a"}, ids)
	require.InDelta(t, 9.0, ranked[0].Predicted.EV, 1e-12)
}

func TestDominantPlanAfterFourthVariant(t *testing.T) {
	th := defaults()
	th.TDominant = 1.5
	e := New(th)
	vs := []domain.PlanVariant{variant(1, 6.4), variant(2, 6.6), variant(3, 3.5)}

	d := e.Evaluate(vs, 0)
	require.False(t, d.Converged, "a 0.2 gap is not dominant")

	vs = append(vs, variant(4, 8.5))
	d = e.Evaluate(vs, 0)
	require.True(t, d.Converged)
	require.Equal(t, ReasonDominantPlan, d.Reason)
	require.Equal(t, "x.v4.p", d.Winner.PlanID)
	require.False(t, d.Forced)
}

func TestDominanceIsStrictGapOverRunnerUp(t *testing.T) {
	e := New(defaults()) // t_dominant 5.0
	vs := []domain.PlanVariant{variant(1, 6.4), variant(2, 6.6), variant(3, 3.5), variant(4, 8.5)}
	require.False(t, e.Evaluate(vs, 0).Converged, "8.5 leads 6.6 by 1.9")

	vs[3] = variant(4, 11.5)
	require.False(t, e.Evaluate(vs, 0).Converged, "a 4.9 gap is not enough")

	vs[3] = variant(4, 11.8)
	d := e.Evaluate(vs, 0)
	require.Equal(t, ReasonDominantPlan, d.Reason)
	require.Equal(t, "x.v4.p", d.Winner.PlanID)
}

func TestPlateau(t *testing.T) {
	e := New(defaults())
	vs := []domain.PlanVariant{variant(1, 5), variant(2, 5.05), variant(3, 5.02)}
	require.False(t, e.Evaluate(vs, 0).Converged, "needs n_plateau+1 variants")

	vs = append(vs, variant(4, 5.01))
	d := e.Evaluate(vs, 0)
	require.True(t, d.Converged)
	require.Equal(t, ReasonEVPlateau, d.Reason)
	require.Equal(t, "x.v2.p", d.Winner.PlanID)
}

func TestPlanningCostBudget(t *testing.T) {
	e := New(defaults()) // b_planning 100
	vs := []domain.PlanVariant{
		{PlanID: "x.v1.p", Predicted: domain.Metrics{PSuccess: 1, Impact: 70, Cost: 60}},
		{PlanID: "x.v2.p", Predicted: domain.Metrics{PSuccess: 1, Impact: 60, Cost: 50}},
	}
	d := e.Evaluate(vs, 0)
	require.Equal(t, ReasonBudgetExhausted, d.Reason)
	require.False(t, d.Forced)
	require.Equal(t, "x.v1.p", d.Winner.PlanID)
}

func TestHardLimits(t *testing.T) {
	th := defaults()
	th.MaxVariants = 3
	e := New(th)
	vs := []domain.PlanVariant{variant(1, 1), variant(2, 2), variant(3, 3)}
	d := e.Evaluate(vs, 0)
	require.Equal(t, ReasonMaxVariants, d.Reason)
	require.True(t, d.Forced)
	require.Equal(t, "x.v3.p", d.Winner.PlanID)

	d = New(defaults()).Evaluate(vs[:1], 11*time.Minute)
	require.Equal(t, ReasonBudgetExhausted, d.Reason)
	require.True(t, d.Forced)
}

func TestEmptyNeverConverges(t *testing.T) {
	d := New(defaults()).Evaluate(nil, time.Hour)
	require.False(t, d.Converged)
	require.Empty(t, d.Ranked)
}

func TestAlwaysTerminatesByMaxVariants(t *testing.T) {
	e := New(defaults())
	var vs []domain.PlanVariant
	converged := false
	// strictly improving by more than the plateau threshold and less than the dominance gap
	for i := 1; i <= e.Thresholds.MaxVariants; i++ {
		vs = append(vs, variant(i, float64(i)))
		if e.Evaluate(vs, 0).Converged {
			converged = true
			break
		}
	}
	require.True(t, converged)
	require.Len(t, vs, e.Thresholds.MaxVariants)
}

func TestDiversityHint(t *testing.T) {
	low := domain.PlanVariant{Predicted: domain.Metrics{Entropy: 1}}
	high := domain.PlanVariant{Predicted: domain.Metrics{Entropy: 4}}
	require.True(t, DiversityHint([]domain.PlanVariant{low, high}))
	require.False(t, DiversityHint([]domain.PlanVariant{low, low}))
	require.False(t, DiversityHint([]domain.PlanVariant{high}))
}
