// Package convergence decides when planning for an intent stops and which variant wins.
package convergence

import (
	"math"
	"sort"
	"time"

	"holon/internal/config"
	"holon/internal/domain"
)

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonDominantPlan    Reason = "dominant_plan"
	ReasonEVPlateau       Reason = "ev_plateau"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonMaxVariants     Reason = "max_variants_reached"
)

type Thresholds struct {
	Lambda            float64
	TDominant         float64
	TPlateau          float64
	NPlateau          int
	BPlanning         float64
	MaxVariants       int
	PlanningTimeLimit time.Duration
}

func FromConfig(c config.Convergence) Thresholds {
	return Thresholds{
		Lambda:            c.Lambda,
		TDominant:         c.TDominant,
		TPlateau:          c.TPlateau,
		NPlateau:          c.NPlateau,
		BPlanning:         c.BPlanning,
		MaxVariants:       c.MaxVariants,
		PlanningTimeLimit: c.PlanningTimeLimit.Duration,
	}
}

type Decision struct {
	Converged bool
	Reason    Reason
	// Forced is set when a hard limit ended planning rather than the variants themselves.
	Forced bool
	Winner domain.PlanVariant
	Ranked []domain.PlanVariant
}

// RankingIDs lists plan ids best first.
func (d Decision) RankingIDs() []string {
	out := make([]string, len(d.Ranked))
	for i, v := range d.Ranked {
		out[i] = v.PlanID
	}
	return out
}

// EV is p_success*impact - lambda*entropy - cost.
func EV(m domain.Metrics, lambda float64) float64 {
	return m.PSuccess*m.Impact - lambda*m.Entropy - m.Cost
}

type Evaluator struct {
	Thresholds Thresholds
}

func New(t Thresholds) Evaluator {
	return Evaluator{Thresholds: t}
}

// Rank orders variants by EV desc, entropy asc, then insertion order. The input is not modified.
func (e Evaluator) Rank(variants []domain.PlanVariant) []domain.PlanVariant {
	ranked := make([]domain.PlanVariant, len(variants))
	copy(ranked, variants)
	for i := range ranked {
		ranked[i].Predicted.EV = EV(ranked[i].Predicted, e.Thresholds.Lambda)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Predicted, ranked[j].Predicted
		if a.EV != b.EV {
			return a.EV > b.EV
		}
		return a.Entropy < b.Entropy
	})
	return ranked
}

// Evaluate applies the termination rules in order. elapsed is the time spent
// planning so far; variants must be in insertion order.
func (e Evaluator) Evaluate(variants []domain.PlanVariant, elapsed time.Duration) Decision {
	t := e.Thresholds
	ranked := e.Rank(variants)
	d := Decision{Ranked: ranked}
	n := len(ranked)
	if n == 0 {
		return d
	}
	win := func(r Reason, forced bool) Decision {
		d.Converged = true
		d.Reason = r
		d.Forced = forced
		d.Winner = ranked[0]
		return d
	}

	if n >= 2 && ranked[0].Predicted.EV-ranked[1].Predicted.EV > t.TDominant {
		return win(ReasonDominantPlan, false)
	}
	if t.NPlateau > 0 && n >= t.NPlateau+1 {
		if e.bestAfter(variants, n)-e.bestAfter(variants, n-t.NPlateau) < t.TPlateau {
			return win(ReasonEVPlateau, false)
		}
	}
	var cost float64
	for _, v := range variants {
		cost += v.Predicted.Cost
	}
	if cost > t.BPlanning {
		return win(ReasonBudgetExhausted, false)
	}
	if t.MaxVariants > 0 && n >= t.MaxVariants {
		return win(ReasonMaxVariants, true)
	}
	if t.PlanningTimeLimit > 0 && elapsed >= t.PlanningTimeLimit {
		return win(ReasonBudgetExhausted, true)
	}
	return d
}

// bestAfter is the best EV among the first k variants in insertion order.
func (e Evaluator) bestAfter(variants []domain.PlanVariant, k int) float64 {
	best := math.Inf(-1)
	for _, v := range variants[:k] {
		if ev := EV(v.Predicted, e.Thresholds.Lambda); ev > best {
			best = ev
		}
	}
	return best
}

// DiversityHint reports whether the set holds both a low-entropy variant and
// one at least twice as disruptive. It is advisory only.
func DiversityHint(variants []domain.PlanVariant) bool {
	if len(variants) < 2 {
		return false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range variants {
		lo = math.Min(lo, v.Predicted.Entropy)
		hi = math.Max(hi, v.Predicted.Entropy)
	}
	if hi == 0 {
		return false
	}
	return hi >= 2*lo && hi > lo
}
