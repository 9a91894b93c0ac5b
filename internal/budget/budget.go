// Package budget allocates entropy and cost budgets down the intent tree and
// keeps agent trust scores.
package budget

import (
	"math"

	"holon/internal/config"
	"holon/internal/domain"
	"holon/internal/repo"
)

// Manager reads budgets and trust from the read model. It never writes; the
// engine records whatever it decides.
type Manager struct {
	Budgets config.Budgets
	Trust   config.Trust
	Repo    *repo.Repo
}

func New(cfg *config.Config, r *repo.Repo) Manager {
	return Manager{Budgets: cfg.Budgets, Trust: cfg.Trust, Repo: r}
}

type Allocation struct {
	IntentID string
	ParentID string
	Entropy  float64
	Cost     float64
	Fraction float64
	Tier     string
}

// TrustOf returns the agent's recorded state, or the configured starting state.
func (m Manager) TrustOf(agentID string) domain.TrustState {
	if t, ok := m.Repo.Trust(agentID); ok {
		return t
	}
	return domain.TrustState{AgentID: agentID, Level: m.Trust.DefaultLevel, Score: m.Trust.DefaultScore}
}

// TierRank returns the position of a tier, lowest first, or -1.
func (m Manager) TierRank(name string) int {
	for i, t := range m.Trust.Tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (m Manager) tier(name string) config.Tier {
	if i := m.TierRank(name); i >= 0 {
		return m.Trust.Tiers[i]
	}
	return m.Trust.Tiers[0]
}

// LevelFor is the highest tier whose min_score <= score. Any violation caps at the lowest tier.
func (m Manager) LevelFor(score float64, violations int) string {
	if violations > 0 {
		return m.Trust.Tiers[0].Name
	}
	level := m.Trust.Tiers[0].Name
	for _, t := range m.Trust.Tiers {
		if t.MinScore <= score {
			level = t.Name
		}
	}
	return level
}

// Allocate sizes a new intent's budget. Roots get their declared budget or the
// configured default; children get the creator tier's fraction of the parent's
// remaining budget, capped by any declared constraint.
func (m Manager) Allocate(in domain.Intent, creator string) (Allocation, error) {
	trust := m.TrustOf(creator)
	t := m.tier(trust.Level)
	a := Allocation{IntentID: in.ID, Tier: t.Name}

	if in.IsRoot() {
		a.Fraction = 1
		a.Entropy = pick(in.Constraints.EntropyBudget, m.Budgets.RootEntropy)
		a.Cost = pick(in.Constraints.CostBudget, m.Budgets.RootCost)
	} else {
		parent, ok := m.Repo.Budget(in.Parent())
		if !ok {
			return a, domain.Errorf(domain.KindBudgetExhausted, "parent %s has no budget allocation", in.Parent())
		}
		a.ParentID = in.Parent()
		a.Fraction = t.BudgetFraction
		a.Entropy = capped(a.Fraction*parent.Remaining(), in.Constraints.EntropyBudget)
		a.Cost = capped(a.Fraction*parent.Cost, in.Constraints.CostBudget)
	}
	if a.Entropy <= 0 {
		return a, domain.Errorf(domain.KindBudgetExhausted, "no entropy budget left for %s", in.ID)
	}
	return a, nil
}

// CheckExecution rejects a plan whose predictions exceed the intent's budget,
// or an executor whose tier is below the intent's trust_required.
func (m Manager) CheckExecution(in domain.Intent, plan domain.PlanVariant, executor string) error {
	if req := in.Constraints.TrustRequired; req != "" {
		have := m.TrustOf(executor)
		if m.TierRank(have.Level) < m.TierRank(req) {
			return domain.Errorf(domain.KindTrustInsufficient, "agent %s is %s, intent requires %s", executor, have.Level, req)
		}
	}
	b, ok := m.Repo.Budget(in.ID)
	if !ok {
		return domain.Errorf(domain.KindBudgetExhausted, "intent %s has no budget allocation", in.ID)
	}
	if plan.Predicted.Entropy > b.Remaining() {
		return domain.Errorf(domain.KindBudgetExhausted, "predicted entropy %.4g exceeds remaining budget %.4g", plan.Predicted.Entropy, b.Remaining())
	}
	if plan.Predicted.Cost > b.Cost {
		return domain.Errorf(domain.KindBudgetExhausted, "predicted cost %.4g exceeds cost budget %.4g", plan.Predicted.Cost, b.Cost)
	}
	return nil
}

type Shortfall struct {
	IntentID string
	Amount   float64
}

// Overspend lists, nearest first, every allocated budget in the lineage that
// actual entropy would push below zero.
func (m Manager) Overspend(intentID string, actualEntropy float64) []Shortfall {
	var out []Shortfall
	for _, id := range append([]string{intentID}, m.Repo.Ancestors(intentID)...) {
		b, ok := m.Repo.Budget(id)
		if !ok || b.Allocated == 0 && b.Override == 0 {
			continue
		}
		if short := actualEntropy - b.Remaining(); short > 0 {
			out = append(out, Shortfall{IntentID: id, Amount: short})
		}
	}
	return out
}

// Recompute folds one finished execution into an agent's trust state.
func (m Manager) Recompute(prev domain.TrustState, predictedP float64, success, violation bool) domain.TrustState {
	next := prev
	next.Executions++
	actual := 0.0
	if success {
		next.Successes++
		actual = 1
	} else {
		next.Failures++
	}
	if violation {
		next.Violations++
	}
	next.CalibrationErrorSum += math.Abs(predictedP - actual)
	next.Score = m.Score(next)
	next.Level = m.LevelFor(next.Score, next.Violations)
	return next
}

// Score is w_s*success_rate + w_c*(1-mean_calibration_error) + w_v*(1-violation_rate)
// less any downgrade penalty, clamped to [0,1].
func (m Manager) Score(s domain.TrustState) float64 {
	score := m.Trust.DefaultScore
	if s.Executions > 0 {
		n := float64(s.Executions)
		w := m.Trust.Weights
		score = w.Success*float64(s.Successes)/n +
			w.Calibration*(1-s.MeanCalibrationError()) +
			w.Violation*(1-float64(s.Violations)/n)
	}
	return math.Max(0, math.Min(1, score-s.Penalty))
}

// Downgrade drops an agent one tier, never below the lowest. The score falls
// to the middle of the new tier and the difference is kept as a penalty, so
// later executions have to earn the tier back.
func (m Manager) Downgrade(prev domain.TrustState) domain.TrustState {
	next := prev
	i := m.TierRank(prev.Level)
	if i <= 0 {
		next.Level = m.Trust.Tiers[0].Name
		return next
	}
	lower := m.Trust.Tiers[i-1]
	next.Level = lower.Name
	target := (lower.MinScore + m.Trust.Tiers[i].MinScore) / 2
	if prev.Score > target {
		next.Penalty += prev.Score - target
		next.Score = target
	}
	return next
}

func pick(declared, fallback float64) float64 {
	if declared > 0 {
		return declared
	}
	return fallback
}

func capped(share, declared float64) float64 {
	if declared > 0 && declared < share {
		return declared
	}
	return share
}
