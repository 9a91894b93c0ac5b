package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"holon/internal/agent"
	"holon/internal/domain"
)

// measure derives actual metrics for a finished execution. The branch diff
// against base wins over what the executor reported when the backend has one.
func (e *Engine) measure(ctx context.Context, in domain.Intent, base string, plan domain.PlanVariant, out agent.Outcome, success bool) (domain.ActualMetrics, []string) {
	obs := out.Observations
	files, added, deleted := obs.FilesChanged, obs.LinesAdded, obs.LinesDeleted
	paths := append([]string(nil), obs.Paths...)
	if st, err := e.Branches.VCS.DiffStat(ctx, base, in.Branch); err != nil {
		e.Log.Debug("diff stat unavailable, using executor observations", zap.String("intent_id", in.ID), zap.Error(err))
	} else if st.Files > 0 {
		files, added, deleted = st.Files, st.Added, st.Deleted
		paths = mergePaths(paths, st.Paths)
	}
	if files < len(paths) {
		files = len(paths)
	}

	b := e.Config.Budgets
	actual := domain.ActualMetrics{
		Entropy:      float64(files)*b.EntropyPerFile + float64(added+deleted)*b.EntropyPerLine,
		Cost:         obs.Cost,
		FilesChanged: files,
		LinesAdded:   added,
		LinesDeleted: deleted,
		TestsPassed:  obs.TestsPassed,
		TestsFailed:  obs.TestsFailed,
	}
	if success {
		actual.PSuccess = 1
		actual.Impact = plan.Predicted.Impact
		if obs.Impact != nil && *obs.Impact >= 0 {
			actual.Impact = *obs.Impact
		}
	}
	return actual, paths
}

// outOfScope returns the first path the intent's scope does not permit.
func outOfScope(s domain.Scope, paths []string) (string, bool) {
	for _, p := range paths {
		if !domain.InScope(s, p) {
			return p, true
		}
	}
	return "", false
}

func mergePaths(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, p := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
