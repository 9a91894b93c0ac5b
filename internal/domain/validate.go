package domain

import (
	"math"
	"regexp"
	"strings"
)

var intentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateIntentID rejects ids that cannot be used as a git ref path segment.
func ValidateIntentID(id string) error {
	if !intentIDPattern.MatchString(id) || strings.Contains(id, "..") || strings.HasSuffix(id, ".lock") || strings.HasSuffix(id, ".") {
		return Errorf(KindInvalidSpec, "intent id %q must match %s", id, intentIDPattern.String())
	}
	return nil
}

// ValidateConstraints checks numeric constraint ranges.
func ValidateConstraints(c Constraints) error {
	if !finite(c.EntropyBudget) || c.EntropyBudget < 0 {
		return Errorf(KindInvalidSpec, "constraints.entropy_budget must be >= 0")
	}
	if !finite(c.CostBudget) || c.CostBudget < 0 {
		return Errorf(KindInvalidSpec, "constraints.cost_budget must be >= 0")
	}
	if c.TimeBudget < 0 {
		return Errorf(KindInvalidSpec, "constraints.time_budget must be >= 0")
	}
	return nil
}

// ValidateScope rejects paths that are both allowed and forbidden, and absolute or escaping paths.
func ValidateScope(s Scope) error {
	forbidden := map[string]struct{}{}
	for _, p := range s.ForbiddenPaths {
		if err := validatePath(p, "forbidden_paths"); err != nil {
			return err
		}
		forbidden[p] = struct{}{}
	}
	for _, p := range s.AllowedPaths {
		if err := validatePath(p, "allowed_paths"); err != nil {
			return err
		}
		if _, ok := forbidden[p]; ok {
			return Errorf(KindInvalidSpec, "scope path %q is both allowed and forbidden", p)
		}
	}
	return nil
}

func validatePath(p, field string) error {
	if strings.TrimSpace(p) == "" {
		return Errorf(KindInvalidSpec, "scope.%s contains an empty path", field)
	}
	if strings.HasPrefix(p, "/") || p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../") {
		return Errorf(KindInvalidSpec, "scope.%s path %q must be relative to the repository", field, p)
	}
	return nil
}

// ValidateMetrics enforces the predicted metrics envelope ranges.
func ValidateMetrics(m Metrics) error {
	for name, v := range map[string]float64{"p_success": m.PSuccess, "entropy": m.Entropy, "impact": m.Impact, "cost": m.Cost} {
		if !finite(v) {
			return Errorf(KindInvalidSpec, "predicted.%s must be finite", name)
		}
	}
	if m.PSuccess < 0 || m.PSuccess > 1 {
		return Errorf(KindInvalidSpec, "predicted.p_success %v outside [0,1]", m.PSuccess)
	}
	if m.Entropy < 0 {
		return Errorf(KindInvalidSpec, "predicted.entropy %v must be >= 0", m.Entropy)
	}
	if m.Impact < 0 {
		return Errorf(KindInvalidSpec, "predicted.impact %v must be >= 0", m.Impact)
	}
	if m.Cost < 0 {
		return Errorf(KindInvalidSpec, "predicted.cost %v must be >= 0", m.Cost)
	}
	return nil
}

// InScope reports whether path is permitted by s. Forbidden prefixes win; an empty
// allow list permits everything not forbidden.
func InScope(s Scope, path string) bool {
	for _, f := range s.ForbiddenPaths {
		if hasPathPrefix(path, f) {
			return false
		}
	}
	if len(s.AllowedPaths) == 0 {
		return true
	}
	for _, a := range s.AllowedPaths {
		if hasPathPrefix(path, a) {
			return true
		}
	}
	return false
}

func hasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
