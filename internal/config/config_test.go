package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("demo")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "main", cfg.Git.Trunk)
	require.Equal(t, 10*time.Minute, cfg.Convergence.PlanningTimeLimit.Duration)
	require.Equal(t, []string{"probation", "standard", "trusted"}, cfg.TierNames())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`project:
  id: demo
convergence:
  t_dominant: 2.5
  planning_time_limit: 90s
`))
	require.NoError(t, err)
	require.Equal(t, 2.5, cfg.Convergence.TDominant)
	require.Equal(t, 90*time.Second, cfg.Convergence.PlanningTimeLimit.Duration)
	require.Equal(t, 8, cfg.Convergence.MaxVariants)
}

func TestFromYAMLRejectsBadTiers(t *testing.T) {
	_, err := FromYAML([]byte(`project:
  id: demo
trust:
  tiers:
    - name: high
      min_score: 0.8
      budget_fraction: 0.7
    - name: low
      min_score: 0.1
      budget_fraction: 0.2
`))
	require.ErrorContains(t, err, "ordered")
}

func TestFromYAMLRejectsWeights(t *testing.T) {
	_, err := FromYAML([]byte(`project:
  id: demo
trust:
  weights:
    success: 0.9
    calibration: 0.9
    violation: 0.9
`))
	require.ErrorContains(t, err, "sum to 1")
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	data := `[project]
id = "demo"

[git]
trunk = "trunk"
branch_prefix = "work"

[execution]
timeout = "5m"
retry_cap = 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "holon.toml"), []byte(data), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "trunk", cfg.Git.Trunk)
	require.Equal(t, "work", cfg.Git.BranchPrefix)
	require.Equal(t, 5*time.Minute, cfg.Execution.Timeout.Duration)
	require.Equal(t, 1, cfg.Execution.RetryCap)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorContains(t, err, "holon init")
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}
