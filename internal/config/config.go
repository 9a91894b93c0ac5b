package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config models holon.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" toml:"id" json:"id"`
	} `yaml:"project" toml:"project" json:"project"`
	Git         Git         `yaml:"git" toml:"git" json:"git"`
	Convergence Convergence `yaml:"convergence" toml:"convergence" json:"convergence"`
	Budgets     Budgets     `yaml:"budgets" toml:"budgets" json:"budgets"`
	Trust       Trust       `yaml:"trust" toml:"trust" json:"trust"`
	Execution   Execution   `yaml:"execution" toml:"execution" json:"execution"`
	Merge       Merge       `yaml:"merge" toml:"merge" json:"merge"`
	Agents      Agents      `yaml:"agents" toml:"agents" json:"agents"`
	Webhooks    []Webhook   `yaml:"webhooks" toml:"webhooks" json:"webhooks,omitempty"`
}

type Git struct {
	Repo         string   `yaml:"repo" toml:"repo" json:"repo"`
	Trunk        string   `yaml:"trunk" toml:"trunk" json:"trunk"`
	BranchPrefix string   `yaml:"branch_prefix" toml:"branch_prefix" json:"branch_prefix"`
	Strategies   []string `yaml:"strategies" toml:"strategies" json:"strategies"`
}

type Convergence struct {
	Lambda            float64  `yaml:"lambda" toml:"lambda" json:"lambda"`
	TDominant         float64  `yaml:"t_dominant" toml:"t_dominant" json:"t_dominant"`
	TPlateau          float64  `yaml:"t_plateau" toml:"t_plateau" json:"t_plateau"`
	NPlateau          int      `yaml:"n_plateau" toml:"n_plateau" json:"n_plateau"`
	BPlanning         float64  `yaml:"b_planning" toml:"b_planning" json:"b_planning"`
	MaxVariants       int      `yaml:"max_variants" toml:"max_variants" json:"max_variants"`
	PlanningTimeLimit Duration `yaml:"planning_time_limit" toml:"planning_time_limit" json:"planning_time_limit"`
}

type Budgets struct {
	RootEntropy    float64 `yaml:"root_entropy" toml:"root_entropy" json:"root_entropy"`
	RootCost       float64 `yaml:"root_cost" toml:"root_cost" json:"root_cost"`
	EntropyPerFile float64 `yaml:"entropy_per_file" toml:"entropy_per_file" json:"entropy_per_file"`
	EntropyPerLine float64 `yaml:"entropy_per_line" toml:"entropy_per_line" json:"entropy_per_line"`
}

type Tier struct {
	Name           string  `yaml:"name" toml:"name" json:"name"`
	MinScore       float64 `yaml:"min_score" toml:"min_score" json:"min_score"`
	BudgetFraction float64 `yaml:"budget_fraction" toml:"budget_fraction" json:"budget_fraction"`
}

type Trust struct {
	Tiers        []Tier  `yaml:"tiers" toml:"tiers" json:"tiers"`
	DefaultLevel string  `yaml:"default_level" toml:"default_level" json:"default_level"`
	DefaultScore float64 `yaml:"default_score" toml:"default_score" json:"default_score"`
	Weights      struct {
		Success     float64 `yaml:"success" toml:"success" json:"success"`
		Calibration float64 `yaml:"calibration" toml:"calibration" json:"calibration"`
		Violation   float64 `yaml:"violation" toml:"violation" json:"violation"`
	} `yaml:"weights" toml:"weights" json:"weights"`
}

type Execution struct {
	Timeout  Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	RetryCap int      `yaml:"retry_cap" toml:"retry_cap" json:"retry_cap"`
}

type Merge struct {
	ConflictWeight   float64 `yaml:"conflict_weight" toml:"conflict_weight" json:"conflict_weight"`
	RedundancyWeight float64 `yaml:"redundancy_weight" toml:"redundancy_weight" json:"redundancy_weight"`
}

type Agents struct {
	Planner  []string `yaml:"planner" toml:"planner" json:"planner,omitempty"`
	Executor []string `yaml:"executor" toml:"executor" json:"executor,omitempty"`
	Curator  []string `yaml:"curator" toml:"curator" json:"curator,omitempty"`
}

type Webhook struct {
	URL     string   `yaml:"url" toml:"url" json:"url"`
	Events  []string `yaml:"events" toml:"events" json:"events,omitempty"`
	Secret  string   `yaml:"secret" toml:"secret" json:"-"`
	Enabled *bool    `yaml:"enabled" toml:"enabled" json:"enabled,omitempty"`
}

// Duration decodes "90s"/"10m" strings from YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads and validates config from workspace. holon.yml wins over holon.toml.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, terr := os.Stat(TOMLPath(workspace)); terr == nil {
			return FromFile(TOMLPath(workspace))
		}
		return nil, fmt.Errorf("config %s not found; create one with holon init", path)
	}
	return FromFile(path)
}

// LoadOptional returns the default config if no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); err == nil {
		return FromFile(Path(workspace))
	}
	if _, err := os.Stat(TOMLPath(workspace)); err == nil {
		return FromFile(TOMLPath(workspace))
	}
	return Default(filepath.Base(absOrSelf(workspace))), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Git.Trunk == "" {
		return fmt.Errorf("config.git.trunk is required")
	}
	if c.Git.BranchPrefix == "" || strings.ContainsAny(c.Git.BranchPrefix, " ~^:?*[\\") {
		return fmt.Errorf("config.git.branch_prefix must be a valid ref prefix")
	}
	for _, s := range c.Git.Strategies {
		if s != "whitespace" && s != "disjoint" {
			return fmt.Errorf("config.git.strategies: unknown strategy %s", s)
		}
	}
	cv := c.Convergence
	if cv.Lambda < 0 {
		return fmt.Errorf("config.convergence.lambda must be >= 0")
	}
	if cv.TDominant <= 0 || cv.TPlateau < 0 {
		return fmt.Errorf("config.convergence.t_dominant must be > 0 and t_plateau >= 0")
	}
	if cv.NPlateau < 1 {
		return fmt.Errorf("config.convergence.n_plateau must be >= 1")
	}
	if cv.MaxVariants < 1 {
		return fmt.Errorf("config.convergence.max_variants must be >= 1")
	}
	if cv.PlanningTimeLimit.Duration <= 0 {
		return fmt.Errorf("config.convergence.planning_time_limit must be > 0")
	}
	if cv.BPlanning <= 0 {
		return fmt.Errorf("config.convergence.b_planning must be > 0")
	}
	if c.Budgets.RootEntropy <= 0 || c.Budgets.RootCost <= 0 {
		return fmt.Errorf("config.budgets.root_entropy and root_cost must be > 0")
	}
	if c.Budgets.EntropyPerFile < 0 || c.Budgets.EntropyPerLine < 0 {
		return fmt.Errorf("config.budgets entropy rates must be >= 0")
	}
	if len(c.Trust.Tiers) == 0 {
		return fmt.Errorf("config.trust.tiers is required")
	}
	seen := map[string]bool{}
	for i, t := range c.Trust.Tiers {
		if t.Name == "" {
			return fmt.Errorf("config.trust.tiers[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("config.trust.tiers: duplicate tier %s", t.Name)
		}
		seen[t.Name] = true
		if t.BudgetFraction <= 0 || t.BudgetFraction > 1 {
			return fmt.Errorf("tier %s budget_fraction must be in (0,1]", t.Name)
		}
		if t.MinScore < 0 || t.MinScore > 1 {
			return fmt.Errorf("tier %s min_score must be in [0,1]", t.Name)
		}
		if i > 0 {
			prev := c.Trust.Tiers[i-1]
			if t.MinScore <= prev.MinScore || t.BudgetFraction < prev.BudgetFraction {
				return fmt.Errorf("config.trust.tiers must be ordered by increasing min_score and budget_fraction")
			}
		}
	}
	if c.Trust.DefaultLevel != "" && !seen[c.Trust.DefaultLevel] {
		return fmt.Errorf("config.trust.default_level %s is not a tier", c.Trust.DefaultLevel)
	}
	w := c.Trust.Weights
	if w.Success < 0 || w.Calibration < 0 || w.Violation < 0 {
		return fmt.Errorf("config.trust.weights must be >= 0")
	}
	if sum := w.Success + w.Calibration + w.Violation; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config.trust.weights must sum to 1 (got %.3f)", sum)
	}
	if c.Execution.Timeout.Duration <= 0 {
		return fmt.Errorf("config.execution.timeout must be > 0")
	}
	if c.Execution.RetryCap < 0 {
		return fmt.Errorf("config.execution.retry_cap must be >= 0")
	}
	if c.Merge.ConflictWeight < 0 || c.Merge.RedundancyWeight < 0 {
		return fmt.Errorf("config.merge weights must be >= 0")
	}
	for i, h := range c.Webhooks {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// TierNames returns tier names ordered from lowest to highest trust.
func (c *Config) TierNames() []string {
	tiers := append([]Tier(nil), c.Trust.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinScore < tiers[j].MinScore })
	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, t.Name)
	}
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "holon.yml")
}

func TOMLPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "holon.toml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default("")
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from the given path, picking the decoder by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

const defaultTemplate = `project:
  id: %s

git:
  repo: .
  trunk: main
  branch_prefix: intent
  strategies: [whitespace, disjoint]

convergence:
  lambda: 0.1
  t_dominant: 5.0
  t_plateau: 0.1
  n_plateau: 3
  b_planning: 100
  max_variants: 8
  planning_time_limit: 10m

budgets:
  root_entropy: 100
  root_cost: 100
  entropy_per_file: 1.0
  entropy_per_line: 0.01

trust:
  default_level: standard
  default_score: 0.5
  tiers:
    - name: probation
      min_score: 0.0
      budget_fraction: 0.25
    - name: standard
      min_score: 0.4
      budget_fraction: 0.5
    - name: trusted
      min_score: 0.8
      budget_fraction: 0.75
  weights:
    success: 0.5
    calibration: 0.3
    violation: 0.2

execution:
  timeout: 30m
  retry_cap: 2

merge:
  conflict_weight: 1.0
  redundancy_weight: 0.5

agents:
  # planner: [python3, agents/plan.py]
  # executor: [./agents/execute.sh]
  curator: [.holon/kb.jsonl]
`
