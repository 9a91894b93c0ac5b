// Package branch maps intents onto version-control branches and enforces the
// rebase and merge discipline between them.
package branch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"holon/internal/domain"
	"holon/internal/syncx"
)

// Named rebase strategies tried, in configured order, after a plain rebase conflicts.
const (
	StrategyWhitespace = "whitespace"
	StrategyDisjoint   = "disjoint"
)

// leaf keeps an intent's ref from colliding with the directory holding its children's refs.
const leaf = "work"

type DiffStat struct {
	Files   int
	Added   int
	Deleted int
	Paths   []string
}

// RebaseResult reports a rebase attempt. On conflict the VCS has already
// aborted and the branch is untouched.
type RebaseResult struct {
	Conflicts []string
	Head      string
}

// VCS is the version-control surface the controller needs.
type VCS interface {
	Head(ctx context.Context, branch string) (string, error)
	BranchExists(ctx context.Context, branch string) (bool, error)
	CreateBranch(ctx context.Context, branch, from string) error
	Rebase(ctx context.Context, branch, onto, strategy string) (RebaseResult, error)
	// Merge merges source into target. Conflicts abort the merge and are returned.
	Merge(ctx context.Context, source, target string) (commit string, conflicts []string, err error)
	// ChangedFiles lists paths changed on to since its merge base with from.
	ChangedFiles(ctx context.Context, from, to string) ([]string, error)
	DiffStat(ctx context.Context, base, branch string) (DiffStat, error)
	// Workdir returns a checkout of branch for an executor, or "" when the backend has none.
	Workdir(ctx context.Context, branch string) (string, error)
	// Dirty reports uncommitted changes in an existing checkout of branch.
	Dirty(ctx context.Context, branch string) (bool, error)
}

// Name derives <prefix>/<root>/.../<intent>/work from a root-first lineage.
func Name(prefix string, lineage []string) string {
	parts := make([]string, 0, len(lineage)+2)
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, lineage...)
	parts = append(parts, leaf)
	return strings.Join(parts, "/")
}

// Dir is the branch name without its leaf; every descendant's branch starts with it.
func Dir(branch string) string {
	return strings.TrimSuffix(branch, "/"+leaf)
}

type Controller struct {
	VCS        VCS
	Trunk      string
	Prefix     string
	Strategies []string
	Weights    Weights
	Log        *zap.Logger

	locks *syncx.KeyedMutex
}

type Weights struct {
	Conflict   float64
	Redundancy float64
}

func NewController(vcs VCS, trunk, prefix string, strategies []string, w Weights, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		VCS:        vcs,
		Trunk:      trunk,
		Prefix:     prefix,
		Strategies: strategies,
		Weights:    w,
		Log:        log.Named("branch"),
		locks:      &syncx.KeyedMutex{},
	}
}

// Name derives the branch for a root-first lineage with the controller's prefix.
func (c *Controller) Name(lineage []string) string {
	return Name(c.Prefix, lineage)
}

// EnsureBranch creates branch from the tip of from when it does not exist yet.
func (c *Controller) EnsureBranch(ctx context.Context, branch, from string) error {
	c.locks.Lock(branch)
	defer c.locks.Unlock(branch)
	ok, err := c.VCS.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := c.VCS.CreateBranch(ctx, branch, from); err != nil {
		return fmt.Errorf("create branch %s from %s: %w", branch, from, err)
	}
	c.Log.Debug("branch created", zap.String("branch", branch), zap.String("from", from))
	return nil
}

type RebaseReport struct {
	Status        string
	Strategy      string
	ConflictFiles []string
	Head          string
}

func (r RebaseReport) Conflict() bool { return r.Status == "conflict" }

// MergeDisjointLines merges two edits of base line by line. Both sides must
// keep the line count and never change the same line; otherwise ok is false.
func MergeDisjointLines(base, ours, theirs string) (merged string, ok bool) {
	b, o, t := strings.Split(base, "\n"), strings.Split(ours, "\n"), strings.Split(theirs, "\n")
	if len(b) != len(o) || len(b) != len(t) {
		return "", false
	}
	out := make([]string, len(b))
	for i := range b {
		switch {
		case o[i] == b[i]:
			out[i] = t[i]
		case t[i] == b[i] || t[i] == o[i]:
			out[i] = o[i]
		default:
			return "", false
		}
	}
	return strings.Join(out, "\n"), true
}

// Rebase moves branch onto the tip of onto. A plain rebase is tried first, then
// each configured safe strategy. A remaining conflict is reported, not returned
// as an error.
func (c *Controller) Rebase(ctx context.Context, branch, onto string) (RebaseReport, error) {
	c.locks.Lock(branch)
	defer c.locks.Unlock(branch)

	var last RebaseResult
	for _, strategy := range append([]string{""}, c.Strategies...) {
		res, err := c.VCS.Rebase(ctx, branch, onto, strategy)
		if err != nil {
			return RebaseReport{}, fmt.Errorf("rebase %s onto %s: %w", branch, onto, err)
		}
		if len(res.Conflicts) == 0 {
			return RebaseReport{Status: "success", Strategy: strategy, Head: res.Head}, nil
		}
		c.Log.Debug("rebase conflict",
			zap.String("branch", branch),
			zap.String("onto", onto),
			zap.String("strategy", strategy),
			zap.Strings("files", res.Conflicts),
		)
		last = res
	}
	files := append([]string(nil), last.Conflicts...)
	sort.Strings(files)
	head, _ := c.VCS.Head(ctx, branch)
	return RebaseReport{Status: "conflict", ConflictFiles: files, Head: head}, nil
}

// Target is where an intent may merge. Roots need a recorded approval.
func (c *Controller) Target(in domain.Intent, parentBranch string, approved bool) (string, error) {
	if in.IsRoot() {
		if !approved {
			return "", domain.Error{Kind: domain.KindMergeRejected, IntentID: in.ID, Msg: "root intent has no approved review"}
		}
		return c.Trunk, nil
	}
	if parentBranch == "" {
		return "", domain.Error{Kind: domain.KindMergeRejected, IntentID: in.ID, Msg: "parent branch unknown"}
	}
	return parentBranch, nil
}

// Merge merges in's branch into target after checking target is the only legal one.
func (c *Controller) Merge(ctx context.Context, in domain.Intent, parentBranch, target string, approved bool) (string, error) {
	want, err := c.Target(in, parentBranch, approved)
	if err != nil {
		return "", err
	}
	if target != want {
		return "", domain.Error{Kind: domain.KindMergeRejected, IntentID: in.ID, Msg: fmt.Sprintf("target %s is not %s", target, want)}
	}
	first, second := in.Branch, target
	if second < first {
		first, second = second, first
	}
	c.locks.Lock(first)
	defer c.locks.Unlock(first)
	c.locks.Lock(second)
	defer c.locks.Unlock(second)

	commit, conflicts, err := c.VCS.Merge(ctx, in.Branch, target)
	if err != nil {
		return "", fmt.Errorf("merge %s into %s: %w", in.Branch, target, err)
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return "", domain.Error{Kind: domain.KindRebaseConflict, IntentID: in.ID, Msg: "merge conflict", Paths: conflicts}
	}
	return commit, nil
}

// Candidate is a successful sibling waiting to merge into its parent.
type Candidate struct {
	IntentID      string
	Branch        string
	ImpactActual  float64
	EntropyActual float64
	Paths         []string
}

type Scored struct {
	Candidate
	ConflictRisk float64
	Redundancy   float64
	MergeValue   float64
}

// Score computes merge_value = impact - conflict_risk - entropy - redundancy_penalty.
// Conflict risk counts the candidate's paths the parent changed since the
// candidate forked; redundancy counts paths already merged by siblings.
func (c *Controller) Score(ctx context.Context, parentBranch string, cand Candidate, merged []Candidate) (Scored, error) {
	moved, err := c.VCS.ChangedFiles(ctx, cand.Branch, parentBranch)
	if err != nil {
		return Scored{}, err
	}
	mine := set(cand.Paths)
	overlap := 0
	for _, p := range moved {
		if _, ok := mine[p]; ok {
			overlap++
		}
	}
	done := map[string]struct{}{}
	for _, m := range merged {
		for _, p := range m.Paths {
			done[p] = struct{}{}
		}
	}
	redundant := 0
	for p := range mine {
		if _, ok := done[p]; ok {
			redundant++
		}
	}
	s := Scored{
		Candidate:    cand,
		ConflictRisk: c.Weights.Conflict * float64(overlap),
		Redundancy:   c.Weights.Redundancy * float64(redundant),
	}
	s.MergeValue = cand.ImpactActual - s.ConflictRisk - cand.EntropyActual - s.Redundancy
	return s, nil
}

// NextMerge picks the highest merge_value among pending candidates, scored
// against the parent's current tip. Ties keep the input order.
func (c *Controller) NextMerge(ctx context.Context, parentBranch string, pending, merged []Candidate) (Scored, bool, error) {
	var best Scored
	found := false
	for _, cand := range pending {
		s, err := c.Score(ctx, parentBranch, cand, merged)
		if err != nil {
			return Scored{}, false, err
		}
		if !found || s.MergeValue > best.MergeValue {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func set(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}
