package branch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// GitCLI drives a local repository through the git binary. Rebases and merges
// run in per-branch worktrees so the main checkout is never disturbed.
type GitCLI struct {
	Dir         string
	WorktreeDir string
	AuthorName  string
	AuthorEmail string

	mu sync.Mutex
}

func NewGitCLI(dir, worktreeDir string) *GitCLI {
	return &GitCLI{Dir: dir, WorktreeDir: worktreeDir, AuthorName: "holon", AuthorEmail: "holon@localhost"}
}

type gitError struct {
	args   []string
	stderr string
	err    error
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.args, " "), e.err, strings.TrimSpace(e.stderr))
}

func (e *gitError) Unwrap() error { return e.err }

func (g *GitCLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.runRaw(ctx, dir, args...)
	if err != nil {
		return out, err
	}
	return strings.TrimSpace(out), nil
}

// runRaw returns stdout untrimmed, for commands whose output is file content.
func (g *GitCLI) runRaw(ctx context.Context, dir string, args ...string) (string, error) {
	full := args
	if g.AuthorName != "" {
		full = append([]string{"-c", "user.name=" + g.AuthorName, "-c", "user.email=" + g.AuthorEmail}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_EDITOR=true", "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &gitError{args: args, stderr: stderr.String(), err: err}
	}
	return stdout.String(), nil
}

func ref(branch string) string { return "refs/heads/" + branch }

func (g *GitCLI) Head(ctx context.Context, branch string) (string, error) {
	return g.run(ctx, g.Dir, "rev-parse", "--verify", ref(branch)+"^{commit}")
}

func (g *GitCLI) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.run(ctx, g.Dir, "show-ref", "--verify", "--quiet", ref(branch))
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func (g *GitCLI) CreateBranch(ctx context.Context, branch, from string) error {
	_, err := g.run(ctx, g.Dir, "branch", branch, ref(from))
	return err
}

func (g *GitCLI) Rebase(ctx context.Context, branch, onto, strategy string) (RebaseResult, error) {
	wt, err := g.Workdir(ctx, branch)
	if err != nil {
		return RebaseResult{}, err
	}
	args := []string{"rebase"}
	switch strategy {
	case "":
	case StrategyWhitespace:
		args = append(args, "-X", "ignore-all-space")
	case StrategyDisjoint:
		return g.rebaseDisjoint(ctx, wt, branch, onto)
	default:
		return RebaseResult{}, fmt.Errorf("unknown rebase strategy %q", strategy)
	}
	args = append(args, onto)
	if _, err := g.run(ctx, wt, args...); err != nil {
		conflicts, lerr := g.unmerged(ctx, wt)
		_, _ = g.run(ctx, wt, "rebase", "--abort")
		if lerr != nil || len(conflicts) == 0 {
			return RebaseResult{}, err
		}
		head, _ := g.Head(ctx, branch)
		return RebaseResult{Conflicts: conflicts, Head: head}, nil
	}
	head, err := g.Head(ctx, branch)
	return RebaseResult{Head: head}, err
}

// rebaseDisjoint replays branch onto onto and resolves each conflicted file
// with MergeDisjointLines. Any file that cannot be resolved that way aborts
// the rebase and is reported as a conflict.
func (g *GitCLI) rebaseDisjoint(ctx context.Context, wt, branch, onto string) (RebaseResult, error) {
	_, err := g.run(ctx, wt, "rebase", onto)
	for err != nil {
		conflicts, lerr := g.unmerged(ctx, wt)
		if lerr != nil || len(conflicts) == 0 {
			_, _ = g.run(ctx, wt, "rebase", "--abort")
			return RebaseResult{}, err
		}
		for _, p := range conflicts {
			merged, ok := g.resolveDisjoint(ctx, wt, p)
			if !ok {
				_, _ = g.run(ctx, wt, "rebase", "--abort")
				head, _ := g.Head(ctx, branch)
				return RebaseResult{Conflicts: conflicts, Head: head}, nil
			}
			if werr := os.WriteFile(filepath.Join(wt, p), []byte(merged), 0o644); werr != nil {
				_, _ = g.run(ctx, wt, "rebase", "--abort")
				return RebaseResult{}, werr
			}
			if _, aerr := g.run(ctx, wt, "add", "--", p); aerr != nil {
				_, _ = g.run(ctx, wt, "rebase", "--abort")
				return RebaseResult{}, aerr
			}
		}
		_, err = g.run(ctx, wt, "rebase", "--continue")
	}
	head, err := g.Head(ctx, branch)
	return RebaseResult{Head: head}, err
}

// resolveDisjoint merges the index stages of a conflicted path. A missing
// stage means an add/delete conflict, which is never disjoint.
func (g *GitCLI) resolveDisjoint(ctx context.Context, wt, path string) (string, bool) {
	var stages [3]string
	for i := range stages {
		out, err := g.runRaw(ctx, wt, "show", fmt.Sprintf(":%d:%s", i+1, path))
		if err != nil {
			return "", false
		}
		stages[i] = out
	}
	return MergeDisjointLines(stages[0], stages[1], stages[2])
}

func (g *GitCLI) Merge(ctx context.Context, source, target string) (string, []string, error) {
	wt, err := g.Workdir(ctx, target)
	if err != nil {
		return "", nil, err
	}
	msg := fmt.Sprintf("Merge %s into %s", source, target)
	if _, err := g.run(ctx, wt, "merge", "--no-ff", "-m", msg, ref(source)); err != nil {
		conflicts, lerr := g.unmerged(ctx, wt)
		_, _ = g.run(ctx, wt, "merge", "--abort")
		if lerr != nil || len(conflicts) == 0 {
			return "", nil, err
		}
		return "", conflicts, nil
	}
	head, err := g.Head(ctx, target)
	return head, nil, err
}

func (g *GitCLI) unmerged(ctx context.Context, wt string) ([]string, error) {
	out, err := g.run(ctx, wt, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (g *GitCLI) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	base, err := g.run(ctx, g.Dir, "merge-base", ref(from), ref(to))
	if err != nil {
		return nil, err
	}
	out, err := g.run(ctx, g.Dir, "diff", "--name-only", base, ref(to))
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (g *GitCLI) DiffStat(ctx context.Context, baseBranch, branch string) (DiffStat, error) {
	base, err := g.run(ctx, g.Dir, "merge-base", ref(baseBranch), ref(branch))
	if err != nil {
		return DiffStat{}, err
	}
	out, err := g.run(ctx, g.Dir, "diff", "--numstat", base, ref(branch))
	if err != nil {
		return DiffStat{}, err
	}
	var st DiffStat
	for _, line := range lines(out) {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		// binary files report "-" for both counts
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		st.Added += added
		st.Deleted += deleted
		st.Paths = append(st.Paths, fields[2])
	}
	st.Files = len(st.Paths)
	return st, nil
}

// Dirty reports uncommitted changes in the branch's checkout. A branch with
// no checkout yet is clean.
func (g *GitCLI) Dirty(ctx context.Context, branch string) (bool, error) {
	g.mu.Lock()
	path, ok := g.checkout(ctx, branch)
	g.mu.Unlock()
	if !ok {
		return false, nil
	}
	out, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// checkout finds an existing checkout of branch. Callers hold g.mu.
func (g *GitCLI) checkout(ctx context.Context, branch string) (string, bool) {
	if current, err := g.run(ctx, g.Dir, "symbolic-ref", "--quiet", "--short", "HEAD"); err == nil && current == branch {
		return g.Dir, true
	}
	path := g.worktreePath(branch)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return path, true
	}
	return path, false
}

func (g *GitCLI) worktreePath(branch string) string {
	return filepath.Join(g.WorktreeDir, strings.ReplaceAll(branch, "/", "__"))
}

// Workdir returns a worktree with branch checked out, creating it on first use.
// The branch currently checked out in the main repository uses Dir itself.
func (g *GitCLI) Workdir(ctx context.Context, branch string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	path, ok := g.checkout(ctx, branch)
	if ok {
		return path, nil
	}
	if err := os.MkdirAll(g.WorktreeDir, 0o755); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, g.Dir, "worktree", "add", path, branch); err != nil {
		return "", err
	}
	return path, nil
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
