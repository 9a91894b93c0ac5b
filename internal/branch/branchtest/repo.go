// Package branchtest is an in-memory branch.VCS with whole-file snapshots and
// line-level three-way merging, for tests.
package branchtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"holon/internal/branch"
)

type commit struct {
	id      string
	parents []string
	files   map[string]string
}

type Repo struct {
	mu       sync.Mutex
	commits  map[string]*commit
	branches map[string]string
	next     int
}

// New returns a repo with an empty root commit on trunk.
func New(trunk string) *Repo {
	r := &Repo{commits: map[string]*commit{}, branches: map[string]string{}}
	root := r.newCommit(nil, map[string]string{})
	r.branches[trunk] = root.id
	return r
}

func (r *Repo) newCommit(parents []string, files map[string]string) *commit {
	r.next++
	c := &commit{id: fmt.Sprintf("c%04d", r.next), parents: parents, files: files}
	r.commits[c.id] = c
	return c
}

func (r *Repo) tip(branchName string) (*commit, error) {
	id, ok := r.branches[branchName]
	if !ok {
		return nil, fmt.Errorf("unknown branch %s", branchName)
	}
	return r.commits[id], nil
}

// Commit writes files on a branch. An empty content deletes the path.
func (r *Repo) Commit(branchName string, changes map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, err := r.tip(branchName)
	if err != nil {
		return "", err
	}
	files := copyFiles(tip.files)
	for p, content := range changes {
		if content == "" {
			delete(files, p)
			continue
		}
		files[p] = content
	}
	c := r.newCommit([]string{tip.id}, files)
	r.branches[branchName] = c.id
	return c.id, nil
}

// Files returns the snapshot at a branch tip.
func (r *Repo) Files(branchName string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, err := r.tip(branchName)
	if err != nil {
		return nil
	}
	return copyFiles(tip.files)
}

func (r *Repo) Branches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.branches))
	for b := range r.branches {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func (r *Repo) Head(_ context.Context, branchName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, err := r.tip(branchName)
	if err != nil {
		return "", err
	}
	return tip.id, nil
}

func (r *Repo) BranchExists(_ context.Context, branchName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.branches[branchName]
	return ok, nil
}

func (r *Repo) CreateBranch(_ context.Context, branchName, from string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[branchName]; ok {
		return fmt.Errorf("branch %s exists", branchName)
	}
	tip, err := r.tip(from)
	if err != nil {
		return err
	}
	r.branches[branchName] = tip.id
	return nil
}

func (r *Repo) Rebase(_ context.Context, branchName, onto, strategy string) (branch.RebaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ours, err := r.tip(branchName)
	if err != nil {
		return branch.RebaseResult{}, err
	}
	theirs, err := r.tip(onto)
	if err != nil {
		return branch.RebaseResult{}, err
	}
	base := r.mergeBase(ours.id, theirs.id)
	if string(base) == theirs.id {
		return branch.RebaseResult{Head: ours.id}, nil
	}
	files, conflicts := merge3(base.files(r), ours.files, theirs.files, strategy)
	if len(conflicts) > 0 {
		return branch.RebaseResult{Conflicts: conflicts, Head: ours.id}, nil
	}
	if len(diff(base.files(r), ours.files)) == 0 {
		r.branches[branchName] = theirs.id
		return branch.RebaseResult{Head: theirs.id}, nil
	}
	c := r.newCommit([]string{theirs.id}, files)
	r.branches[branchName] = c.id
	return branch.RebaseResult{Head: c.id}, nil
}

func (r *Repo) Merge(_ context.Context, source, target string) (string, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, err := r.tip(source)
	if err != nil {
		return "", nil, err
	}
	dst, err := r.tip(target)
	if err != nil {
		return "", nil, err
	}
	base := r.mergeBase(src.id, dst.id)
	if string(base) == src.id {
		return dst.id, nil, nil
	}
	files, conflicts := merge3(base.files(r), src.files, dst.files, "")
	if len(conflicts) > 0 {
		return "", conflicts, nil
	}
	c := r.newCommit([]string{dst.id, src.id}, files)
	r.branches[target] = c.id
	return c.id, nil, nil
}

func (r *Repo) ChangedFiles(_ context.Context, from, to string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.tip(from)
	if err != nil {
		return nil, err
	}
	b, err := r.tip(to)
	if err != nil {
		return nil, err
	}
	base := r.mergeBase(a.id, b.id)
	return diff(base.files(r), b.files), nil
}

func (r *Repo) DiffStat(_ context.Context, baseBranch, branchName string) (branch.DiffStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.tip(baseBranch)
	if err != nil {
		return branch.DiffStat{}, err
	}
	b, err := r.tip(branchName)
	if err != nil {
		return branch.DiffStat{}, err
	}
	baseFiles := r.mergeBase(a.id, b.id).files(r)
	paths := diff(baseFiles, b.files)
	st := branch.DiffStat{Files: len(paths), Paths: paths}
	for _, p := range paths {
		added, deleted := lineDelta(baseFiles[p], b.files[p])
		st.Added += added
		st.Deleted += deleted
	}
	return st, nil
}

func (r *Repo) Workdir(context.Context, string) (string, error) { return "", nil }

// Dirty is always false: commits are the only way to change a branch.
func (r *Repo) Dirty(context.Context, string) (bool, error) { return false, nil }

type baseRef string

func (b baseRef) files(r *Repo) map[string]string {
	if c := r.commits[string(b)]; c != nil {
		return c.files
	}
	return map[string]string{}
}

// mergeBase is the first ancestor of b, breadth first, that is also an ancestor of a.
func (r *Repo) mergeBase(a, b string) baseRef {
	seen := map[string]struct{}{}
	queue := []string{a}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, r.commits[id].parents...)
	}
	visited := map[string]struct{}{}
	queue = []string{b}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			return baseRef(id)
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		queue = append(queue, r.commits[id].parents...)
	}
	return ""
}

// merge3 applies ours' changes since base on top of theirs.
func merge3(base, ours, theirs map[string]string, strategy string) (map[string]string, []string) {
	out := copyFiles(theirs)
	var conflicts []string
	for _, p := range diff(base, ours) {
		b, o, t := base[p], ours[p], theirs[p]
		switch {
		case t == b:
			set(out, p, o)
		case t == o:
		default:
			merged, ok := resolve(b, o, t, strategy)
			if !ok {
				conflicts = append(conflicts, p)
				continue
			}
			set(out, p, merged)
		}
	}
	sort.Strings(conflicts)
	return out, conflicts
}

func resolve(base, ours, theirs, strategy string) (string, bool) {
	switch strategy {
	case branch.StrategyWhitespace:
		if stripSpace(ours) == stripSpace(theirs) {
			return theirs, true
		}
	case branch.StrategyDisjoint:
		return branch.MergeDisjointLines(base, ours, theirs)
	}
	return "", false
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func diff(a, b map[string]string) []string {
	var out []string
	for p, v := range b {
		if a[p] != v {
			out = append(out, p)
		}
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func lineDelta(before, after string) (added, deleted int) {
	counts := map[string]int{}
	for _, l := range splitLines(before) {
		counts[l]++
	}
	for _, l := range splitLines(after) {
		if counts[l] > 0 {
			counts[l]--
			continue
		}
		added++
	}
	for _, n := range counts {
		deleted += n
	}
	return added, deleted
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func set(files map[string]string, path, content string) {
	if content == "" {
		delete(files, path)
		return
	}
	files[path] = content
}

func copyFiles(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
