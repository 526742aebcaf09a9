// Package worktree implements the Worktree Provisioner: parsing a
// --worktree/-w flag out of host-CLI argv, planning an isolated git
// worktree per worker, creating it, and rolling a batch back on failure.
//
// The git plumbing (worktree add/remove/list, branch existence) is
// adapted from a worker-isolation helper elsewhere in this codebase;
// this package adds the plan/ensure/rollback split, branch-name
// validation, and the argv-scrubbing mode parser the spec requires.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/omx-dev/omx/internal/errs"
)

// Mode is the parsed result of ParseWorktreeMode.
type Mode struct {
	Enabled  bool
	Detached bool
	Name     string
}

var (
	worktreeEq = regexp.MustCompile(`^--worktree=(.+)$`)
	wEq        = regexp.MustCompile(`^-w=(.+)$`)
)

// ParseWorktreeMode scans args for --worktree[=name], -w[=name], or
// space-separated "--worktree name" / "-w name", removing the consumed
// tokens (including any following name argument) so the branch name never
// leaks into remainingArgs and reaches the host CLI as prompt input.
func ParseWorktreeMode(args []string) (Mode, []string) {
	var remaining []string
	mode := Mode{}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if m := worktreeEq.FindStringSubmatch(arg); m != nil {
			mode = Mode{Enabled: true, Detached: false, Name: m[1]}
			continue
		}
		if m := wEq.FindStringSubmatch(arg); m != nil {
			mode = Mode{Enabled: true, Detached: false, Name: m[1]}
			continue
		}
		if arg == "--worktree" || arg == "-w" {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				mode = Mode{Enabled: true, Detached: false, Name: args[i+1]}
				i++
			} else {
				mode = Mode{Enabled: true, Detached: true, Name: ""}
			}
			continue
		}
		remaining = append(remaining, arg)
	}

	return mode, remaining
}

// Plan is the computed isolation plan for one worktree, pending Ensure.
type Plan struct {
	Enabled        bool
	RepoRoot       string
	BaseRef        string
	Branch         string
	WorktreePath   string
	BranchPreexisted bool
}

type gitRunner func(dir string, args ...string) (string, error)

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

var sanitizeSlug = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func slug(s string) string {
	return strings.Trim(sanitizeSlug.ReplaceAllString(s, "-"), "-")
}

// PlanWorktree computes a worktree plan for mode, rooted at cwd. workerName is
// empty for launch scope (branch = mode.Name) or non-empty for team scope
// (branch = mode.Name + "/" + workerName).
func PlanWorktree(cwd string, mode Mode, workerName string) (*Plan, error) {
	return planWithGit(cwd, mode, workerName, runGit)
}

func planWithGit(cwd string, mode Mode, workerName string, git gitRunner) (*Plan, error) {
	if !mode.Enabled {
		return &Plan{Enabled: false}, nil
	}

	repoRoot, err := git(cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("resolving repo root: %w", err)
	}
	baseRef, err := git(repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving base ref: %w", err)
	}

	branch := mode.Name
	if workerName != "" {
		branch = mode.Name + "/" + workerName
	}
	if branch == "" {
		return nil, errs.New(errs.KindInvalidWorktreeBranch, "worktree mode requires a name in team scope")
	}
	if _, err := git(repoRoot, "check-ref-format", "--branch", branch); err != nil {
		return nil, errs.New(errs.KindInvalidWorktreeBranch, "%q is not a valid branch name: %v", branch, err)
	}

	parent := filepath.Dir(repoRoot)
	base := filepath.Base(repoRoot)
	worktreePath := filepath.Join(parent, base+".omx-worktrees", slug(branch))

	_, branchErr := git(repoRoot, "rev-parse", "--verify", "refs/heads/"+branch)
	branchPreexisted := branchErr == nil

	return &Plan{
		Enabled:          true,
		RepoRoot:         repoRoot,
		BaseRef:          baseRef,
		Branch:           branch,
		WorktreePath:     worktreePath,
		BranchPreexisted: branchPreexisted,
	}, nil
}

// Result is the outcome of Ensure for one plan, tracked so Rollback knows
// what it is undoing.
type Result struct {
	Plan          Plan
	BranchCreated bool
}

// WorktreeInfo is one parsed `git worktree list --porcelain` record.
type WorktreeInfo struct {
	Path     string
	Branch   string
	Detached bool
}

func listWorktrees(repoRoot string, git gitRunner) ([]WorktreeInfo, error) {
	out, err := git(repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []WorktreeInfo
	var cur WorktreeInfo
	flush := func() {
		if cur.Path != "" {
			entries = append(entries, cur)
		}
		cur = WorktreeInfo{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			cur.Detached = true
		}
	}
	flush()
	return entries, nil
}

// List returns every registered worktree for the repo rooted at cwd.
func List(cwd string) ([]WorktreeInfo, error) {
	repoRoot, err := runGit(cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, err
	}
	return listWorktrees(repoRoot, runGit)
}

// Ensure realizes plan on disk, detecting conflicts with any existing
// worktree at the target path or holding the target branch.
func Ensure(plan *Plan) (*Result, error) {
	return ensureWithGit(plan, runGit)
}

func ensureWithGit(plan *Plan, git gitRunner) (*Result, error) {
	if !plan.Enabled {
		return &Result{Plan: *plan}, nil
	}

	entries, err := listWorktrees(plan.RepoRoot, git)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.Path == plan.WorktreePath {
			if e.Branch != plan.Branch {
				return nil, errs.New(errs.KindWorktreeTargetMismatch,
					"worktree at %s is on branch %q, plan expects %q", e.Path, e.Branch, plan.Branch)
			}
			return &Result{Plan: *plan}, nil
		}
		if e.Branch == plan.Branch {
			return nil, errs.New(errs.KindBranchInUse, "branch %q is already checked out at %s", plan.Branch, e.Path)
		}
	}

	if pathExists(plan.WorktreePath) {
		return nil, errs.New(errs.KindWorktreePathConflict, "%s exists but is not a registered worktree", plan.WorktreePath)
	}

	args := []string{"worktree", "add"}
	branchCreated := false
	if plan.BranchPreexisted {
		args = append(args, plan.WorktreePath, plan.Branch)
	} else {
		args = append(args, "-b", plan.Branch, plan.WorktreePath, plan.BaseRef)
		branchCreated = true
	}
	if _, err := git(plan.RepoRoot, args...); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	return &Result{Plan: *plan, BranchCreated: branchCreated}, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Rollback removes every result's worktree in reverse creation order,
// deleting branches this batch created if no other worktree still holds
// them. It aggregates errors rather than stopping at the first one, since
// a partial rollback would leave some worktrees orphaned.
func Rollback(results []*Result) error {
	return rollbackWithGit(results, runGit)
}

func rollbackWithGit(results []*Result, git gitRunner) error {
	var errsList []string
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if !r.Plan.Enabled {
			continue
		}
		if _, err := git(r.Plan.RepoRoot, "worktree", "remove", "--force", r.Plan.WorktreePath); err != nil {
			errsList = append(errsList, err.Error())
			continue
		}
		if r.BranchCreated {
			stillHeld, err := branchHeldElsewhere(r.Plan.RepoRoot, r.Plan.Branch, git)
			if err != nil {
				errsList = append(errsList, err.Error())
				continue
			}
			if !stillHeld {
				if _, err := git(r.Plan.RepoRoot, "branch", "-D", r.Plan.Branch); err != nil {
					errsList = append(errsList, err.Error())
				}
			}
		}
	}
	if len(errsList) > 0 {
		return fmt.Errorf("rollback errors: %s", strings.Join(errsList, "; "))
	}
	return nil
}

func branchHeldElsewhere(repoRoot, branch string, git gitRunner) (bool, error) {
	entries, err := listWorktrees(repoRoot, git)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Branch == branch {
			return true, nil
		}
	}
	return false, nil
}
