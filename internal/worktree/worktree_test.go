package worktree

import (
	"fmt"
	"strings"
	"testing"

	"github.com/omx-dev/omx/internal/errs"
)

func TestParseWorktreeModeBareword(t *testing.T) {
	mode, remaining := ParseWorktreeMode([]string{"run", "--worktree", "do the thing"})
	if !mode.Enabled || mode.Detached {
		t.Fatalf("unexpected mode: %+v", mode)
	}
	if mode.Name != "do the thing" {
		t.Fatalf("expected space-separated name consumed, got %+v", mode)
	}
	for _, r := range remaining {
		if strings.Contains(r, "do the thing") {
			t.Fatalf("branch name leaked into remainingArgs: %+v", remaining)
		}
	}
	if len(remaining) != 1 || remaining[0] != "run" {
		t.Fatalf("unexpected remaining args: %+v", remaining)
	}
}

func TestParseWorktreeModeBarewordNoName(t *testing.T) {
	mode, remaining := ParseWorktreeMode([]string{"run", "--worktree"})
	if !mode.Enabled || !mode.Detached || mode.Name != "" {
		t.Fatalf("expected detached bareword mode, got %+v", mode)
	}
	if len(remaining) != 1 || remaining[0] != "run" {
		t.Fatalf("unexpected remaining args: %+v", remaining)
	}
}

func TestParseWorktreeModeEqualsForm(t *testing.T) {
	mode, remaining := ParseWorktreeMode([]string{"-w=feature-x", "run"})
	if !mode.Enabled || mode.Detached || mode.Name != "feature-x" {
		t.Fatalf("unexpected mode: %+v", mode)
	}
	if len(remaining) != 1 || remaining[0] != "run" {
		t.Fatalf("unexpected remaining args: %+v", remaining)
	}
}

func TestParseWorktreeModeAbsent(t *testing.T) {
	mode, remaining := ParseWorktreeMode([]string{"run", "--model", "x"})
	if mode.Enabled {
		t.Fatalf("expected no worktree mode parsed, got %+v", mode)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected all args preserved, got %+v", remaining)
	}
}

// fakeGit drives planWithGit/ensureWithGit/rollbackWithGit without a real
// git binary, scripted per test.
type fakeGit struct {
	calls     [][]string
	responses map[string]string // joined args -> output
	errs      map[string]error
}

func (f *fakeGit) run(dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	if out, ok := f.responses[key]; ok {
		return out, nil
	}
	return "", nil
}

func TestPlanWorktreeComputesBranchAndPath(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"rev-parse --show-toplevel":        "/repo",
		"rev-parse HEAD":                   "abc123",
		"check-ref-format --branch feature": "",
	}, errs: map[string]error{
		"rev-parse --verify refs/heads/feature": fmt.Errorf("not found"),
	}}
	plan, err := planWithGit("/repo", Mode{Enabled: true, Name: "feature"}, "", g.run)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Branch != "feature" || plan.BaseRef != "abc123" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if !strings.HasSuffix(plan.WorktreePath, "repo.omx-worktrees/feature") {
		t.Fatalf("unexpected worktree path: %s", plan.WorktreePath)
	}
	if plan.BranchPreexisted {
		t.Fatalf("expected branch to not preexist")
	}
}

func TestPlanWorktreeTeamScopeNamesBranchWithWorker(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"rev-parse --show-toplevel":                 "/repo",
		"rev-parse HEAD":                             "abc123",
		"check-ref-format --branch feature/worker-1": "",
	}, errs: map[string]error{
		"rev-parse --verify refs/heads/feature/worker-1": fmt.Errorf("not found"),
	}}
	plan, err := planWithGit("/repo", Mode{Enabled: true, Name: "feature"}, "worker-1", g.run)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Branch != "feature/worker-1" {
		t.Fatalf("expected team-scoped branch, got %q", plan.Branch)
	}
}

func TestPlanWorktreeRejectsInvalidBranchName(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"rev-parse --show-toplevel": "/repo",
		"rev-parse HEAD":            "abc123",
	}, errs: map[string]error{
		"check-ref-format --branch ../evil": fmt.Errorf("invalid"),
	}}
	_, err := planWithGit("/repo", Mode{Enabled: true, Name: "../evil"}, "", g.run)
	if !errs.Is(err, errs.KindInvalidWorktreeBranch) {
		t.Fatalf("expected invalid_worktree_branch, got %v", err)
	}
}

func TestPlanWorktreeDisabledModeIsNoOp(t *testing.T) {
	g := &fakeGit{}
	plan, err := planWithGit("/repo", Mode{Enabled: false}, "", g.run)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Enabled {
		t.Fatalf("expected disabled plan, got %+v", plan)
	}
	if len(g.calls) != 0 {
		t.Fatalf("expected no git calls for a disabled plan")
	}
}

func TestEnsureDetectsBranchInUseElsewhere(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"worktree list --porcelain": "worktree /other/path\nbranch refs/heads/feature\n",
	}}
	plan := &Plan{Enabled: true, RepoRoot: "/repo", Branch: "feature", WorktreePath: "/repo.omx-worktrees/feature"}
	_, err := ensureWithGit(plan, g.run)
	if !errs.Is(err, errs.KindBranchInUse) {
		t.Fatalf("expected branch_in_use, got %v", err)
	}
}

func TestEnsureDetectsTargetMismatch(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"worktree list --porcelain": "worktree /repo.omx-worktrees/feature\nbranch refs/heads/other-branch\n",
	}}
	plan := &Plan{Enabled: true, RepoRoot: "/repo", Branch: "feature", WorktreePath: "/repo.omx-worktrees/feature"}
	_, err := ensureWithGit(plan, g.run)
	if !errs.Is(err, errs.KindWorktreeTargetMismatch) {
		t.Fatalf("expected worktree_target_mismatch, got %v", err)
	}
}

func TestEnsureIsNoOpWhenAlreadyMatchingWorktreeExists(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"worktree list --porcelain": "worktree /repo.omx-worktrees/feature\nbranch refs/heads/feature\n",
	}}
	plan := &Plan{Enabled: true, RepoRoot: "/repo", Branch: "feature", WorktreePath: "/repo.omx-worktrees/feature"}
	res, err := ensureWithGit(plan, g.run)
	if err != nil {
		t.Fatal(err)
	}
	if res.BranchCreated {
		t.Fatalf("expected no branch creation when worktree already matches")
	}
}

func TestEnsureCreatesNewWorktreeWithNewBranch(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"worktree list --porcelain": "",
	}}
	plan := &Plan{Enabled: true, RepoRoot: "/repo", Branch: "feature", BaseRef: "abc123", WorktreePath: "/repo.omx-worktrees/feature"}
	res, err := ensureWithGit(plan, g.run)
	if err != nil {
		t.Fatal(err)
	}
	if !res.BranchCreated {
		t.Fatalf("expected branch created for a fresh plan")
	}
	found := false
	for _, call := range g.calls {
		if len(call) > 0 && call[0] == "worktree" && call[1] == "add" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a worktree add call, got %+v", g.calls)
	}
}

func TestRollbackRemovesInReverseOrderAndDeletesOwnedBranches(t *testing.T) {
	g := &fakeGit{responses: map[string]string{
		"worktree list --porcelain": "",
	}}
	results := []*Result{
		{Plan: Plan{Enabled: true, RepoRoot: "/repo", Branch: "a", WorktreePath: "/repo.omx-worktrees/a"}, BranchCreated: true},
		{Plan: Plan{Enabled: true, RepoRoot: "/repo", Branch: "b", WorktreePath: "/repo.omx-worktrees/b"}, BranchCreated: true},
	}
	if err := rollbackWithGit(results, g.run); err != nil {
		t.Fatal(err)
	}
	// first removed worktree must be "b" (reverse order)
	var removed []string
	for _, call := range g.calls {
		if len(call) >= 3 && call[0] == "worktree" && call[1] == "remove" {
			removed = append(removed, call[len(call)-1])
		}
	}
	if len(removed) != 2 || removed[0] != "/repo.omx-worktrees/b" || removed[1] != "/repo.omx-worktrees/a" {
		t.Fatalf("expected reverse-order removal, got %+v", removed)
	}
}

func TestRollbackAggregatesErrorsWithoutPartialAbort(t *testing.T) {
	g := &fakeGit{errs: map[string]error{
		"worktree remove --force /repo.omx-worktrees/a": fmt.Errorf("boom"),
	}, responses: map[string]string{
		"worktree list --porcelain": "",
	}}
	results := []*Result{
		{Plan: Plan{Enabled: true, RepoRoot: "/repo", Branch: "a", WorktreePath: "/repo.omx-worktrees/a"}, BranchCreated: true},
		{Plan: Plan{Enabled: true, RepoRoot: "/repo", Branch: "b", WorktreePath: "/repo.omx-worktrees/b"}, BranchCreated: true},
	}
	err := rollbackWithGit(results, g.run)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	removedB := false
	for _, call := range g.calls {
		if len(call) >= 3 && call[0] == "worktree" && call[1] == "remove" && call[len(call)-1] == "/repo.omx-worktrees/b" {
			removedB = true
		}
	}
	if !removedB {
		t.Fatalf("expected b's removal to still run despite a's failure")
	}
}
