package cmd

import (
	"path/filepath"
	"testing"

	"github.com/omx-dev/omx/internal/statestore"
)

func TestResolvedProjectRootUsesFlagWhenSet(t *testing.T) {
	prev := projectRoot
	defer func() { projectRoot = prev }()

	projectRoot = t.TempDir()
	got, err := resolvedProjectRoot()
	if err != nil {
		t.Fatalf("resolvedProjectRoot: %v", err)
	}
	want, _ := filepath.Abs(projectRoot)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolvedProjectRootFallsBackToCwd(t *testing.T) {
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = ""

	got, err := resolvedProjectRoot()
	if err != nil {
		t.Fatalf("resolvedProjectRoot: %v", err)
	}
	if got == "" {
		t.Fatal("expected a non-empty cwd")
	}
}

func TestTeamDirJoinsStateRootTeamName(t *testing.T) {
	store := statestore.New(t.TempDir())
	got := teamDir(store, "alpha")
	want := filepath.Join(store.StateRoot(), "team", "alpha")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCurrentScopeDirFallsBackToGlobalStateRoot(t *testing.T) {
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = t.TempDir()

	scope, err := currentScopeDir()
	if err != nil {
		t.Fatalf("currentScopeDir: %v", err)
	}
	store, err := newStore()
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if scope != store.StateRoot() {
		t.Fatalf("got %q, want global state root %q", scope, store.StateRoot())
	}
}

func TestLoadPreferencesNeverErrorsWithoutConfigFile(t *testing.T) {
	prefs := loadPreferences()
	if prefs.DefaultWorkerCount < 0 {
		t.Fatalf("unexpected negative default worker count: %d", prefs.DefaultWorkerCount)
	}
}

func TestRootCommandRegistersEveryTopLevelGroup(t *testing.T) {
	want := []string{"team", "task", "mail", "mode", "dispatch", "worktree", "session", "mcp", "watch"}
	for _, use := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == use {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("rootCmd missing subcommand %q", use)
		}
	}
}
