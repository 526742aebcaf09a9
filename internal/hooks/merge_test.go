package hooks

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestMergeHooksNoOverrides(t *testing.T) {
	base := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx session start"}}},
		},
	}

	result := MergeHooks(base, nil, "alpha")

	if len(result.SessionStart) != 1 {
		t.Fatalf("expected 1 SessionStart, got %d", len(result.SessionStart))
	}
	if result.SessionStart[0].Hooks[0].Command != "omx session start" {
		t.Errorf("expected 'omx session start', got %q", result.SessionStart[0].Hooks[0].Command)
	}
}

func TestMergeHooksNilBase(t *testing.T) {
	overrides := map[string]*HooksConfig{
		"alpha": {
			PreToolUse: []HookEntry{
				{Matcher: "Bash(git push*)", Hooks: []Hook{{Type: "command", Command: "echo blocked"}}},
			},
		},
	}

	result := MergeHooks(nil, overrides, "alpha")

	if len(result.PreToolUse) != 1 {
		t.Fatalf("expected 1 PreToolUse, got %d", len(result.PreToolUse))
	}
}

func TestMergeHooksTeamOverride(t *testing.T) {
	base := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx session start"}}},
		},
		Stop: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx dispatch drain alpha"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			PreToolUse: []HookEntry{
				{Matcher: "Bash(git push*)", Hooks: []Hook{{Type: "command", Command: "echo blocked && exit 2"}}},
			},
		},
	}

	result := MergeHooks(base, overrides, "alpha")

	// Base hooks should be preserved
	if len(result.SessionStart) != 1 {
		t.Errorf("expected 1 SessionStart, got %d", len(result.SessionStart))
	}
	if len(result.Stop) != 1 {
		t.Errorf("expected 1 Stop, got %d", len(result.Stop))
	}
	// Override should be added
	if len(result.PreToolUse) != 1 {
		t.Fatalf("expected 1 PreToolUse, got %d", len(result.PreToolUse))
	}
	if result.PreToolUse[0].Matcher != "Bash(git push*)" {
		t.Errorf("unexpected matcher: %q", result.PreToolUse[0].Matcher)
	}
}

func TestMergeHooksSameMatcherReplaces(t *testing.T) {
	base := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx session start --old"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			SessionStart: []HookEntry{
				{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx session start --new"}}},
			},
		},
	}

	result := MergeHooks(base, overrides, "alpha")

	if len(result.SessionStart) != 1 {
		t.Fatalf("expected 1 SessionStart (replaced), got %d", len(result.SessionStart))
	}
	if result.SessionStart[0].Hooks[0].Command != "omx session start --new" {
		t.Errorf("expected override command, got %q", result.SessionStart[0].Hooks[0].Command)
	}
}

func TestMergeHooksDifferentMatcherAppends(t *testing.T) {
	base := &HooksConfig{
		PreToolUse: []HookEntry{
			{Matcher: "Bash(git push*)", Hooks: []Hook{{Type: "command", Command: "block-push"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			PreToolUse: []HookEntry{
				{Matcher: "Bash(rm -rf*)", Hooks: []Hook{{Type: "command", Command: "block-rm"}}},
			},
		},
	}

	result := MergeHooks(base, overrides, "alpha")

	if len(result.PreToolUse) != 2 {
		t.Fatalf("expected 2 PreToolUse (base + override), got %d", len(result.PreToolUse))
	}
}

func TestMergeHooksEmptyHooksDisables(t *testing.T) {
	base := &HooksConfig{
		Stop: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx dispatch drain alpha"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			Stop: []HookEntry{
				{Matcher: "", Hooks: []Hook{}}, // Explicit disable
			},
		},
	}

	result := MergeHooks(base, overrides, "alpha")

	if len(result.Stop) != 0 {
		t.Errorf("expected 0 Stop hooks (disabled), got %d", len(result.Stop))
	}
}

func TestMergeHooksTeamWorkerLayering(t *testing.T) {
	base := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "base-session"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			SessionStart: []HookEntry{
				{Matcher: "", Hooks: []Hook{{Type: "command", Command: "alpha-session"}}},
			},
		},
		"alpha/worker-1": {
			SessionStart: []HookEntry{
				{Matcher: "", Hooks: []Hook{{Type: "command", Command: "alpha-worker-1-session"}}},
			},
		},
	}

	result := MergeHooks(base, overrides, "alpha/worker-1")

	// team+worker override should win (applied last)
	if len(result.SessionStart) != 1 {
		t.Fatalf("expected 1 SessionStart, got %d", len(result.SessionStart))
	}
	if result.SessionStart[0].Hooks[0].Command != "alpha-worker-1-session" {
		t.Errorf("expected team+worker override, got %q", result.SessionStart[0].Hooks[0].Command)
	}
}

func TestMergeHooksDoesNotMutateBase(t *testing.T) {
	base := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "original"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			SessionStart: []HookEntry{
				{Matcher: "", Hooks: []Hook{{Type: "command", Command: "modified"}}},
			},
		},
	}

	MergeHooks(base, overrides, "alpha")

	// Base should be unchanged
	if base.SessionStart[0].Hooks[0].Command != "original" {
		t.Errorf("base was mutated: got %q", base.SessionStart[0].Hooks[0].Command)
	}
}

func TestMergeHooksOverrideAddsNewType(t *testing.T) {
	base := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "omx session start"}}},
		},
	}

	overrides := map[string]*HooksConfig{
		"alpha": {
			PreToolUse: []HookEntry{
				{Matcher: "Bash(git push*)", Hooks: []Hook{{Type: "command", Command: "block"}}},
			},
		},
	}

	result := MergeHooks(base, overrides, "alpha")

	if len(result.SessionStart) != 1 {
		t.Errorf("expected base SessionStart preserved")
	}
	if len(result.PreToolUse) != 1 {
		t.Errorf("expected override PreToolUse added")
	}
}

func TestLoadAllOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	setTestHome(t, tmpDir)

	alpha := &HooksConfig{
		PreToolUse: []HookEntry{
			{Matcher: "Bash(git push*)", Hooks: []Hook{{Type: "command", Command: "block"}}},
		},
	}
	if err := SaveOverride("alpha", alpha); err != nil {
		t.Fatalf("SaveOverride alpha: %v", err)
	}

	workerOverride := &HooksConfig{
		SessionStart: []HookEntry{
			{Matcher: "", Hooks: []Hook{{Type: "command", Command: "alpha-worker-1-session"}}},
		},
	}
	if err := SaveOverride("alpha/worker-1", workerOverride); err != nil {
		t.Fatalf("SaveOverride alpha/worker-1: %v", err)
	}

	overrides, err := LoadAllOverrides()
	if err != nil {
		t.Fatalf("LoadAllOverrides: %v", err)
	}

	if len(overrides) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(overrides))
	}

	if _, ok := overrides["alpha"]; !ok {
		t.Error("missing 'alpha' override")
	}
	if _, ok := overrides["alpha/worker-1"]; !ok {
		t.Error("missing 'alpha/worker-1' override")
	}
}

func TestLoadAllOverridesEmptyDir(t *testing.T) {
	tmpDir := t.TempDir()
	setTestHome(t, tmpDir)

	overrides, err := LoadAllOverrides()
	if err != nil {
		t.Fatalf("LoadAllOverrides on empty dir: %v", err)
	}

	if len(overrides) != 0 {
		t.Errorf("expected 0 overrides, got %d", len(overrides))
	}
}

func TestLoadAllOverridesSkipsInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	setTestHome(t, tmpDir)

	// Create a valid override first
	alpha := &HooksConfig{
		PreToolUse: []HookEntry{
			{Matcher: "Bash(git push*)", Hooks: []Hook{{Type: "command", Command: "block"}}},
		},
	}
	if err := SaveOverride("alpha", alpha); err != nil {
		t.Fatalf("SaveOverride alpha: %v", err)
	}

	// Write an invalid JSON file directly into overrides dir
	invalidPath := filepath.Join(OverridesDir(), "broken.json")
	if err := os.WriteFile(invalidPath, []byte("{invalid json!!}"), 0644); err != nil {
		t.Fatalf("writing invalid file: %v", err)
	}

	overrides, err := LoadAllOverrides()
	if err != nil {
		t.Fatalf("LoadAllOverrides should not return error for invalid JSON: %v", err)
	}

	// Valid override should still load
	if _, ok := overrides["alpha"]; !ok {
		t.Error("missing 'alpha' override — valid overrides should still load")
	}

	// Invalid file should be skipped (not present in map)
	if _, ok := overrides["broken"]; ok {
		t.Error("invalid 'broken' override should have been skipped")
	}
}

func TestLoadAllOverridesReturnsReadDirError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("os.ReadDir on a file path does not reliably return an error on Windows")
	}

	tmpDir := t.TempDir()
	setTestHome(t, tmpDir)

	// Create the overrides dir as a file (not a directory) to force a ReadDir error
	overridesDir := OverridesDir()
	if err := os.MkdirAll(filepath.Dir(overridesDir), 0755); err != nil {
		t.Fatalf("creating parent dir: %v", err)
	}
	if err := os.WriteFile(overridesDir, []byte("not a directory"), 0644); err != nil {
		t.Fatalf("writing file at overrides path: %v", err)
	}

	_, err := LoadAllOverrides()
	if err == nil {
		t.Fatal("expected error when overrides dir is not a directory")
	}
}
