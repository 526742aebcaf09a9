package cmd

import (
	"testing"

	"github.com/omx-dev/omx/internal/mode"
)

func TestActiveModesForTeamReflectsCurrentScope(t *testing.T) {
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = t.TempDir()

	store, err := newStore()
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if _, err := mode.New(store.StateRoot()).StartMode(mode.Name("ralph"), "build it", 1, ""); err != nil {
		t.Fatalf("StartMode: %v", err)
	}

	names, err := activeModesForTeam(store, teamDir(store, "alpha"))
	if err != nil {
		t.Fatalf("activeModesForTeam: %v", err)
	}
	if len(names) != 1 || names[0] != "ralph" {
		t.Fatalf("got %v, want [ralph]", names)
	}
}

func TestActiveModesForTeamEmptyWhenNoneStarted(t *testing.T) {
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = t.TempDir()

	store, err := newStore()
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	names, err := activeModesForTeam(store, teamDir(store, "alpha"))
	if err != nil {
		t.Fatalf("activeModesForTeam: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("got %v, want none", names)
	}
}
