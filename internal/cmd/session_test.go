package cmd

import (
	"testing"

	"github.com/omx-dev/omx/internal/statestore"
)

func TestSessionStartEndHistoryRoundTrips(t *testing.T) {
	store := statestore.New(t.TempDir())
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = store.ProjectRoot

	if err := sessionStartCmd.RunE(sessionStartCmd, nil); err != nil {
		t.Fatalf("session start: %v", err)
	}
	ids, err := store.ListSessions()
	if err != nil || len(ids) != 1 {
		t.Fatalf("ListSessions = %v, %v; want exactly one session", ids, err)
	}

	if err := sessionEndCmd.RunE(sessionEndCmd, []string{ids[0]}); err != nil {
		t.Fatalf("session end: %v", err)
	}
	if err := sessionHistoryCmd.RunE(sessionHistoryCmd, nil); err != nil {
		t.Fatalf("session history: %v", err)
	}
}

func TestSessionGCReapsNoStaleSessionsWhenNoneExist(t *testing.T) {
	store := statestore.New(t.TempDir())
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = store.ProjectRoot

	if err := sessionGCCmd.RunE(sessionGCCmd, nil); err != nil {
		t.Fatalf("session gc on empty state: %v", err)
	}
}
