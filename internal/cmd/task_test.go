package cmd

import (
	"testing"

	"github.com/omx-dev/omx/internal/statestore"
	"github.com/omx-dev/omx/internal/task"
)

func TestTaskResolveCmdMarksStatusViaFactory(t *testing.T) {
	store := statestore.New(t.TempDir())
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = store.ProjectRoot

	dir := teamDir(store, "alpha")
	s := task.New(dir)

	created, err := s.CreateTask("build the thing", "", nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask(created.ID, "worker-1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	cmd := taskResolveCmd("complete <team> <task-id> <worker> [result]", "complete", task.StatusCompleted)
	if err := cmd.RunE(cmd, []string{"alpha", created.ID, "worker-1", "done"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	got, found, err := s.ReadTask(created.ID)
	if err != nil || !found {
		t.Fatalf("ReadTask: %v found=%v", err, found)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Result != "done" {
		t.Fatalf("result = %q, want done", got.Result)
	}
}

func TestTaskResolveCmdFailsOnUnknownTask(t *testing.T) {
	store := statestore.New(t.TempDir())
	prev := projectRoot
	defer func() { projectRoot = prev }()
	projectRoot = store.ProjectRoot

	cmd := taskResolveCmd("fail <team> <task-id> <worker> [result]", "fail", task.StatusFailed)
	if err := cmd.RunE(cmd, []string{"alpha", "does-not-exist", "worker-1"}); err == nil {
		t.Fatal("expected an error for an unknown task id")
	}
}
