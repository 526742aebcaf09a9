// Package task implements the Task Store: CRUD, atomic claim, dependency
// gating, and the closed set of allowed status transitions.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/omx-dev/omx/internal/errs"
	"github.com/omx-dev/omx/internal/fsatomic"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func IsTerminal(s Status) bool { return s == StatusCompleted || s == StatusFailed }

var taskIDPattern = regexp.MustCompile(`^\d{1,20}$`)

// Task is the persisted Task entity.
type Task struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Description string  `json:"description,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Status    Status    `json:"status"`
	BlockedBy []string  `json:"blocked_by,omitempty"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one Team Event log entry, drawn from the closed enumeration.
type EventKind string

const (
	EventTaskCompleted       EventKind = "task_completed"
	EventTaskFailed          EventKind = "task_failed"
	EventWorkerIdle          EventKind = "worker_idle"
	EventWorkerStopped       EventKind = "worker_stopped"
	EventMessageReceived     EventKind = "message_received"
	EventShutdownAck         EventKind = "shutdown_ack"
	EventShutdownGate        EventKind = "shutdown_gate"
	EventShutdownGateForced  EventKind = "shutdown_gate_forced"
	EventApprovalDecision    EventKind = "approval_decision"
	EventTeamLeaderNudge     EventKind = "team_leader_nudge"
)

type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`
	TaskID string  `json:"task_id,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// Store scopes task operations to one team under a project's state root.
type Store struct {
	TeamDir string // <state-root>/team/<team>
	Now     func() time.Time
}

func New(teamDir string) *Store {
	return &Store{TeamDir: teamDir, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) tasksDir() string       { return filepath.Join(s.TeamDir, "tasks") }
func (s *Store) taskPath(id string) string { return filepath.Join(s.tasksDir(), "task-"+id+".json") }
func (s *Store) lockPath(id string) string { return s.taskPath(id) + ".lock" }
func (s *Store) counterPath() string    { return filepath.Join(s.tasksDir(), "counter.json") }
func (s *Store) eventsPath() string     { return filepath.Join(s.TeamDir, "events.jsonl") }

func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return errs.New(errs.KindInvalidInput, "task id %q must match ^\\d{1,20}$", id)
	}
	return nil
}

type counterState struct {
	Next int `json:"next"`
}

// nextID allocates the next monotonic per-team task id under the counter
// lock, so concurrent CreateTask calls never collide.
func (s *Store) nextID() (string, error) {
	var id string
	err := fsatomic.WithLock(s.counterPath()+".lock", func() error {
		var c counterState
		if _, err := fsatomic.ReadJSON(s.counterPath(), &c); err != nil {
			return err
		}
		id = strconv.Itoa(c.Next)
		c.Next++
		return fsatomic.WriteJSON(s.counterPath(), &c)
	})
	return id, err
}

// CreateTask allocates an id and persists a new pending (or blocked, if
// blockedBy is non-empty) task.
func (s *Store) CreateTask(subject, description string, blockedBy []string) (*Task, error) {
	id, err := s.nextID()
	if err != nil {
		return nil, fmt.Errorf("allocating task id: %w", err)
	}
	status := StatusPending
	if len(blockedBy) > 0 {
		status = StatusBlocked
	}
	now := s.now()
	t := &Task{
		ID:          id,
		Subject:     subject,
		Description: description,
		Status:      status,
		BlockedBy:   blockedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := fsatomic.WriteJSON(s.taskPath(id), t); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadTask loads a single task by id.
func (s *Store) ReadTask(id string) (*Task, bool, error) {
	if err := ValidateTaskID(id); err != nil {
		return nil, false, err
	}
	var t Task
	found, err := fsatomic.ReadJSON(s.taskPath(id), &t)
	if err != nil || !found {
		return nil, found, err
	}
	return &t, true, nil
}

// ListTasks returns every task in the team, sorted by id ascending.
func (s *Store) ListTasks() ([]*Task, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	var tasks []*Task
	for _, e := range entries {
		name := e.Name()
		if !regexp.MustCompile(`^task-\d+\.json$`).MatchString(name) {
			continue
		}
		var t Task
		found, err := fsatomic.ReadJSON(filepath.Join(s.tasksDir(), name), &t)
		if err != nil || !found {
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		ni, _ := strconv.Atoi(tasks[i].ID)
		nj, _ := strconv.Atoi(tasks[j].ID)
		return ni < nj
	})
	return tasks, nil
}

func allCompleted(s *Store, ids []string) (bool, error) {
	for _, id := range ids {
		t, found, err := s.ReadTask(id)
		if err != nil {
			return false, err
		}
		if !found || t.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ClaimTask atomically moves a pending/blocked task to in_progress for
// worker, gated on every blocked_by id already being completed.
func (s *Store) ClaimTask(id, worker string) (*Task, error) {
	if err := ValidateTaskID(id); err != nil {
		return nil, err
	}
	var claimed *Task
	err := fsatomic.WithLock(s.lockPath(id), func() error {
		t, found, err := s.ReadTask(id)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.KindNotClaimable, "task %s not found", id)
		}
		if t.Status != StatusPending && t.Status != StatusBlocked {
			return errs.New(errs.KindNotClaimable, "task %s is %s", id, t.Status)
		}
		ready, err := allCompleted(s, t.BlockedBy)
		if err != nil {
			return err
		}
		if !ready {
			return errs.New(errs.KindNotClaimable, "task %s has incomplete dependencies", id)
		}
		now := s.now()
		t.Status = StatusInProgress
		t.Owner = worker
		t.ClaimedAt = &now
		t.UpdatedAt = now
		if err := fsatomic.WriteJSON(s.taskPath(id), t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStatus moves a task the worker owns from in_progress to a terminal
// status. Terminal statuses are immutable: any further call fails with
// invalid_transition.
func (s *Store) UpdateStatus(id, worker string, newStatus Status, result string) (*Task, error) {
	if err := ValidateTaskID(id); err != nil {
		return nil, err
	}
	if newStatus != StatusCompleted && newStatus != StatusFailed {
		return nil, errs.New(errs.KindInvalidTransition, "worker may only set completed or failed, got %s", newStatus)
	}
	var updated *Task
	err := fsatomic.WithLock(s.lockPath(id), func() error {
		t, found, err := s.ReadTask(id)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.KindInvalidTransition, "task %s not found", id)
		}
		if IsTerminal(t.Status) {
			return errs.New(errs.KindInvalidTransition, "task %s is already terminal (%s)", id, t.Status)
		}
		if t.Status != StatusInProgress {
			return errs.New(errs.KindInvalidTransition, "task %s is %s, not in_progress", id, t.Status)
		}
		if t.Owner != worker {
			return errs.New(errs.KindInvalidTransition, "task %s is owned by %s, not %s", id, t.Owner, worker)
		}
		now := s.now()
		t.Status = newStatus
		t.Result = result
		t.UpdatedAt = now
		if err := fsatomic.WriteJSON(s.taskPath(id), t); err != nil {
			return err
		}
		kind := EventTaskCompleted
		if newStatus == StatusFailed {
			kind = EventTaskFailed
		}
		if err := s.appendEvent(Event{Kind: kind, At: now, TaskID: id}); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) appendEvent(e Event) error {
	return fsatomic.AppendJSONL(s.eventsPath(), &e)
}

// NextTaskForWorker selects the smallest pending id among tasks the worker
// already owns, or unowned tasks whose dependencies are all completed.
func (s *Store) NextTaskForWorker(worker string) (*Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var best *Task
	bestN := -1
	for _, t := range tasks {
		if t.Status != StatusPending {
			continue
		}
		if t.Owner != "" && t.Owner != worker {
			continue
		}
		if t.Owner == "" {
			ready, err := allCompleted(s, t.BlockedBy)
			if err != nil {
				return nil, err
			}
			if !ready {
				continue
			}
		}
		n, _ := strconv.Atoi(t.ID)
		if best == nil || n < bestN {
			best = t
			bestN = n
		}
	}
	return best, nil
}

// ListEvents reads every event appended since (inclusive). Supplemented
// beyond the distilled spec: the spec defines the Team Event entity but no
// read operation, and any status surface needs one.
func (s *Store) ListEvents(since time.Time) ([]Event, error) {
	path := s.eventsPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if !e.At.Before(since) {
			events = append(events, e)
		}
	}
	return events, nil
}
