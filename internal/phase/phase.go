// Package phase owns the Team Phase Controller: the plan -> prd -> exec ->
// verify -> fix -> {complete | failed} state machine and its reconciliation
// against observed task counts.
package phase

import (
	"path/filepath"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
)

type Phase string

const (
	Plan     Phase = "team-plan"
	PRD      Phase = "team-prd"
	Exec     Phase = "team-exec"
	Verify   Phase = "team-verify"
	Fix      Phase = "team-fix"
	Complete Phase = "complete"
	Failed   Phase = "failed"
)

// canonicalPath is the fixed forward path from the start of the machine.
// Reconciliation walks this slice to find the shortest route to a target.
var canonicalPath = []Phase{Plan, PRD, Exec, Verify, Fix}

func IsTerminal(p Phase) bool {
	return p == Complete || p == Failed
}

func indexOf(p Phase) int {
	for i, c := range canonicalPath {
		if c == p {
			return i
		}
	}
	return -1
}

// Transition records one phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// State is the persisted Team Phase State entity.
type State struct {
	CurrentPhase      Phase        `json:"current_phase"`
	MaxFixAttempts    int          `json:"max_fix_attempts"`
	CurrentFixAttempt int          `json:"current_fix_attempt"`
	Transitions       []Transition `json:"transitions"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// TaskCounts is the subset of Task Store output the controller reconciles
// against.
type TaskCounts struct {
	Pending     int
	Blocked     int
	InProgress  int
	Failed      int
}

// InferTarget derives the target phase from task counts and whether a
// verification step is still pending.
func InferTarget(counts TaskCounts, verificationPending bool) Phase {
	nonTerminalZero := counts.Pending == 0 && counts.Blocked == 0 && counts.InProgress == 0
	switch {
	case nonTerminalZero && counts.Failed == 0:
		if verificationPending {
			return Verify
		}
		return Complete
	case nonTerminalZero && counts.Failed > 0:
		return Fix
	default:
		return Exec
	}
}

// Reconcile walks persisted toward target, producing a new State with every
// intermediate transition appended. now is injected so callers control the
// clock (tests pass a fixed time).
func Reconcile(persisted State, target Phase, now time.Time) State {
	next := persisted
	next.UpdatedAt = now

	if IsTerminal(persisted.CurrentPhase) {
		if IsTerminal(target) {
			// Same or different terminal: the spec treats "terminal to
			// terminal" as a no-op regardless of which terminal, since
			// there is no canonical path between complete and failed.
			return next
		}
		// Regressing out of a terminal phase is never silent: record the
		// synthetic transition and reset the fix-attempt counter.
		next.Transitions = append(append([]Transition{}, persisted.Transitions...), Transition{
			From:   persisted.CurrentPhase,
			To:     target,
			At:     now,
			Reason: "tasks_reopened",
		})
		next.CurrentPhase = target
		next.CurrentFixAttempt = 0
		return next
	}

	if target == Failed {
		next.Transitions = append(append([]Transition{}, persisted.Transitions...), Transition{
			From: persisted.CurrentPhase,
			To:   Failed,
			At:   now,
		})
		next.CurrentPhase = Failed
		return next
	}

	if target == Complete {
		return walkTo(next, persisted, Complete, now)
	}

	return walkTo(next, persisted, target, now)
}

// walkTo appends one transition per canonical-path step between
// persisted.CurrentPhase and target, bumping CurrentFixAttempt exactly when
// entering team-fix from team-verify, and failing over to Failed if the fix
// budget is exhausted on that step.
func walkTo(next State, persisted State, target Phase, now time.Time) State {
	cur := persisted.CurrentPhase
	transitions := append([]Transition{}, persisted.Transitions...)
	fixAttempt := persisted.CurrentFixAttempt

	for cur != target {
		var to Phase
		switch cur {
		case Fix:
			// team-fix only ever cycles back through team-exec.
			to = Exec
		case Verify:
			if target == Fix {
				fixAttempt++
				if persisted.MaxFixAttempts > 0 && fixAttempt > persisted.MaxFixAttempts {
					transitions = append(transitions, Transition{From: cur, To: Failed, At: now, Reason: "max_fix_attempts_reached"})
					next.Transitions = transitions
					next.CurrentPhase = Failed
					next.CurrentFixAttempt = fixAttempt - 1
					return next
				}
				to = Fix
			} else {
				// target is Complete (or anything past verify): the next
				// step is directly the target.
				to = target
			}
		default:
			idx := indexOf(cur)
			if idx < 0 || idx+1 >= len(canonicalPath) {
				to = target
			} else {
				to = canonicalPath[idx+1]
			}
		}
		transitions = append(transitions, Transition{From: cur, To: to, At: now})
		cur = to
	}

	next.Transitions = transitions
	next.CurrentPhase = cur
	next.CurrentFixAttempt = fixAttempt
	return next
}

// Store persists one team's Team Phase State at <TeamDir>/phase-state.json.
type Store struct {
	TeamDir string
	Now     func() time.Time
}

// New returns a Store rooted at teamDir.
func New(teamDir string) *Store {
	return &Store{TeamDir: teamDir, Now: time.Now}
}

func (s *Store) path() string     { return filepath.Join(s.TeamDir, "phase-state.json") }
func (s *Store) lockPath() string { return s.path() + ".lock" }

// Read loads the persisted state, or the zero State (current_phase ==
// team-plan) if none has been written yet.
func (s *Store) Read() (State, error) {
	var st State
	found, err := fsatomic.ReadJSON(s.path(), &st)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{CurrentPhase: Plan}, nil
	}
	return st, nil
}

// Advance reconciles the persisted state against target under the store's
// lock and writes the result, returning the new State.
func (s *Store) Advance(target Phase, maxFixAttempts int) (State, error) {
	var result State
	err := fsatomic.WithLock(s.lockPath(), func() error {
		persisted, err := s.Read()
		if err != nil {
			return err
		}
		if persisted.MaxFixAttempts == 0 {
			persisted.MaxFixAttempts = maxFixAttempts
		}
		result = Reconcile(persisted, target, s.Now())
		return fsatomic.WriteJSON(s.path(), result)
	})
	return result, err
}
