// Package mode implements the Mode Lifecycle: exclusive-set conflict
// checking, runtime-context enrichment, and the Ralph phase validator.
package mode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/omx-dev/omx/internal/errs"
	"github.com/omx-dev/omx/internal/fsatomic"
)

// Name identifies a mode kind. The exclusive set is every name that may
// not run concurrently with another member of the set within one scope.
type Name string

const (
	Ralph Name = "ralph"
	Team  Name = "team"
	Exec  Name = "exec"
)

// ExclusiveSet lists modes that may not be simultaneously active within one
// scope directory.
var ExclusiveSet = []Name{Ralph, Team, Exec}

var ralphClosedPhases = map[string]bool{
	"starting":     true,
	"planning":     true,
	"implementing": true,
	"verifying":    true,
	"fixing":       true,
	"complete":     true,
	"cancelled":    true,
}

// ralphLegacyAlias maps deprecated phase spellings recorded by older
// writers onto the current closed set.
var ralphLegacyAlias = map[string]string{
	"plan":   "planning",
	"exec":   "implementing",
	"verify": "verifying",
	"fix":    "fixing",
}

// State is the persisted Mode State entity, shared across Ralph/Team/Exec
// with mode-specific fields folded in loosely (Extra-free here since the
// fields below cover every mode this module drives).
type State struct {
	Mode          Name       `json:"mode"`
	Task          string     `json:"task,omitempty"`
	Active        bool       `json:"active"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"max_iterations,omitempty"`
	CurrentPhase  string     `json:"current_phase"`
	StopReason    string     `json:"stop_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastTurnAt    *time.Time `json:"last_turn_at,omitempty"`
	StartedAt     time.Time  `json:"started_at"`

	TmuxPaneID    string     `json:"tmux_pane_id,omitempty"`
	TmuxPaneSetAt *time.Time `json:"tmux_pane_set_at,omitempty"`

	LinkedRalph              bool       `json:"linked_ralph,omitempty"`
	LinkedTeamTerminalPhase  string     `json:"linked_team_terminal_phase,omitempty"`
	LinkedTeamTerminalAt     *time.Time `json:"linked_team_terminal_at,omitempty"`

	RalphPhaseNormalizedFrom string `json:"ralph_phase_normalized_from,omitempty"`
}

// Store scopes mode state to one directory (a global or session scope dir
// under the project's state root).
type Store struct {
	ScopeDir string
	Now      func() time.Time
}

func New(scopeDir string) *Store {
	return &Store{ScopeDir: scopeDir, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) path(mode Name) string     { return filepath.Join(s.ScopeDir, string(mode)+"-state.json") }
func (s *Store) lockPath(mode Name) string { return s.path(mode) + ".lock" }

// Read loads one mode's state, returning found=false if no state file
// exists yet.
func (s *Store) Read(mode Name) (*State, bool, error) {
	var st State
	found, err := fsatomic.ReadJSON(s.path(mode), &st)
	if err != nil || !found {
		return nil, found, err
	}
	return &st, true, nil
}

// EnrichRuntimeContext is the pure enricher applied to every newly-composed
// state: it carries forward an already-set pane id, or attaches one from
// paneID if the environment pointer resolves to a live pane.
func EnrichRuntimeContext(prior *State, next State, paneID string, now time.Time) State {
	if prior != nil && prior.TmuxPaneID != "" {
		next.TmuxPaneID = prior.TmuxPaneID
		next.TmuxPaneSetAt = prior.TmuxPaneSetAt
		return next
	}
	if paneID != "" {
		next.TmuxPaneID = paneID
		next.TmuxPaneSetAt = &now
	}
	return next
}

// NormalizeRalph enforces max_iterations as a finite positive integer and
// current_phase within the closed set, applying the legacy alias map and
// recording ralph_phase_normalized_from when a rewrite happened.
func NormalizeRalph(st State) State {
	if st.MaxIterations <= 0 {
		st.MaxIterations = 1
	}
	phase := st.CurrentPhase
	if alias, ok := ralphLegacyAlias[phase]; ok {
		st.RalphPhaseNormalizedFrom = phase
		phase = alias
	}
	if !ralphClosedPhases[phase] {
		st.RalphPhaseNormalizedFrom = phase
		phase = "starting"
	}
	st.CurrentPhase = phase
	return st
}

// StartMode starts a new mode in this scope, failing if any other member
// of the exclusive set is already active or has malformed state.
func (s *Store) StartMode(mode Name, task string, maxIterations int, paneID string) (*State, error) {
	if err := os.MkdirAll(s.ScopeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mode scope dir: %w", err)
	}

	for _, other := range ExclusiveSet {
		if other == mode {
			continue
		}
		data, err := os.ReadFile(s.path(other))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errs.New(errs.KindMalformedState, "cannot start: %s state unreadable", other)
		}
		var otherSt State
		if err := json.Unmarshal(data, &otherSt); err != nil {
			return nil, errs.New(errs.KindMalformedState, "cannot start: %s state malformed", other)
		}
		if otherSt.Active {
			return nil, errs.New(errs.KindExclusiveModeActive, "cannot start: %s is already active", other)
		}
	}

	now := s.now()
	st := State{
		Mode:          mode,
		Task:          task,
		Active:        true,
		Iteration:     0,
		MaxIterations: maxIterations,
		CurrentPhase:  "starting",
		StartedAt:     now,
	}
	st = EnrichRuntimeContext(nil, st, paneID, now)
	if mode == Ralph {
		st = NormalizeRalph(st)
	}

	var saved *State
	err := fsatomic.WithLock(s.lockPath(mode), func() error {
		if err := fsatomic.WriteJSON(s.path(mode), &st); err != nil {
			return err
		}
		saved = &st
		return nil
	})
	return saved, err
}

// UpdateModeState merges fields from a partial update into the persisted
// state for mode, re-running the Ralph normalizer when applicable.
func (s *Store) UpdateModeState(mode Name, fn func(*State)) (*State, error) {
	var updated *State
	err := fsatomic.WithLock(s.lockPath(mode), func() error {
		st, found, err := s.Read(mode)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.KindMalformedState, "no state for mode %s", mode)
		}
		fn(st)
		if mode == Ralph {
			*st = NormalizeRalph(*st)
		}
		if err := fsatomic.WriteJSON(s.path(mode), st); err != nil {
			return err
		}
		updated = st
		return nil
	})
	return updated, err
}

// CancelMode marks mode inactive with the given stop reason.
func (s *Store) CancelMode(mode Name, reason string) (*State, error) {
	now := s.now()
	return s.UpdateModeState(mode, func(st *State) {
		st.Active = false
		st.CurrentPhase = "cancelled"
		st.StopReason = reason
		st.CompletedAt = &now
	})
}

// CancelAllModes cancels every active mode in this scope, returning the
// mode names it actually cancelled.
func (s *Store) CancelAllModes(reason string) ([]Name, error) {
	var cancelled []Name
	for _, m := range ExclusiveSet {
		st, found, err := s.Read(m)
		if err != nil {
			return cancelled, err
		}
		if !found || !st.Active {
			continue
		}
		if _, err := s.CancelMode(m, reason); err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, m)
	}
	return cancelled, nil
}

// ListActiveModes returns the names of every currently-active mode in this
// scope.
func (s *Store) ListActiveModes() ([]Name, error) {
	var active []Name
	for _, m := range ExclusiveSet {
		st, found, err := s.Read(m)
		if err != nil {
			return active, err
		}
		if found && st.Active {
			active = append(active, m)
		}
	}
	return active, nil
}
