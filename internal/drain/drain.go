// Package drain implements the notify-hook Drainer: one state-directory
// tick triggered by a host-CLI turn-complete event. It advances every
// active mode's iteration counter, syncs a completed team mode into its
// linked Ralph state, and — for the leader only — drains pending dispatch
// requests through the Dispatch Engine.
package drain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/errs"
	"github.com/omx-dev/omx/internal/logging"
	"github.com/omx-dev/omx/internal/mail"
	"github.com/omx-dev/omx/internal/mode"
	"github.com/omx-dev/omx/internal/tracing"
)

// Scope is one global-or-session directory the tick must update.
type Scope struct {
	Dir       string // <state-root> for global, <state-root>/sessions/<id> for session
	SessionID string // empty for the global scope
}

// Result summarizes one tick's dispatch outcome, mirroring the
// processed/skipped/failed counters §8's scenarios assert on.
type Result struct {
	Processed int
	Skipped   int
	Failed    int
}

// Deps bundles the tick's external collaborators so drain.Tick stays
// dependency-injected and unit-testable without tmux or the real clock.
type Deps struct {
	StateRoot string
	TeamDir   string // <state-root>/team/<team>, empty if not running as a team leader
	IsLeader  bool
	Now       func() time.Time
	Sender    *dispatch.Sender
	Logger    *logging.Logger   // nil disables tick logging
	Tracer    *tracing.Provider // nil disables tracing (treated as a no-op provider)
}

// ListScopes enumerates the global scope plus every session scope under
// stateRoot.
func ListScopes(stateRoot string) ([]Scope, error) {
	scopes := []Scope{{Dir: stateRoot}}
	sessionsDir := filepath.Join(stateRoot, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return scopes, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			scopes = append(scopes, Scope{Dir: filepath.Join(sessionsDir, e.Name()), SessionID: e.Name()})
		}
	}
	return scopes, nil
}

// AdvanceModeIterations implements step 2: every active mode state in
// scope has its iteration bumped and last_turn_at stamped; a mode that has
// reached max_iterations is marked complete with stop_reason
// max_iterations_reached.
func AdvanceModeIterations(scope Scope, now time.Time) error {
	s := mode.New(scope.Dir)
	active, err := s.ListActiveModes()
	if err != nil {
		return err
	}
	for _, m := range active {
		_, err := s.UpdateModeState(m, func(st *mode.State) {
			st.Iteration++
			st.LastTurnAt = &now
			if st.MaxIterations > 0 && st.Iteration >= st.MaxIterations {
				st.Active = false
				st.CurrentPhase = "complete"
				st.StopReason = "max_iterations_reached"
				st.CompletedAt = &now
			}
		})
		if err != nil {
			return fmt.Errorf("advancing mode %s in %s: %w", m, scope.Dir, err)
		}
	}
	return nil
}

// SyncLinkedTerminal implements step 3: a non-active team mode whose phase
// has reached a terminal value and whose state is linked_ralph mirrors
// that terminal outcome onto the scope's ralph-state.json.
func SyncLinkedTerminal(scope Scope, now time.Time) error {
	s := mode.New(scope.Dir)
	team, found, err := s.Read(mode.Team)
	if err != nil || !found {
		return err
	}
	if team.Active || !team.LinkedRalph {
		return nil
	}
	if team.CurrentPhase != "complete" && team.CurrentPhase != "failed" {
		return nil
	}
	_, found, err = s.Read(mode.Ralph)
	if err != nil || !found {
		return err
	}
	_, err = s.UpdateModeState(mode.Ralph, func(st *mode.State) {
		st.Active = false
		st.CurrentPhase = team.CurrentPhase
		if team.CompletedAt != nil {
			st.CompletedAt = team.CompletedAt
		}
		st.LinkedTeamTerminalPhase = team.CurrentPhase
		st.LinkedTeamTerminalAt = &now
		st.LastTurnAt = &now
	})
	return err
}

// ResolveScope implements step 4: an event that carries a session id scopes
// the tick to just that session; otherwise every scope in stateRoot is
// touched (the caller is expected to have already narrowed via the current
// session pointer if one governs this process).
func ResolveScope(stateRoot, sessionID string) (Scope, error) {
	if sessionID == "" {
		return Scope{Dir: stateRoot}, nil
	}
	return Scope{Dir: filepath.Join(stateRoot, "sessions", sessionID), SessionID: sessionID}, nil
}

// DrainDispatch implements step 5: the leader-only dispatch drain, bounded
// by cfg.DispatchMaxPerTick, applying the §4.4 outcome rules per request.
func DrainDispatch(ctx context.Context, teamDir string, sender *dispatch.Sender, now time.Time) (Result, error) {
	q := dispatch.NewQueue(teamDir)
	q.Now = func() time.Time { return now }
	mailStore := mail.New(teamDir)
	mailStore.Now = func() time.Time { return now }

	cfg, err := q.LoadConfig()
	if err != nil {
		return Result{}, err
	}
	rs, err := q.LoadRuntimeState()
	if err != nil {
		return Result{}, err
	}

	pending, err := q.Pending(cfg.DispatchMaxPerTick)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, req := range pending {
		claimed, ok, err := q.Claim(req.RequestID)
		if err != nil {
			return res, err
		}
		if !ok {
			continue // another tick already claimed it
		}

		if claimed.TransportPreference != "" && claimed.TransportPreference != "transport_hook" && !claimed.FallbackAllowed {
			if err := q.Resolve(claimed.RequestID, dispatch.RequestFailed, "transport_preference_unmet"); err != nil {
				return res, err
			}
			res.Skipped++
			continue
		}

		pane, err := dispatch.ResolveTargetPane(cfg)
		if err != nil {
			if err := q.Resolve(claimed.RequestID, dispatch.RequestFailed, err.Error()); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		sendResult, sendErr := sender.Send(ctx, pane, claimed.TriggerMessage, cfg)
		unconfirmed := (sendErr != nil && errs.Is(sendErr, errs.KindUnconfirmedAfterMaxRetries)) ||
			(sendErr == nil && !sendResult.Confirmed)
		if unconfirmed {
			// §4.4 at-least-once rule: a request that's still unconfirmed
			// after MaxUnconfirmedAttempts claims (across ticks, not just
			// this Send call's own internal retry rounds) is promoted to
			// notified anyway rather than left pending forever.
			if claimed.Attempts >= dispatch.MaxUnconfirmedAttempts {
				if err := resolveNotified(q, mailStore, claimed, now, "promoted_after_max_unconfirmed_attempts"); err != nil {
					return res, err
				}
				res.Processed++
				continue
			}
			reason := "unconfirmed_retry"
			if sendErr != nil {
				reason = sendResult.Reason
			}
			if err := q.Resolve(claimed.RequestID, dispatch.RequestPending, reason); err != nil {
				return res, err
			}
			res.Skipped++
			continue
		}
		if sendErr != nil {
			if err := q.Resolve(claimed.RequestID, dispatch.RequestFailed, sendErr.Error()); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		if err := resolveNotified(q, mailStore, claimed, now, "ok"); err != nil {
			return res, err
		}
		res.Processed++
	}

	if err := q.SaveRuntimeState(rs); err != nil {
		return res, err
	}
	return res, nil
}

// resolveNotified moves req to notified and, for a mailbox-kind request,
// stamps the corresponding mailbox message's notified_at — keeping
// Testable invariant #1 ("every notified dispatch request has a mailbox
// message with notified_at set") true regardless of which path promoted
// the request to notified.
func resolveNotified(q *dispatch.Queue, mailStore *mail.Store, req *dispatch.Request, now time.Time, reason string) error {
	if err := q.Resolve(req.RequestID, dispatch.RequestNotified, reason); err != nil {
		return err
	}
	if req.Kind == dispatch.RequestMailbox && req.ToWorker != "" && req.MessageID != "" {
		if err := mailStore.MarkNotifiedIdempotent(req.ToWorker, req.MessageID, now); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs the full single-tick algorithm described in §4.6, steps 1-6.
// Step 6 (structured daily log append) is best-effort: a logging failure
// never fails the tick.
func Tick(ctx context.Context, deps Deps, sessionID string) (Result, error) {
	if deps.Tracer != nil {
		var span trace.Span
		ctx, span = deps.Tracer.StartSpan(ctx, "drainer.tick")
		defer span.End()
	}

	now := deps.Now()

	scope, err := ResolveScope(deps.StateRoot, sessionID)
	if err != nil {
		return Result{}, err
	}
	scopes := []Scope{scope}
	if scope.SessionID == "" {
		all, err := ListScopes(deps.StateRoot)
		if err != nil {
			return Result{}, err
		}
		scopes = all
	}

	for _, sc := range scopes {
		if err := AdvanceModeIterations(sc, now); err != nil {
			return Result{}, err
		}
		if err := SyncLinkedTerminal(sc, now); err != nil {
			return Result{}, err
		}
	}

	var res Result
	if deps.IsLeader && deps.TeamDir != "" {
		res, err = DrainDispatch(ctx, deps.TeamDir, deps.Sender, now)
		if err != nil {
			return res, err
		}
	}

	if deps.Logger != nil {
		logDrainTick(deps, res)
	}
	return res, nil
}

// logDrainTick writes the tick summary through the ambient zap/logr logger
// (internal/logging), landing in the same logs/omx-<date>.jsonl file every
// other component logs to. A logging panic must never fail the tick.
func logDrainTick(deps Deps, res Result) {
	defer func() { recover() }()
	deps.Logger.For("drainer").Info("tick",
		"processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
}
