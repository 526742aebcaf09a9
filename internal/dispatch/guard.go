package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/omx-dev/omx/internal/errs"
)

// InjectionInput bundles everything EvaluateInjectionGuards needs to decide
// whether a dispatch attempt may proceed.
type InjectionInput struct {
	Config        Config
	State         RuntimeState
	ActiveModes   []string
	PaneContent   string // last captured pane text, for loop-guard marker checks
	PaneKey       string // pane id or session name this request targets
	SessionKey    string
	TurnID        string
	SourceText    string // the message body about to be injected, pre-normalization
	Now           time.Time
}

// dedupeKey derives the RecentKeys key for one (mode, session, turn, text)
// tuple, so the same logical notification is never double-fired within the
// recent-keys window even if re-enqueued.
func dedupeKey(mode, sessionKey, turnID, normalizedSource string) string {
	h := sha256.New()
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write([]byte(sessionKey))
	h.Write([]byte{0})
	h.Write([]byte(turnID))
	h.Write([]byte{0})
	h.Write([]byte(normalizedSource))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeSource(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// EvaluateInjectionGuards runs the ordered, first-failure guard chain. On
// any skip it returns immediately without mutating in — callers must not
// record recent_keys for a skipped attempt (only a successful send earns a
// recent-keys entry), so a cooldown or pane-cap rejection today doesn't
// suppress a legitimate retry later.
func EvaluateInjectionGuards(in InjectionInput) GuardResult {
	if !in.Config.Enabled {
		return GuardResult{Reason: string(errs.KindDisabled)}
	}

	mode := PickActiveMode(in.ActiveModes, in.Config.AllowedModes)
	if mode == "" {
		return GuardResult{Reason: string(errs.KindNoActiveMode)}
	}

	if in.Config.Marker != "" && strings.Contains(in.SourceText, in.Config.Marker) {
		return GuardResult{Reason: string(errs.KindLoopGuardInputMarker), Mode: mode}
	}
	if in.Config.Marker != "" && strings.Contains(in.PaneContent, in.Config.Marker) {
		return GuardResult{Reason: string(errs.KindLoopGuardAssistantMarker), Mode: mode}
	}

	key := dedupeKey(mode, in.SessionKey, in.TurnID, normalizeSource(in.SourceText))
	if in.State.RecentKeys != nil {
		if ts, seen := in.State.RecentKeys[key]; seen {
			// Per the duplicate_event guard's timestamp comparison: a
			// key only still counts as a duplicate while it's newer
			// than the cooldown window. With no configured cooldown
			// there's no window to age out of, so presence alone
			// suffices, matching the caller-managed-retention case.
			if in.Config.CooldownMs <= 0 || in.Now.Sub(ts) < time.Duration(in.Config.CooldownMs)*time.Millisecond {
				return GuardResult{Reason: string(errs.KindDuplicateEvent), Mode: mode}
			}
		}
	}

	if in.Config.CooldownMs > 0 && !in.State.LastInjectionTS.IsZero() {
		elapsed := in.Now.Sub(in.State.LastInjectionTS)
		if elapsed < time.Duration(in.Config.CooldownMs)*time.Millisecond {
			return GuardResult{Reason: string(errs.KindCooldownActive), Mode: mode}
		}
	}

	if in.Config.MaxInjectionsPerSession > 0 {
		if in.State.paneCount(in.PaneKey) >= in.Config.MaxInjectionsPerSession {
			return GuardResult{Reason: string(errs.KindPaneCapReached), Mode: mode}
		}
	}

	return GuardResult{Allowed: true, Mode: mode}
}

// RecordInjection updates RuntimeState after a confirmed send: bumps
// counters, stamps last-injection time, and records the dedupe key so a
// duplicate of the same (mode, session, turn, text) tuple is suppressed
// until the key is older than cooldown_ms (or, with no cooldown
// configured, for as long as the key stays in RecentKeys).
func RecordInjection(state *RuntimeState, in InjectionInput, mode string) {
	state.TotalInjections++
	state.LastReason = "ok"
	state.LastInjectionTS = in.Now
	if state.RecentKeys == nil {
		state.RecentKeys = map[string]time.Time{}
	}
	state.RecentKeys[dedupeKey(mode, in.SessionKey, in.TurnID, normalizeSource(in.SourceText))] = in.Now
	if state.PaneCounts == nil {
		state.PaneCounts = map[string]int{}
	}
	state.PaneCounts[in.PaneKey]++
}
