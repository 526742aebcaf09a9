// Package session implements the Session Lifecycle: session.json
// start/end bookkeeping and staleness detection by pid identity rather
// than wall-clock age.
//
// Staleness verification is adapted from the pid-tracking scheme used
// elsewhere in this codebase for orphan cleanup (kill(pid,0) plus a
// start-time fingerprint to guard against pid reuse), swapped from a
// `ps -o lstart=` shellout to reading /proc/<pid>/stat field 22 directly
// on Linux, since that's what's actually available without forking.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
)

// State is the persisted session.json entity.
type State struct {
	SessionID   string    `json:"session_id"`
	PID         int       `json:"pid"`
	Platform    string    `json:"platform"`
	StartTicks  string    `json:"start_ticks,omitempty"`
	Cmdline     string    `json:"cmdline,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// HistoryRecord is one line of the session-history JSONL log.
type HistoryRecord struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func sessionPath(sessionDir string) string  { return filepath.Join(sessionDir, "session.json") }
func historyPath(stateRoot string) string   { return filepath.Join(stateRoot, "session-history.jsonl") }
func metricsPath(sessionDir string) string  { return filepath.Join(sessionDir, "metrics.json") }
func hudStatePath(sessionDir string) string { return filepath.Join(sessionDir, "hud-state.json") }

// WriteSessionStart creates session.json for a freshly started session,
// capturing the current process's pid, platform, and (on Linux) its
// /proc start-ticks and normalized cmdline, then resets the session's HUD
// and metric snapshots to zero values.
func WriteSessionStart(sessionDir, sessionID string, now time.Time) (*State, error) {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	st := &State{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Platform:  runtime.GOOS,
		StartedAt: now,
	}
	if runtime.GOOS == "linux" {
		if ticks, err := startTicks(st.PID); err == nil {
			st.StartTicks = ticks
		}
		if cmd, err := normalizedCmdline(st.PID); err == nil {
			st.Cmdline = cmd
		}
	}

	if err := fsatomic.WriteJSON(sessionPath(sessionDir), st); err != nil {
		return nil, err
	}
	if err := fsatomic.WriteJSON(metricsPath(sessionDir), map[string]any{}); err != nil {
		return nil, err
	}
	if err := fsatomic.WriteJSON(hudStatePath(sessionDir), map[string]any{}); err != nil {
		return nil, err
	}
	return st, nil
}

// ReadSessionState loads session.json, returning found=false if absent.
func ReadSessionState(sessionDir string) (*State, bool, error) {
	var st State
	found, err := fsatomic.ReadJSON(sessionPath(sessionDir), &st)
	if err != nil || !found {
		return nil, found, err
	}
	return &st, true, nil
}

// IsSessionStale reports whether st's process is no longer the one that
// started the session. No wall-clock age threshold is used: a long-lived
// but still-live session is never considered stale.
func IsSessionStale(st State) bool {
	if st.PID <= 0 {
		return true
	}
	if err := signalZero(st.PID); err != nil {
		return true
	}
	if runtime.GOOS != "linux" {
		return false
	}
	if st.StartTicks != "" {
		current, err := startTicks(st.PID)
		if err != nil || current != st.StartTicks {
			return true
		}
	}
	if st.Cmdline != "" {
		current, err := normalizedCmdline(st.PID)
		if err != nil || current != st.Cmdline {
			return true
		}
	}
	return false
}

func signalZero(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.Signal(0))
}

// startTicks returns field 22 (starttime, in clock ticks since boot) of
// /proc/<pid>/stat. The comm field (2) is parenthesized and may itself
// contain spaces/parens, so the fields are counted from the end of the
// line, not split naively from the start.
func startTicks(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 || closeParen+2 >= len(line) {
		return "", fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(line[closeParen+2:])
	// rest[0] is field 3 (state); field 22 is rest[22-3] = rest[19].
	const starttimeOffset = 22 - 3
	if len(rest) <= starttimeOffset {
		return "", fmt.Errorf("short /proc/%d/stat, want field 22", pid)
	}
	return rest[starttimeOffset], nil
}

// normalizedCmdline reads /proc/<pid>/cmdline (NUL-separated argv) and
// joins it with single spaces for stable comparison.
func normalizedCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return strings.Join(parts, " "), nil
}

// WriteSessionEnd appends a history record and deletes session.json.
func WriteSessionEnd(sessionDir, stateRoot, sessionID string, now time.Time) error {
	st, found, err := ReadSessionState(sessionDir)
	if err != nil {
		return err
	}
	startedAt := now
	if found {
		startedAt = st.StartedAt
	}
	rec := HistoryRecord{SessionID: sessionID, StartedAt: startedAt, EndedAt: now}
	if err := fsatomic.AppendJSONL(historyPath(stateRoot), &rec); err != nil {
		return err
	}
	if err := os.Remove(sessionPath(sessionDir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadHistory returns every session-history record, oldest first.
func ReadHistory(stateRoot string) ([]HistoryRecord, error) {
	f, err := os.Open(historyPath(stateRoot))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
