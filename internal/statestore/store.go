// Package statestore implements the core's State Store: atomic read/write of
// JSON state files, global-vs-session scope resolution, and path-safety
// validation for every other component's persisted entities.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/omx-dev/omx/internal/errs"
	"github.com/omx-dev/omx/internal/fsatomic"
)

var (
	kindPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	sessionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Store resolves and mutates the state tree rooted at <project>/.omx/state.
type Store struct {
	ProjectRoot string
}

func New(projectRoot string) *Store {
	return &Store{ProjectRoot: projectRoot}
}

// StateRoot is <project>/.omx/state.
func (s *Store) StateRoot() string {
	return filepath.Join(s.ProjectRoot, ".omx", "state")
}

// OmxRoot is <project>/.omx, parent of both state/ and logs/.
func (s *Store) OmxRoot() string {
	return filepath.Join(s.ProjectRoot, ".omx")
}

func ValidateKind(kind string) error {
	if kind == "" || strings.Contains(kind, "..") || strings.ContainsAny(kind, "/\\") || !kindPattern.MatchString(kind) {
		return errs.New(errs.KindPathTraversal, "invalid state kind %q", kind)
	}
	return nil
}

func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if strings.Contains(sessionID, "..") || strings.ContainsAny(sessionID, "/\\") || !sessionPattern.MatchString(sessionID) {
		return errs.New(errs.KindPathTraversal, "invalid session id %q", sessionID)
	}
	return nil
}

// scopeDir returns the directory holding <kind>-state.json for sessionID, or
// the global directory when sessionID is empty.
func (s *Store) scopeDir(sessionID string) string {
	if sessionID == "" {
		return s.StateRoot()
	}
	return filepath.Join(s.StateRoot(), "sessions", sessionID)
}

// path returns the on-disk file path for kind in the given scope.
func (s *Store) path(kind, sessionID string) (string, error) {
	if err := ValidateKind(kind); err != nil {
		return "", err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(s.scopeDir(sessionID), kind+"-state.json"), nil
}

// LockPath returns the advisory-lock sibling of a state file, used by
// read-modify-write updates on counter fields.
func (s *Store) LockPath(kind, sessionID string) (string, error) {
	p, err := s.path(kind, sessionID)
	if err != nil {
		return "", err
	}
	return p + ".lock", nil
}

// Read loads kind's state for sessionID ("" = global) into out. found is
// false (no error) if the file doesn't exist or is empty/partial.
func (s *Store) Read(kind, sessionID string, out any) (bool, error) {
	p, err := s.path(kind, sessionID)
	if err != nil {
		return false, err
	}
	return fsatomic.ReadJSON(p, out)
}

// Write atomically persists in as kind's state for sessionID.
func (s *Store) Write(kind, sessionID string, in any) error {
	p, err := s.path(kind, sessionID)
	if err != nil {
		return err
	}
	return fsatomic.WriteJSON(p, in)
}

// ScopeRef identifies one scope a kind's state may live in.
type ScopeRef struct {
	SessionID string // "" for global
	Path      string
}

// ListScopes enumerates every scope in which kind currently has a state
// file: the global scope plus every sessions/<sid>/ directory that has one.
func (s *Store) ListScopes(kind string) ([]ScopeRef, error) {
	if err := ValidateKind(kind); err != nil {
		return nil, err
	}
	var scopes []ScopeRef
	globalPath := filepath.Join(s.StateRoot(), kind+"-state.json")
	if _, err := os.Stat(globalPath); err == nil {
		scopes = append(scopes, ScopeRef{SessionID: "", Path: globalPath})
	}
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, sid := range sessions {
		p := filepath.Join(s.StateRoot(), "sessions", sid, kind+"-state.json")
		if _, err := os.Stat(p); err == nil {
			scopes = append(scopes, ScopeRef{SessionID: sid, Path: p})
		}
	}
	return scopes, nil
}

// ForeachScope invokes fn once per scope currently holding kind's state,
// so status readers and mutators share one enumeration path and cannot
// accidentally diverge (Design Notes: cross-scope state unions).
func (s *Store) ForeachScope(kind string, fn func(ref ScopeRef) error) error {
	scopes, err := s.ListScopes(kind)
	if err != nil {
		return err
	}
	for _, ref := range scopes {
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions enumerates session ids with a sessions/<sid>/ directory.
func (s *Store) ListSessions() ([]string, error) {
	dir := filepath.Join(s.StateRoot(), "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// sessionPointer mirrors the minimal shape of session.json needed to resolve
// the write scope; the full Session entity lives in package session.
type sessionPointer struct {
	SessionID string `json:"session_id"`
}

// CurrentSessionID reads <root>/session.json and returns its session_id, or
// "" if no session is current (global scope).
func (s *Store) CurrentSessionID() (string, error) {
	var ptr sessionPointer
	found, err := fsatomic.ReadJSON(filepath.Join(s.StateRoot(), "session.json"), &ptr)
	if err != nil || !found {
		return "", err
	}
	return ptr.SessionID, nil
}

// ResolveWriteScope returns the scope (session id, "" for global) that
// mutating operations should target: the current session pointer, falling
// back to global when absent.
func (s *Store) ResolveWriteScope() (string, error) {
	return s.CurrentSessionID()
}

// ResolveWorkingDir normalizes a raw working-directory string per the State
// Store's contract: trims whitespace, rejects NUL bytes, maps Windows drive
// paths to /mnt/<x>/... on non-Windows hosts when the mount exists, and
// enforces OMX_MCP_WORKDIR_ROOTS as an allowlist over the final absolute
// path.
func (s *Store) ResolveWorkingDir(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errs.New(errs.KindInvalidInput, "empty working directory")
	}
	if strings.ContainsRune(trimmed, '\x00') {
		return "", errs.New(errs.KindInvalidInput, "working directory contains NUL byte")
	}

	resolved := trimmed
	if runtime.GOOS != "windows" {
		if mapped, ok := mapWindowsPath(trimmed); ok {
			mountRoot := "/mnt/" + strings.ToLower(trimmed[:1])
			if _, err := os.Stat(mountRoot); err != nil {
				return "", errs.New(errs.KindInvalidInput, "windows path %q has no matching mount %s", trimmed, mountRoot)
			}
			resolved = mapped
		}
	}

	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", errs.New(errs.KindInvalidInput, "resolving %q: %v", trimmed, err)
	}
	abs = filepath.Clean(abs)

	if roots := allowedWorkdirRoots(); len(roots) > 0 {
		allowed := false
		for _, root := range roots {
			if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", errs.New(errs.KindWorkdirOutsideRoots, "%q is outside OMX_MCP_WORKDIR_ROOTS", abs)
		}
	}
	return abs, nil
}

var windowsDrivePattern = regexp.MustCompile(`^([A-Za-z]):[\\/](.*)$`)

// mapWindowsPath turns "C:\Users\me\proj" into "/mnt/c/Users/me/proj".
func mapWindowsPath(p string) (string, bool) {
	m := windowsDrivePattern.FindStringSubmatch(p)
	if m == nil {
		return "", false
	}
	drive := strings.ToLower(m[1])
	rest := strings.ReplaceAll(m[2], `\`, "/")
	return "/mnt/" + drive + "/" + rest, true
}

// allowedWorkdirRoots parses OMX_MCP_WORKDIR_ROOTS (colon-separated) into
// cleaned absolute paths.
func allowedWorkdirRoots() []string {
	raw := os.Getenv("OMX_MCP_WORKDIR_ROOTS")
	if raw == "" {
		return nil
	}
	var roots []string
	for _, part := range strings.Split(raw, ":") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		roots = append(roots, filepath.Clean(part))
	}
	return roots
}
