// Package fsatomic provides the write-temp-then-rename and advisory-lock
// primitives every state file in the core is built on.
package fsatomic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WriteJSON serializes v and writes it to path via a temp file in the same
// directory followed by a rename, so concurrent readers never observe a
// partially written file.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file into %s: %w", path, err)
	}
	return nil
}

// ReadJSON unmarshals path into v. It returns (false, nil) without error if
// the file does not exist, so readers can treat "missing" as "null" rather
// than as a failure.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		// Torn write from a crash mid-rename on some filesystems; treat as
		// missing rather than a malformed_state error.
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

// AppendJSONL appends one JSON-encoded line to path, creating parent dirs as
// needed. Used for the append-only event/history logs.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// Lock acquires an exclusive advisory file lock at lockPath, creating parent
// directories as needed. The caller must invoke the returned func to
// release it. Used around read-modify-write windows on counter fields
// (dispatch runtime state, mailbox notified_at).
func Lock(lockPath string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// WithLock runs fn while holding the advisory lock at lockPath, releasing it
// afterward regardless of fn's outcome. Use this to thread a single lock
// across multiple read-modify-write steps and eliminate TOCTOU races.
func WithLock(lockPath string, fn func() error) error {
	unlock, err := Lock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
