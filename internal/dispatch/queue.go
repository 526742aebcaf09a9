package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/cache"
	"github.com/omx-dev/omx/internal/fsatomic"
)

// Queue persists Dispatch Requests under one team's state directory. Unlike
// the ephemeral nudge queue it replaces, entries are never deleted: a
// processed request's status moves to notified or failed and it stays on
// disk as history.
type Queue struct {
	TeamDir string // <state-root>/team/<team>
	Now     func() time.Time

	// ConfigCache, when set, short-circuits repeated LoadConfig disk
	// reads within its TTL — a single drainer tick can evaluate guards
	// for many pending requests against the same config. Nil disables
	// caching entirely.
	ConfigCache *cache.ConfigCache
}

func NewQueue(teamDir string) *Queue {
	return &Queue{TeamDir: teamDir, Now: time.Now}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) dir() string                      { return filepath.Join(q.TeamDir, "dispatch") }
func (q *Queue) requestPath(id string) string     { return filepath.Join(q.dir(), id+".json") }
func (q *Queue) lockPath(id string) string        { return q.requestPath(id) + ".lock" }
func (q *Queue) configPath() string                { return filepath.Join(q.TeamDir, "tmux-hook.json") }
func (q *Queue) configLockPath() string            { return q.configPath() + ".lock" }
func (q *Queue) runtimeStatePath() string          { return filepath.Join(q.TeamDir, "tmux-hook-state.json") }
func (q *Queue) runtimeStateLockPath() string      { return q.runtimeStatePath() + ".lock" }

var requestFileName = regexp.MustCompile(`^[0-9a-f-]+\.json$`)

// Enqueue persists a new request idempotently: if messageID is non-empty
// and an existing request already carries it, the existing request is
// returned unchanged rather than duplicated.
func (q *Queue) Enqueue(kind RequestKind, toWorker, messageID, triggerMessage string, fallbackAllowed bool) (*Request, error) {
	if messageID != "" {
		if existing, found, err := q.findByMessageID(messageID); err != nil {
			return nil, err
		} else if found {
			return existing, nil
		}
	}
	now := q.now()
	req := &Request{
		RequestID:       uuid.NewString(),
		Kind:            kind,
		ToWorker:        toWorker,
		MessageID:       messageID,
		TriggerMessage:  triggerMessage,
		Status:          RequestPending,
		FallbackAllowed: fallbackAllowed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := fsatomic.WriteJSON(q.requestPath(req.RequestID), req); err != nil {
		return nil, fmt.Errorf("enqueueing dispatch request: %w", err)
	}
	return req, nil
}

func (q *Queue) findByMessageID(messageID string) (*Request, bool, error) {
	all, err := q.List()
	if err != nil {
		return nil, false, err
	}
	for _, r := range all {
		if r.MessageID == messageID {
			return r, true, nil
		}
	}
	return nil, false, nil
}

// List returns every persisted request, oldest created_at first.
func (q *Queue) List() ([]*Request, error) {
	entries, err := os.ReadDir(q.dir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, e := range entries {
		if !requestFileName.MatchString(e.Name()) {
			continue
		}
		var r Request
		found, err := fsatomic.ReadJSON(filepath.Join(q.dir(), e.Name()), &r)
		if err != nil || !found {
			continue
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Pending returns requests in pending status, oldest first, capped at max
// (<=0 means unbounded) — the Drainer's per-tick budget.
func (q *Queue) Pending(max int) ([]*Request, error) {
	all, err := q.List()
	if err != nil {
		return nil, err
	}
	var pending []*Request
	for _, r := range all {
		if r.Status == RequestPending {
			pending = append(pending, r)
		}
		if max > 0 && len(pending) >= max {
			break
		}
	}
	return pending, nil
}

// Claim atomically moves one request from pending to in_tick under its own
// lock, returning false if another tick already claimed it.
func (q *Queue) Claim(requestID string) (*Request, bool, error) {
	var claimed *Request
	var ok bool
	err := fsatomic.WithLock(q.lockPath(requestID), func() error {
		var r Request
		found, err := fsatomic.ReadJSON(q.requestPath(requestID), &r)
		if err != nil {
			return err
		}
		if !found || r.Status != RequestPending {
			return nil
		}
		r.Status = RequestInTick
		r.Attempts++
		r.UpdatedAt = q.now()
		if err := fsatomic.WriteJSON(q.requestPath(requestID), &r); err != nil {
			return err
		}
		claimed = &r
		ok = true
		return nil
	})
	return claimed, ok, err
}

// Resolve moves an in_tick request to its final status for this attempt.
func (q *Queue) Resolve(requestID string, status RequestStatus, reason string) error {
	return fsatomic.WithLock(q.lockPath(requestID), func() error {
		var r Request
		found, err := fsatomic.ReadJSON(q.requestPath(requestID), &r)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("dispatch request %s not found", requestID)
		}
		r.Status = status
		r.LastReason = reason
		r.UpdatedAt = q.now()
		return fsatomic.WriteJSON(q.requestPath(requestID), &r)
	})
}

// LoadConfig reads the hook config, normalizing a missing or corrupt file
// to a safely-disabled default rather than erroring.
func (q *Queue) LoadConfig() (Config, error) {
	if q.ConfigCache != nil {
		if v, ok := q.ConfigCache.Get(q.configPath()); ok {
			return v.(Config), nil
		}
	}

	var raw Config
	found, err := fsatomic.ReadJSON(q.configPath(), &raw)
	var cfg Config
	switch {
	case err != nil, !found:
		cfg = NormalizeConfig(nil)
	default:
		cfg = NormalizeConfig(&raw)
	}

	if q.ConfigCache != nil {
		q.ConfigCache.Set(q.configPath(), cfg)
	}
	return cfg, nil
}

// SaveConfig writes the hook config atomically, preserving unknown fields
// already present via Config.Extra. It replaces the config cache entry with
// cfg so the next LoadConfig observes the write immediately.
func (q *Queue) SaveConfig(cfg Config) error {
	err := fsatomic.WithLock(q.configLockPath(), func() error {
		return fsatomic.WriteJSON(q.configPath(), &cfg)
	})
	if err == nil && q.ConfigCache != nil {
		q.ConfigCache.Set(q.configPath(), cfg)
	}
	return err
}

// LoadRuntimeState reads the persisted guard/counter state, defaulting to
// zero-value state if absent.
func (q *Queue) LoadRuntimeState() (RuntimeState, error) {
	var rs RuntimeState
	_, err := fsatomic.ReadJSON(q.runtimeStatePath(), &rs)
	return rs, err
}

// SaveRuntimeState writes the runtime state atomically under its own lock,
// distinct from the config lock so a config read/write never blocks a
// guard-state update.
func (q *Queue) SaveRuntimeState(rs RuntimeState) error {
	return fsatomic.WithLock(q.runtimeStateLockPath(), func() error {
		return fsatomic.WriteJSON(q.runtimeStatePath(), &rs)
	})
}
