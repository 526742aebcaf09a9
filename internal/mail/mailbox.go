// Package mail implements the Messaging subsystem: per-worker mailboxes,
// broadcast, and inbox-instruction replacement, plus the idempotent
// two-phase delivery tracking (notified_at / delivered_at) every dispatch
// request outcome updates.
//
// The delivery-state machine here is adapted from a bug-tracker label
// scheme the team used elsewhere for the same notified/acked idempotency
// problem: a message is pending-notify until notified_at is set and
// pending-delivery until delivered_at is set by the recipient after
// reading, and a retried notify attempt must not stomp an already-recorded
// timestamp set by a different actor.
package mail

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/fsatomic"
)

const LeaderFixed = "leader-fixed"

// Message is one mailbox entry.
type Message struct {
	MessageID  string     `json:"message_id"`
	FromWorker string     `json:"from_worker"`
	ToWorker   string     `json:"to_worker"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"created_at"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func (m Message) PendingNotify() bool  { return m.NotifiedAt == nil }
func (m Message) PendingDelivery() bool { return m.DeliveredAt == nil }

// Mailbox is the persisted per-worker message list.
type Mailbox struct {
	Worker   string    `json:"worker"`
	Messages []Message `json:"messages"`
}

// Store scopes mailbox operations to one team.
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

func (s *Store) mailboxPath(worker string) string {
	return filepath.Join(s.TeamDir, "mailbox", worker+".json")
}

func (s *Store) lockPath(worker string) string {
	return s.mailboxPath(worker) + ".lock"
}

func (s *Store) readMailbox(worker string) (Mailbox, error) {
	var mb Mailbox
	_, err := fsatomic.ReadJSON(s.mailboxPath(worker), &mb)
	mb.Worker = worker
	return mb, err
}

// appendMessage appends msg to worker's mailbox under the worker's lock.
func (s *Store) appendMessage(worker string, msg Message) error {
	return fsatomic.WithLock(s.lockPath(worker), func() error {
		mb, err := s.readMailbox(worker)
		if err != nil {
			return err
		}
		mb.Messages = append(mb.Messages, msg)
		return fsatomic.WriteJSON(s.mailboxPath(worker), &mb)
	})
}

// Send appends a direct message to the recipient's mailbox and returns its
// new message id. It does not itself trigger delivery — callers enqueue a
// dispatch request separately (see package dispatch).
func (s *Store) Send(from, to, body string) (string, error) {
	id := uuid.NewString()
	msg := Message{MessageID: id, FromWorker: from, ToWorker: to, Body: body, CreatedAt: s.now()}
	if err := s.appendMessage(to, msg); err != nil {
		return "", fmt.Errorf("sending to %s: %w", to, err)
	}
	return id, nil
}

// Broadcast appends the same message body to every recipient in roster
// except from, returning one message id per recipient so the caller can
// enqueue one dispatch request each.
func (s *Store) Broadcast(from string, roster []string, body string) (map[string]string, error) {
	ids := make(map[string]string)
	createdAt := s.now()
	for _, to := range roster {
		if to == from {
			continue
		}
		id := uuid.NewString()
		msg := Message{MessageID: id, FromWorker: from, ToWorker: to, Body: body, CreatedAt: createdAt}
		if err := s.appendMessage(to, msg); err != nil {
			return ids, fmt.Errorf("broadcasting to %s: %w", to, err)
		}
		ids[to] = id
	}
	return ids, nil
}

// ListInbox returns worker's messages, filtering out already-delivered
// entries unless includeDelivered is set.
func (s *Store) ListInbox(worker string, includeDelivered bool) ([]Message, error) {
	mb, err := s.readMailbox(worker)
	if err != nil {
		return nil, err
	}
	if includeDelivered {
		return mb.Messages, nil
	}
	var out []Message
	for _, m := range mb.Messages {
		if m.PendingDelivery() {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkNotifiedIdempotent sets notified_at on messageID, reusing an existing
// notified_at only if this is a retry by the same logical attempt (i.e. the
// field is already set); otherwise it stamps at. This mirrors the
// label-based idempotent-ack pattern: a second attempt after a crash must
// not overwrite a timestamp a concurrent attempt already recorded.
func (s *Store) MarkNotifiedIdempotent(worker, messageID string, at time.Time) error {
	return s.mutateMessage(worker, messageID, func(m *Message) {
		if m.NotifiedAt == nil {
			m.NotifiedAt = &at
		}
	})
}

// MarkDelivered sets delivered_at, called by the recipient worker after
// reading. Per invariant #2, delivered_at may only ever be set once
// notified_at is already set (a worker cannot read what was never
// delivered-notice'd) — callers violating this get an error.
func (s *Store) MarkDelivered(worker, messageID string, at time.Time) error {
	var violated bool
	err := s.mutateMessage(worker, messageID, func(m *Message) {
		if m.NotifiedAt == nil {
			violated = true
			return
		}
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	})
	if err != nil {
		return err
	}
	if violated {
		return fmt.Errorf("cannot mark message %s delivered before notified_at is set", messageID)
	}
	return nil
}

func (s *Store) mutateMessage(worker, messageID string, fn func(*Message)) error {
	return fsatomic.WithLock(s.lockPath(worker), func() error {
		mb, err := s.readMailbox(worker)
		if err != nil {
			return err
		}
		found := false
		for i := range mb.Messages {
			if mb.Messages[i].MessageID == messageID {
				fn(&mb.Messages[i])
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("message %s not found in %s's mailbox", messageID, worker)
		}
		return fsatomic.WriteJSON(s.mailboxPath(worker), &mb)
	})
}

// WriteInbox replaces worker's instruction frame, the mechanism for
// assigning new work.
func (s *Store) WriteInbox(worker, content string) error {
	path := filepath.Join(s.TeamDir, "workers", worker, "inbox.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-inbox-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadInbox returns worker's current instruction frame.
func (s *Store) ReadInbox(worker string) (string, error) {
	path := filepath.Join(s.TeamDir, "workers", worker, "inbox.md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
