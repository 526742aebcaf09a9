// Package worker implements the Worker Runtime Glue: pane spawn argv
// construction, the AGENTS.md overlay block, initial inbox generation,
// the post-write dispatch trigger, and readiness/liveness/shutdown
// checks. It composes internal/tmux, internal/mail, and internal/dispatch
// rather than reimplementing any of their concerns.
package worker

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/mail"
)

const overlayStart = "<!-- OMX:TEAM:WORKER:START -->"
const overlayEnd = "<!-- OMX:TEAM:WORKER:END -->"

// BuildArgv composes the host CLI's argv from the launch contract: an
// explicit env model takes priority over an inherited one, which takes
// priority over fallback; bypass/reasoning pass-through flags are kept at
// most once; exactly one canonical "--model <name>" is emitted regardless
// of how many (or how empty) model flags appeared in source.
func BuildArgv(binary string, sourceArgs []string, envModel, inheritedModel, fallbackModel string, bypass, reasoning bool) []string {
	model := fallbackModel
	if inheritedModel != "" {
		model = inheritedModel
	}
	if envModel != "" {
		model = envModel
	}

	argv := []string{binary}
	sawBypass := false
	sawReasoning := false
	for i := 0; i < len(sourceArgs); i++ {
		switch sourceArgs[i] {
		case "--model":
			if i+1 < len(sourceArgs) {
				i++ // drop the stale model value; the canonical one is appended below
			}
		case "--bypass-permissions", "--dangerously-bypass-approvals-and-sandbox":
			if !sawBypass {
				argv = append(argv, sourceArgs[i])
				sawBypass = true
			}
		case "--reasoning":
			if !sawReasoning {
				argv = append(argv, sourceArgs[i])
				sawReasoning = true
			}
		default:
			argv = append(argv, sourceArgs[i])
		}
	}
	if bypass && !sawBypass {
		argv = append(argv, "--bypass-permissions")
	}
	if reasoning && !sawReasoning {
		argv = append(argv, "--reasoning")
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return argv
}

// ApplyOverlay appends the idempotent worker-protocol block to agentsMD's
// content, replacing any previous occurrence so repeated spawns never
// duplicate it.
func ApplyOverlay(content, team, worker string) string {
	stripped := StripOverlay(content)
	block := fmt.Sprintf("\n%s\nThis pane is team %q worker %q. Read inbox.md before acting, and follow the worker protocol described there.\n%s\n",
		overlayStart, team, worker, overlayEnd)
	return strings.TrimRight(stripped, "\n") + "\n" + block
}

var overlayPattern = regexp.MustCompile(`(?s)\n?` + regexp.QuoteMeta(overlayStart) + `.*?` + regexp.QuoteMeta(overlayEnd) + `\n?`)

// StripOverlay removes the worker-protocol block, leaving any other
// content untouched.
func StripOverlay(content string) string {
	return overlayPattern.ReplaceAllString(content, "\n")
}

// WriteOverlay idempotently rewrites a project's AGENTS.md with the
// worker-protocol block applied.
func WriteOverlay(agentsPath, team, worker string) error {
	data, err := os.ReadFile(agentsPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	updated := ApplyOverlay(string(data), team, worker)
	tmp, err := os.CreateTemp(dirOf(agentsPath), ".tmp-agents-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(updated); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), agentsPath)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// InitialInbox renders the identity/assigned-tasks/protocol content
// written to a freshly spawned worker's inbox.md.
func InitialInbox(team, worker string, assignedTaskIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Worker %s/%s\n\n", team, worker)
	fmt.Fprintf(&b, "## Assigned tasks\n")
	if len(assignedTaskIDs) == 0 {
		b.WriteString("(none yet — poll the task list)\n")
	} else {
		for _, id := range assignedTaskIDs {
			fmt.Fprintf(&b, "- task %s\n", id)
		}
	}
	b.WriteString("\n## Protocol\n")
	b.WriteString("1. Claim your next task via the task store.\n")
	b.WriteString("2. Report completion or failure with a result summary.\n")
	b.WriteString("3. Check your mailbox for messages from the leader or peers.\n")
	return b.String()
}

const maxTriggerMessageLen = 200

// TriggerMessage builds the canonical inbox-kind trigger message referencing
// inboxPath. It enforces the <200-char ASCII-safe requirement and must never
// contain the injection marker (which would cause the guard chain to treat
// the trigger itself as a loop signal).
func TriggerMessage(inboxPath, marker string) (string, error) {
	return sanitizeTriggerMessage(fmt.Sprintf("New instructions in %s. Please read it and proceed.", inboxPath), marker)
}

// MailTriggerMessage builds the canonical mailbox-kind trigger message for a
// message from's notification to a worker, under the same length/ASCII/
// marker constraints as TriggerMessage.
func MailTriggerMessage(from, marker string) (string, error) {
	return sanitizeTriggerMessage(fmt.Sprintf("New mailbox message from %s. Check your inbox.", from), marker)
}

func sanitizeTriggerMessage(msg, marker string) (string, error) {
	if len(msg) >= maxTriggerMessageLen {
		msg = msg[:maxTriggerMessageLen-1]
	}
	for _, r := range msg {
		if r > 127 {
			return "", fmt.Errorf("trigger message must be ASCII-safe: %q", msg)
		}
	}
	if marker != "" && strings.Contains(msg, marker) {
		return "", fmt.Errorf("trigger message must not contain the injection marker")
	}
	return msg, nil
}

// Tmux is the pane-existence subset worker readiness/liveness needs.
type Tmux interface {
	HasSession(name string) (bool, error)
}

// WaitForWorkerReady polls for pane existence up to maxAttempts times,
// sleeping interval between attempts.
func WaitForWorkerReady(t Tmux, paneSession string, maxAttempts int, interval time.Duration, sleep func(time.Duration)) (bool, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := t.HasSession(paneSession)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		sleep(interval)
	}
	return false, nil
}

// IsWorkerAlive tests pane existence only. It must never additionally
// require the pane's current command to equal the host CLI binary, since
// the host CLI may legitimately be reported as "node" or similar by tmux.
func IsWorkerAlive(t Tmux, paneSession string) (bool, error) {
	return t.HasSession(paneSession)
}

// ShutdownAck is the persisted <worker>/shutdown-ack.json entity.
type ShutdownAck struct {
	Status string    `json:"status"` // "accept" or "reject"
	At     time.Time `json:"at"`
}

// WriteShutdownInbox writes the shutdown instruction to the worker's
// inbox, then enqueues a dispatch trigger so the worker notices it.
func WriteShutdownInbox(mailStore *mail.Store, team, worker, reason string) error {
	content := fmt.Sprintf("# Shutdown requested\n\nReason: %s\n\nWrite shutdown-ack.json with status \"accept\" or \"reject\" once you have wound down.\n", reason)
	if err := mailStore.WriteInbox(worker, content); err != nil {
		return err
	}
	trigger, err := TriggerMessage(mailStore.TeamDir+"/workers/"+worker+"/inbox.md", dispatch.DefaultMarker)
	if err != nil {
		return err
	}
	_, err = dispatch.NewQueue(mailStore.TeamDir).Enqueue(dispatch.RequestInbox, worker, "", trigger, true)
	return err
}

func shutdownAckPath(teamDir, worker string) string {
	return teamDir + "/workers/" + worker + "/shutdown-ack.json"
}

// WaitForShutdownAck polls for shutdown-ack.json up to maxAttempts times.
// The forced variant's caller is expected to proceed with a forced pane
// close once this returns found=false after exhausting its attempts.
func WaitForShutdownAck(teamDir, worker string, maxAttempts int, interval time.Duration, sleep func(time.Duration)) (*ShutdownAck, bool, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var ack ShutdownAck
		found, err := fsatomic.ReadJSON(shutdownAckPath(teamDir, worker), &ack)
		if err != nil {
			return nil, false, err
		}
		if found {
			return &ack, true, nil
		}
		sleep(interval)
	}
	return nil, false, nil
}
