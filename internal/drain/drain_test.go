package drain

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/mail"
	"github.com/omx-dev/omx/internal/mode"
)

func TestAdvanceModeIterationsBumpsAndCompletesAtMax(t *testing.T) {
	dir := t.TempDir()
	s := mode.New(dir)
	if _, err := s.StartMode(mode.Ralph, "task", 2, ""); err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if err := AdvanceModeIterations(Scope{Dir: dir}, now); err != nil {
		t.Fatal(err)
	}
	st, _, _ := s.Read(mode.Ralph)
	if st.Iteration != 1 || !st.Active {
		t.Fatalf("expected iteration 1 still active, got %+v", st)
	}

	if err := AdvanceModeIterations(Scope{Dir: dir}, now); err != nil {
		t.Fatal(err)
	}
	st, _, _ = s.Read(mode.Ralph)
	if st.Iteration != 2 || st.Active || st.StopReason != "max_iterations_reached" {
		t.Fatalf("expected mode completed at max_iterations, got %+v", st)
	}
}

func TestSyncLinkedTerminalMirrorsOntoRalph(t *testing.T) {
	dir := t.TempDir()
	s := mode.New(dir)
	if _, err := s.StartMode(mode.Ralph, "task", 10, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartMode(mode.Team, "task", 10, ""); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := s.UpdateModeState(mode.Team, func(st *mode.State) {
		st.Active = false
		st.CurrentPhase = "complete"
		st.LinkedRalph = true
		st.CompletedAt = &now
	}); err != nil {
		t.Fatal(err)
	}

	if err := SyncLinkedTerminal(Scope{Dir: dir}, now); err != nil {
		t.Fatal(err)
	}
	ralph, found, err := s.Read(mode.Ralph)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if ralph.Active || ralph.CurrentPhase != "complete" || ralph.LinkedTeamTerminalPhase != "complete" {
		t.Fatalf("unexpected ralph state after sync: %+v", ralph)
	}
}

func TestSyncLinkedTerminalNoOpWhenNotLinked(t *testing.T) {
	dir := t.TempDir()
	s := mode.New(dir)
	if _, err := s.StartMode(mode.Ralph, "task", 10, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartMode(mode.Team, "task", 10, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateModeState(mode.Team, func(st *mode.State) {
		st.Active = false
		st.CurrentPhase = "complete"
	}); err != nil {
		t.Fatal(err)
	}

	if err := SyncLinkedTerminal(Scope{Dir: dir}, time.Now()); err != nil {
		t.Fatal(err)
	}
	ralph, _, _ := s.Read(mode.Ralph)
	if !ralph.Active {
		t.Fatalf("expected ralph untouched when team state is not linked_ralph, got %+v", ralph)
	}
}

type stubTmux struct{}

func (stubTmux) SendKeysLiteral(pane, text string) error        { return nil }
func (stubTmux) SendSubmit(pane string) error                    { return nil }
func (stubTmux) CaptureNarrow(pane string, width int) (string, error) { return "", nil }
func (stubTmux) PaneInMode(pane string) (bool, error)             { return false, nil }

func TestDrainDispatchProcessesPendingRequestOnce(t *testing.T) {
	teamDir := t.TempDir()
	q := dispatch.NewQueue(teamDir)
	cfg := dispatch.NormalizeConfig(&dispatch.Config{
		Enabled: true,
		Target:  dispatch.Target{Type: dispatch.TargetPane, Value: "%1"},
		DryRun:  true,
	})
	if err := q.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	mails := mail.New(teamDir)
	mails.Now = func() time.Time { return time.Unix(0, 0) }
	messageID, err := mails.Send("lead", "worker-1", "you have mail")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(dispatch.RequestMailbox, "worker-1", messageID, "you have mail", false); err != nil {
		t.Fatal(err)
	}

	sender := dispatch.NewSender(stubTmux{})
	now := time.Now()

	res, err := DrainDispatch(context.Background(), teamDir, sender, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("expected processed=1 on first drain, got %+v", res)
	}

	// Testable invariant #1: a notified dispatch request's mailbox message
	// must have notified_at set.
	msgs, err := mails.ListInbox("worker-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].NotifiedAt == nil {
		t.Fatalf("expected mailbox message to have notified_at set after drain, got %+v", msgs)
	}

	res2, err := DrainDispatch(context.Background(), teamDir, sender, now)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Processed != 0 {
		t.Fatalf("expected second drain to process nothing (already notified), got %+v", res2)
	}
}

func TestDrainDispatchSkipsOnTransportPreferenceMismatch(t *testing.T) {
	teamDir := t.TempDir()
	q := dispatch.NewQueue(teamDir)
	cfg := dispatch.NormalizeConfig(&dispatch.Config{
		Enabled: true,
		Target:  dispatch.Target{Type: dispatch.TargetPane, Value: "%1"},
		DryRun:  true,
	})
	if err := q.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	req, err := q.Enqueue(dispatch.RequestMailbox, "worker-1", "m1", "you have mail", false)
	if err != nil {
		t.Fatal(err)
	}
	req.TransportPreference = "transport_mcp"
	if err := os.WriteFile(filepath.Join(teamDir, "dispatch", req.RequestID+".json"), mustJSON(t, req), 0o644); err != nil {
		t.Fatal(err)
	}

	sender := dispatch.NewSender(stubTmux{})
	res, err := DrainDispatch(context.Background(), teamDir, sender, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected skip on transport preference mismatch, got %+v", res)
	}
}

// neverConfirmsTmux simulates a pane that accepts every send-keys/submit
// call but never actually shows the trigger text, so Sender.Send always
// exhausts its verification rounds and returns unconfirmed_after_max_retries.
type neverConfirmsTmux struct{}

func (neverConfirmsTmux) SendKeysLiteral(pane, text string) error        { return nil }
func (neverConfirmsTmux) SendSubmit(pane string) error                    { return nil }
func (neverConfirmsTmux) CaptureNarrow(pane string, width int) (string, error) { return "", nil }
func (neverConfirmsTmux) PaneInMode(pane string) (bool, error)             { return false, nil }

// TestDrainDispatchPromotesToNotifiedAfterMaxUnconfirmedAttempts covers the
// §4.4 at-least-once rule: a request that stays unconfirmed across
// MaxUnconfirmedAttempts drain ticks is promoted to notified rather than
// left pending (or failed) forever.
func TestDrainDispatchPromotesToNotifiedAfterMaxUnconfirmedAttempts(t *testing.T) {
	teamDir := t.TempDir()
	q := dispatch.NewQueue(teamDir)
	cfg := dispatch.NormalizeConfig(&dispatch.Config{
		Enabled: true,
		Target:  dispatch.Target{Type: dispatch.TargetPane, Value: "%1"},
	})
	if err := q.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	mails := mail.New(teamDir)
	messageID, err := mails.Send("lead", "worker-1", "you have mail")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(dispatch.RequestMailbox, "worker-1", messageID, "you have mail", false); err != nil {
		t.Fatal(err)
	}

	sender := dispatch.NewSender(neverConfirmsTmux{})
	sender.Sleep = func(time.Duration) {}
	now := time.Now()

	for i := 0; i < dispatch.MaxUnconfirmedAttempts-1; i++ {
		res, err := DrainDispatch(context.Background(), teamDir, sender, now)
		if err != nil {
			t.Fatal(err)
		}
		if res.Skipped != 1 || res.Processed != 0 {
			t.Fatalf("tick %d: expected skip while attempts remain, got %+v", i+1, res)
		}
	}

	res, err := DrainDispatch(context.Background(), teamDir, sender, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected final tick to promote the request to notified, got %+v", res)
	}

	msgs, err := mails.ListInbox("worker-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].NotifiedAt == nil {
		t.Fatalf("expected mailbox message notified_at set after promotion, got %+v", msgs)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
