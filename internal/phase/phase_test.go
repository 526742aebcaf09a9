package phase

import (
	"testing"
	"time"
)

func TestInferTarget(t *testing.T) {
	cases := []struct {
		name                string
		counts              TaskCounts
		verificationPending bool
		want                Phase
	}{
		{"all done no verify pending", TaskCounts{}, false, Complete},
		{"all done verify pending", TaskCounts{}, true, Verify},
		{"failures present", TaskCounts{Failed: 2}, false, Fix},
		{"work remaining", TaskCounts{Pending: 1}, false, Exec},
		{"in progress remaining", TaskCounts{InProgress: 1}, false, Exec},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := InferTarget(c.counts, c.verificationPending)
			if got != c.want {
				t.Errorf("InferTarget(%+v, %v) = %s, want %s", c.counts, c.verificationPending, got, c.want)
			}
		})
	}
}

func TestReconcileTerminalToTerminalIsNoOp(t *testing.T) {
	now := time.Now()
	persisted := State{CurrentPhase: Complete, Transitions: []Transition{{From: Verify, To: Complete, At: now}}}
	got := Reconcile(persisted, Complete, now)
	if len(got.Transitions) != 1 {
		t.Fatalf("expected no new transitions, got %+v", got.Transitions)
	}
}

func TestReconcileFromTerminalReopensWithSyntheticTransition(t *testing.T) {
	now := time.Now()
	persisted := State{
		CurrentPhase: Complete,
		Transitions:  []Transition{{From: Verify, To: Complete, At: now.Add(-time.Hour)}},
	}
	got := Reconcile(persisted, Exec, now)

	if got.CurrentPhase != Exec {
		t.Fatalf("expected current_phase=team-exec, got %s", got.CurrentPhase)
	}
	if got.CurrentFixAttempt != 0 {
		t.Fatalf("expected current_fix_attempt reset to 0, got %d", got.CurrentFixAttempt)
	}
	if len(got.Transitions) != 2 {
		t.Fatalf("expected exactly one appended transition, got %+v", got.Transitions)
	}
	last := got.Transitions[len(got.Transitions)-1]
	if last.From != Complete || last.To != Exec || last.Reason != "tasks_reopened" {
		t.Fatalf("unexpected synthetic transition: %+v", last)
	}
}

func TestReconcileWalksCanonicalPathFromScratch(t *testing.T) {
	now := time.Now()
	persisted := State{CurrentPhase: Plan}
	got := Reconcile(persisted, Verify, now)
	if got.CurrentPhase != Verify {
		t.Fatalf("expected team-verify, got %s", got.CurrentPhase)
	}
	wantSeq := []Phase{PRD, Exec, Verify}
	if len(got.Transitions) != len(wantSeq) {
		t.Fatalf("expected %d transitions, got %d: %+v", len(wantSeq), len(got.Transitions), got.Transitions)
	}
	for i, tr := range got.Transitions {
		if tr.To != wantSeq[i] {
			t.Errorf("transition %d: got to=%s, want %s", i, tr.To, wantSeq[i])
		}
	}
}

func TestReconcileEntersFixAndBumpsAttemptFromVerify(t *testing.T) {
	now := time.Now()
	persisted := State{CurrentPhase: Verify, MaxFixAttempts: 3, CurrentFixAttempt: 0}
	got := Reconcile(persisted, Fix, now)
	if got.CurrentPhase != Fix {
		t.Fatalf("expected team-fix, got %s", got.CurrentPhase)
	}
	if got.CurrentFixAttempt != 1 {
		t.Fatalf("expected current_fix_attempt=1, got %d", got.CurrentFixAttempt)
	}
}

func TestReconcileFailsWhenMaxFixAttemptsExceeded(t *testing.T) {
	now := time.Now()
	persisted := State{CurrentPhase: Verify, MaxFixAttempts: 1, CurrentFixAttempt: 1}
	got := Reconcile(persisted, Fix, now)
	if got.CurrentPhase != Failed {
		t.Fatalf("expected failed after exhausting max_fix_attempts, got %s", got.CurrentPhase)
	}
}

func TestReconcileFixCyclesBackThroughExec(t *testing.T) {
	now := time.Now()
	persisted := State{CurrentPhase: Fix, MaxFixAttempts: 3, CurrentFixAttempt: 1}
	got := Reconcile(persisted, Verify, now)
	if got.CurrentPhase != Verify {
		t.Fatalf("expected team-verify, got %s", got.CurrentPhase)
	}
	if len(got.Transitions) != 2 || got.Transitions[0].To != Exec || got.Transitions[1].To != Verify {
		t.Fatalf("expected fix->exec->verify, got %+v", got.Transitions)
	}
}

func TestStoreReadReturnsPlanWhenNothingPersisted(t *testing.T) {
	s := New(t.TempDir())
	st, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if st.CurrentPhase != Plan {
		t.Fatalf("got %q, want %q", st.CurrentPhase, Plan)
	}
}

func TestStoreAdvancePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if _, err := s.Advance(Exec, 3); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	reopened := New(dir)
	st, err := reopened.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if st.CurrentPhase != Exec {
		t.Fatalf("got %q, want %q", st.CurrentPhase, Exec)
	}
	if len(st.Transitions) == 0 {
		t.Error("expected at least one transition recorded")
	}
}

func TestStoreAdvanceSetsMaxFixAttemptsOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if _, err := s.Advance(Plan, 5); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	st, err := s.Advance(Plan, 99)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if st.MaxFixAttempts != 5 {
		t.Fatalf("got max_fix_attempts=%d, want 5 (first write wins)", st.MaxFixAttempts)
	}
}
