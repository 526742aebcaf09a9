package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/phase"
	"github.com/omx-dev/omx/internal/task"
)

var phaseMaxFixAttempts int

var teamPhaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Inspect and advance a team's phase state machine",
	RunE:  requireSubcommand,
}

var teamPhaseStatusCmd = &cobra.Command{
	Use:   "status <team>",
	Short: "Print a team's current phase and transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		st, err := phase.New(teamDir(store, args[0])).Read()
		if err != nil {
			return err
		}
		fmt.Printf("phase=%s fix_attempt=%d/%d\n", st.CurrentPhase, st.CurrentFixAttempt, st.MaxFixAttempts)
		for _, tr := range st.Transitions {
			fmt.Printf("  %s -> %s at %s %s\n", tr.From, tr.To, tr.At.Format("2006-01-02T15:04:05"), tr.Reason)
		}
		return nil
	},
}

// taskCounts derives the Phase Controller's reconciliation input from the
// Task Store's current tasks, plus whether any task is in progress as the
// verification-pending signal (pending or blocked tasks do not set it).
func taskCounts(tasks []*task.Task) (phase.TaskCounts, bool) {
	var c phase.TaskCounts
	verificationPending := false
	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			c.Pending++
		case task.StatusBlocked:
			c.Blocked++
		case task.StatusInProgress:
			c.InProgress++
			verificationPending = true
		case task.StatusFailed:
			c.Failed++
		}
	}
	return c, verificationPending
}

var teamPhaseAdvanceCmd = &cobra.Command{
	Use:   "advance <team>",
	Short: "Reconcile a team's phase against its current task counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		dir := teamDir(store, args[0])
		tasks, err := task.New(dir).ListTasks()
		if err != nil {
			return err
		}
		counts, verificationPending := taskCounts(tasks)
		target := phase.InferTarget(counts, verificationPending)
		st, err := phase.New(dir).Advance(target, phaseMaxFixAttempts)
		if err != nil {
			return err
		}
		fmt.Printf("phase=%s fix_attempt=%d/%d\n", st.CurrentPhase, st.CurrentFixAttempt, st.MaxFixAttempts)
		return nil
	},
}

func init() {
	teamPhaseAdvanceCmd.Flags().IntVar(&phaseMaxFixAttempts, "max-fix-attempts", 3, "fix-cycle budget before the phase fails")
	teamPhaseCmd.AddCommand(teamPhaseStatusCmd, teamPhaseAdvanceCmd)
	teamCmd.AddCommand(teamPhaseCmd)
}
