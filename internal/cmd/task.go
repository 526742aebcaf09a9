package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/identity"
	"github.com/omx-dev/omx/internal/style"
	"github.com/omx-dev/omx/internal/task"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: GroupWork,
	Short:   "Create, claim, and resolve team tasks",
	RunE:    requireSubcommand,
}

var taskBlockedBy []string

var taskCreateCmd = &cobra.Command{
	Use:   "create <team> <subject> [description]",
	Short: "Create a task on a team's task list",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		if err := identity.ValidateTeamName(args[0]); err != nil {
			return err
		}
		desc := ""
		if len(args) == 3 {
			desc = args[2]
		}
		s := task.New(teamDir(store, args[0]))
		t, err := s.CreateTask(args[1], desc, taskBlockedBy)
		if err != nil {
			return err
		}
		fmt.Printf("created task %s: %s\n", t.ID, t.Subject)
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <team> <task-id> <worker>",
	Short: "Claim a specific task id for a worker",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		if err := identity.ValidateWorkerName(args[2]); err != nil {
			return err
		}
		s := task.New(teamDir(store, args[0]))
		t, err := s.ClaimTask(args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("%s claimed %s\n", args[2], t.ID)
		return nil
	},
}

var taskNextCmd = &cobra.Command{
	Use:   "next <team> <worker>",
	Short: "Assign the next unblocked, unclaimed task to worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		s := task.New(teamDir(store, args[0]))
		t, err := s.NextTaskForWorker(args[1])
		if err != nil {
			return err
		}
		if t == nil {
			fmt.Println("no eligible task")
			return nil
		}
		fmt.Printf("assigned %s: %s\n", t.ID, t.Subject)
		return nil
	},
}

func taskResolveCmd(use, short string, status task.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newStore()
			if err != nil {
				return err
			}
			result := ""
			if len(args) == 4 {
				result = args[3]
			}
			s := task.New(teamDir(store, args[0]))
			t, err := s.UpdateStatus(args[1], args[2], status, result)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", t.ID, t.Status)
			return nil
		},
	}
}

var taskListCmd = &cobra.Command{
	Use:   "list <team>",
	Short: "List a team's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		s := task.New(teamDir(store, args[0]))
		tasks, err := s.ListTasks()
		if err != nil {
			return err
		}
		tbl := style.NewTable(
			style.Column{Name: "ID", Width: 6},
			style.Column{Name: "STATUS", Width: 12},
			style.Column{Name: "WORKER", Width: 16},
			style.Column{Name: "SUBJECT", Width: 40},
		)
		for _, t := range tasks {
			tbl.AddRow(t.ID, string(t.Status), t.Owner, t.Subject)
		}
		fmt.Print(tbl.Render())
		return nil
	},
}

var taskEventsCmd = &cobra.Command{
	Use:   "events <team> [since-rfc3339]",
	Short: "List task events since an optional timestamp",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		since := time.Time{}
		if len(args) == 2 {
			parsed, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				return fmt.Errorf("parsing since: %w", err)
			}
			since = parsed
		}
		s := task.New(teamDir(store, args[0]))
		events, err := s.ListEvents(since)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s %s %s %s\n", e.At.Format(time.RFC3339), e.Kind, e.TaskID, e.Detail)
		}
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().StringSliceVar(&taskBlockedBy, "blocked-by", nil, "task ids this task depends on")
	taskCmd.AddCommand(taskCreateCmd, taskClaimCmd, taskNextCmd, taskListCmd, taskEventsCmd)
	taskCmd.AddCommand(taskResolveCmd("complete <team> <task-id> <worker> [result]", "Mark a claimed task completed", task.StatusCompleted))
	taskCmd.AddCommand(taskResolveCmd("fail <team> <task-id> <worker> [result]", "Mark a claimed task failed", task.StatusFailed))
	rootCmd.AddCommand(taskCmd)
}
