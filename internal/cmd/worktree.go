package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	GroupID: GroupWork,
	Short:   "Plan, create, and roll back per-worker git worktrees",
	RunE:    requireSubcommand,
}

var worktreeDetached bool

var worktreePlanCmd = &cobra.Command{
	Use:   "plan <worker>",
	Short: "Plan a worktree for worker without touching the repo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := resolvedProjectRoot()
		if err != nil {
			return err
		}
		m := worktree.Mode{Enabled: true, Detached: worktreeDetached}
		plan, err := worktree.PlanWorktree(cwd, m, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("branch=%s path=%s base=%s\n", plan.Branch, plan.WorktreePath, plan.BaseRef)
		return nil
	},
}

var worktreeEnsureCmd = &cobra.Command{
	Use:   "ensure <worker>",
	Short: "Plan and create a worktree for worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := resolvedProjectRoot()
		if err != nil {
			return err
		}
		m := worktree.Mode{Enabled: true, Detached: worktreeDetached}
		plan, err := worktree.PlanWorktree(cwd, m, args[0])
		if err != nil {
			return err
		}
		res, err := worktree.Ensure(plan)
		if err != nil {
			return err
		}
		fmt.Printf("worktree ready at %s (branch_created=%v)\n", res.Plan.WorktreePath, res.BranchCreated)
		return nil
	},
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worktrees under the current repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := resolvedProjectRoot()
		if err != nil {
			return err
		}
		entries, err := worktree.List(cwd)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", e.Path, e.Branch)
		}
		return nil
	},
}

func init() {
	worktreePlanCmd.Flags().BoolVar(&worktreeDetached, "detached", false, "plan a detached worktree with no tracking branch")
	worktreeEnsureCmd.Flags().BoolVar(&worktreeDetached, "detached", false, "create a detached worktree with no tracking branch")
	worktreeCmd.AddCommand(worktreePlanCmd, worktreeEnsureCmd, worktreeListCmd)
	rootCmd.AddCommand(worktreeCmd)
}
