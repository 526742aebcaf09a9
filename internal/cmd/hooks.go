package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/hooks"
	"github.com/omx-dev/omx/internal/task"
	"github.com/omx-dev/omx/internal/worktree"
)

// writeSettingsFile writes data to path, creating its .claude directory if
// this is the first time omx has managed that worker's settings.json.
func writeSettingsFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

var hooksCmd = &cobra.Command{
	Use:     "hooks",
	GroupID: GroupOps,
	Short:   "Sync the host CLI's settings.json hook entries for a team",
	RunE:    requireSubcommand,
}

// teamWorkerDirs maps every worker that has claimed a task for team to its
// pane working directory: the team root, unless a worktree branch named
// "<worker>" (or ending in "/<worker>") puts it somewhere else.
func teamWorkerDirs(projectDir, teamRoot string, workers []string) (map[string]string, error) {
	entries, err := worktree.List(projectDir)
	if err != nil {
		// No git repo, or git not available: every worker shares teamRoot.
		entries = nil
	}
	byWorker := make(map[string]string, len(workers))
	for _, w := range workers {
		dir := teamRoot
		for _, e := range entries {
			if e.Branch == w || filepath.Base(e.Branch) == w {
				dir = e.Path
				break
			}
		}
		byWorker[w] = dir
	}
	return byWorker, nil
}

func workersForTeam(teamDir string) ([]string, error) {
	s := task.New(teamDir)
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var workers []string
	for _, t := range tasks {
		if t.Owner == "" || seen[t.Owner] {
			continue
		}
		seen[t.Owner] = true
		workers = append(workers, t.Owner)
	}
	return workers, nil
}

var hooksSyncCmd = &cobra.Command{
	Use:   "sync <team>",
	Short: "Write the computed hooks config into every worker's .claude/settings.json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		team := args[0]
		store, err := newStore()
		if err != nil {
			return err
		}
		projectDir, err := resolvedProjectRoot()
		if err != nil {
			return err
		}
		dir := teamDir(store, team)
		workers, err := workersForTeam(dir)
		if err != nil {
			return err
		}
		workerDirs, err := teamWorkerDirs(projectDir, projectDir, workers)
		if err != nil {
			return err
		}
		targets := hooks.TeamTargets(team, projectDir, workerDirs)
		for _, tgt := range targets {
			expected, err := hooks.ComputeExpected(tgt.Key)
			if err != nil {
				return fmt.Errorf("computing hooks for %s: %w", tgt.DisplayKey(), err)
			}
			settings, err := hooks.LoadSettings(tgt.Path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", tgt.Path, err)
			}
			settings.Hooks = *expected
			data, err := hooks.MarshalSettings(settings)
			if err != nil {
				return fmt.Errorf("marshaling %s: %w", tgt.Path, err)
			}
			if err := writeSettingsFile(tgt.Path, data); err != nil {
				return err
			}
			fmt.Printf("synced %s\n", tgt.DisplayKey())
		}
		return nil
	},
}

var hooksShowCmd = &cobra.Command{
	Use:   "show <team>[/<worker>]",
	Short: "Print the computed hooks config for a team or team/worker target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hooks.ValidTarget(args[0]) {
			return fmt.Errorf("invalid target %q (want <team> or <team>/<worker>)", args[0])
		}
		expected, err := hooks.ComputeExpected(args[0])
		if err != nil {
			return err
		}
		data, err := hooks.MarshalConfig(expected)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var hooksDiffCmd = &cobra.Command{
	Use:   "diff <team>[/<worker>] <settings-path>",
	Short: "Report whether an on-disk settings.json matches the computed hooks config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hooks.ValidTarget(args[0]) {
			return fmt.Errorf("invalid target %q (want <team> or <team>/<worker>)", args[0])
		}
		expected, err := hooks.ComputeExpected(args[0])
		if err != nil {
			return err
		}
		settings, err := hooks.LoadSettings(args[1])
		if err != nil {
			return err
		}
		if hooks.HooksEqual(expected, &settings.Hooks) {
			fmt.Println("up to date")
			return nil
		}
		fmt.Println("out of date")
		want, _ := json.MarshalIndent(expected, "", "  ")
		got, _ := json.MarshalIndent(settings.Hooks, "", "  ")
		fmt.Printf("-- expected --\n%s\n-- on disk --\n%s\n", want, got)
		return nil
	},
}

func init() {
	hooksCmd.AddCommand(hooksSyncCmd, hooksShowCmd, hooksDiffCmd)
	rootCmd.AddCommand(hooksCmd)
}
