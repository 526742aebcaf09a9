// Package cmd wires the core's modules into the omx CLI: the host-CLI-facing
// entry point for team/task/mail/dispatch/worktree/session/mode operations,
// the dispatch drain hook the host shells out to, and the MCP stdio server.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/cliconfig"
	"github.com/omx-dev/omx/internal/logging"
	"github.com/omx-dev/omx/internal/statestore"
)

// Command groups, mirroring the reference CLI's GroupID convention so
// `omx --help` clusters related subcommands instead of listing them
// alphabetically.
const (
	GroupTeam  = "team"
	GroupWork  = "work"
	GroupOps   = "ops"
	GroupDiag  = "diag"
)

var projectRoot string

var rootCmd = &cobra.Command{
	Use:   "omx",
	Short: "Drive a multi-agent team through the host CLI's tmux-backed panes",
	Long: `omx coordinates a team of host-CLI workers living in tmux panes:
task assignment, mailbox delivery, verified prompt injection, worktree
isolation, and session lifecycle all live behind this one binary so the
host CLI's notify hook has a single, stable entry point to shell out to.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupTeam, Title: "Team commands:"},
		&cobra.Group{ID: GroupWork, Title: "Work commands:"},
		&cobra.Group{ID: GroupOps, Title: "Operational commands:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostic commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project", "", "project root (defaults to the current directory)")
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// resolvedProjectRoot returns --project if set, else the current directory.
func resolvedProjectRoot() (string, error) {
	if projectRoot != "" {
		return filepath.Abs(projectRoot)
	}
	return os.Getwd()
}

func newStore() (*statestore.Store, error) {
	root, err := resolvedProjectRoot()
	if err != nil {
		return nil, err
	}
	return statestore.New(root), nil
}

func newLogger() (*logging.Logger, error) {
	store, err := newStore()
	if err != nil {
		return nil, err
	}
	return logging.New(store.OmxRoot()), nil
}

// teamDir returns <state-root>/team/<name>, the root every Task/Mail/
// Dispatch/Mode/Worker store in this CLI takes as its TeamDir.
func teamDir(store *statestore.Store, team string) string {
	return filepath.Join(store.StateRoot(), "team", team)
}

func loadPreferences() cliconfig.Preferences {
	r, err := cliconfig.NewResolver(cliconfig.DefaultPath())
	if err != nil {
		return cliconfig.Preferences{}
	}
	return r.Resolve()
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}
