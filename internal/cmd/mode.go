package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/mode"
)

var modeCmd = &cobra.Command{
	Use:     "mode",
	GroupID: GroupWork,
	Short:   "Start, update, and cancel Ralph/Team/Exec modes",
	RunE:    requireSubcommand,
}

var (
	modeMaxIterations int
	modePaneID        string
)

var modeStartCmd = &cobra.Command{
	Use:   "start <ralph|team|exec> <task>",
	Short: "Start a mode in the current scope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := currentScopeDir()
		if err != nil {
			return err
		}
		s := mode.New(scope)
		st, err := s.StartMode(mode.Name(args[0]), args[1], modeMaxIterations, modePaneID)
		if err != nil {
			return err
		}
		fmt.Printf("started %s phase=%s\n", st.Mode, st.CurrentPhase)
		return nil
	},
}

var modeUpdateCmd = &cobra.Command{
	Use:   "update <ralph|team|exec> <phase>",
	Short: "Advance a mode's current_phase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := currentScopeDir()
		if err != nil {
			return err
		}
		s := mode.New(scope)
		st, err := s.UpdateModeState(mode.Name(args[0]), func(st *mode.State) {
			st.CurrentPhase = args[1]
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s phase=%s\n", st.Mode, st.CurrentPhase)
		return nil
	},
}

var modeCancelCmd = &cobra.Command{
	Use:   "cancel <ralph|team|exec> [reason]",
	Short: "Cancel one active mode",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := currentScopeDir()
		if err != nil {
			return err
		}
		reason := "cancelled"
		if len(args) == 2 {
			reason = args[1]
		}
		s := mode.New(scope)
		st, err := s.CancelMode(mode.Name(args[0]), reason)
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %s reason=%s\n", st.Mode, st.StopReason)
		return nil
	},
}

var modeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active modes in the current scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := currentScopeDir()
		if err != nil {
			return err
		}
		s := mode.New(scope)
		active, err := s.ListActiveModes()
		if err != nil {
			return err
		}
		if len(active) == 0 {
			fmt.Println("no active modes")
			return nil
		}
		for _, m := range active {
			fmt.Println(m)
		}
		return nil
	},
}

// currentScopeDir resolves the mode scope to operate on: the current
// session's directory if one is current, else the global state root.
func currentScopeDir() (string, error) {
	store, err := newStore()
	if err != nil {
		return "", err
	}
	sid, err := store.CurrentSessionID()
	if err != nil {
		return "", err
	}
	if sid == "" {
		return store.StateRoot(), nil
	}
	return filepath.Join(store.StateRoot(), "sessions", sid), nil
}

func init() {
	modeStartCmd.Flags().IntVar(&modeMaxIterations, "max-iterations", 1, "maximum iterations before auto-completion")
	modeStartCmd.Flags().StringVar(&modePaneID, "pane-id", "", "tmux pane id driving this mode")
	modeCmd.AddCommand(modeStartCmd, modeUpdateCmd, modeCancelCmd, modeListCmd)
	rootCmd.AddCommand(modeCmd)
}
