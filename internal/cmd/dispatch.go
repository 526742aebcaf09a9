package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/cache"
	"github.com/omx-dev/omx/internal/cliconfig"
	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/drain"
	"github.com/omx-dev/omx/internal/mode"
	"github.com/omx-dev/omx/internal/statestore"
	"github.com/omx-dev/omx/internal/tmux"
	"github.com/omx-dev/omx/internal/tracing"
	"github.com/omx-dev/omx/internal/util"
)

// activeModesForTeam reports the active mode names in the current scope,
// which is what the Dispatch Engine's allowed_modes guard checks against.
func activeModesForTeam(store *statestore.Store, _ string) ([]string, error) {
	scope, err := currentScopeDir()
	if err != nil {
		return nil, err
	}
	active, err := mode.New(scope).ListActiveModes()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(active))
	for i, m := range active {
		names[i] = string(m)
	}
	return names, nil
}

var dispatchCmd = &cobra.Command{
	Use:     "dispatch",
	GroupID: GroupOps,
	Short:   "Inspect and drive the Dispatch Engine's hook configuration and queue",
	RunE:    requireSubcommand,
}

var dispatchHookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Dispatch Hook Config commands",
	RunE:  requireSubcommand,
}

var dispatchHookConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, set, export, or import the dispatch hook config",
	RunE:  requireSubcommand,
}

var dispatchHookConfigShowCmd = &cobra.Command{
	Use:   "show <team>",
	Short: "Print the normalized dispatch hook config as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		q := dispatch.NewQueue(teamDir(store, args[0]))
		cfg, err := q.LoadConfig()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var dispatchHookConfigSetCmd = &cobra.Command{
	Use:   "set <team> <enabled|dry_run> <true|false>",
	Short: "Flip a boolean field in the dispatch hook config",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		q := dispatch.NewQueue(teamDir(store, args[0]))
		cfg, err := q.LoadConfig()
		if err != nil {
			return err
		}
		val := args[2] == "true"
		switch args[1] {
		case "enabled":
			cfg.Enabled = val
		case "dry_run":
			cfg.DryRun = val
		default:
			return fmt.Errorf("unknown field %q (want enabled or dry_run)", args[1])
		}
		if err := q.SaveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s %s=%v\n", args[0], args[1], val)
		return nil
	},
}

var dispatchHookConfigExportCmd = &cobra.Command{
	Use:   "export <team> <path>",
	Short: "Export the dispatch hook config to a TOML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		q := dispatch.NewQueue(teamDir(store, args[0]))
		cfg, err := q.LoadConfig()
		if err != nil {
			return err
		}
		return cliconfig.EncodeTOML(cfg, util.ExpandHome(args[1]))
	},
}

var dispatchHookConfigImportCmd = &cobra.Command{
	Use:   "import <team> <path>",
	Short: "Import a TOML dispatch hook config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		var cfg dispatch.Config
		if err := cliconfig.DecodeTOML(util.ExpandHome(args[1]), &cfg); err != nil {
			return err
		}
		q := dispatch.NewQueue(teamDir(store, args[0]))
		return q.SaveConfig(cfg)
	},
}

var dispatchDrainCmd = &cobra.Command{
	Use:   "drain <team>",
	Short: "Run one Drainer tick: the notify hook's entry point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		t := tmux.NewTmux()
		sender := dispatch.NewSender(t)
		tracer, err := tracing.NewProvider(false)
		if err != nil {
			return err
		}
		sender.Tracer = tracer
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()
		deps := drain.Deps{
			StateRoot: store.StateRoot(),
			TeamDir:   teamDir(store, args[0]),
			IsLeader:  true,
			Now:       time.Now,
			Sender:    sender,
			Logger:    logger,
			Tracer:    tracer,
		}
		sid, err := store.CurrentSessionID()
		if err != nil {
			return err
		}
		res, err := drain.Tick(context.Background(), deps, sid)
		if err != nil {
			return err
		}
		fmt.Printf("processed=%d skipped=%d failed=%d\n", res.Processed, res.Skipped, res.Failed)
		return nil
	},
}

var dispatchPreviewCmd = &cobra.Command{
	Use:   "preview <team> <request-id>",
	Short: "Dry-run the injection guard chain for one queued request, without sending",
	Long: `preview runs EvaluateInjectionGuards against the team's hook config,
runtime state, active modes, and the request's trigger text, and reports the
verdict without ever calling Sender.Send. The drainer's own tick does not
evaluate these guards, so the verdict describes the guard chain only, not
what a drain tick would do with the request.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		dir := teamDir(store, args[0])
		q := dispatch.NewQueue(dir)
		q.ConfigCache = cache.New()
		cfg, err := q.LoadConfig()
		if err != nil {
			return err
		}
		rs, err := q.LoadRuntimeState()
		if err != nil {
			return err
		}
		reqs, err := q.List()
		if err != nil {
			return err
		}
		var target *dispatch.Request
		for _, r := range reqs {
			if r.RequestID == args[1] {
				target = r
				break
			}
		}
		if target == nil {
			return fmt.Errorf("request %s not found", args[1])
		}

		activeModes, err := activeModesForTeam(store, dir)
		if err != nil {
			return err
		}
		pane, _ := dispatch.ResolveTargetPane(cfg)
		result := dispatch.EvaluateInjectionGuards(dispatch.InjectionInput{
			Config:      cfg,
			State:       rs,
			ActiveModes: activeModes,
			PaneKey:     pane,
			SourceText:  target.TriggerMessage,
			Now:         time.Now(),
		})
		if result.Allowed {
			fmt.Println("would send: all guards clear")
		} else {
			fmt.Printf("would skip: %s (mode=%s)\n", result.Reason, result.Mode)
		}
		return nil
	},
}

func init() {
	dispatchHookConfigCmd.AddCommand(
		dispatchHookConfigShowCmd,
		dispatchHookConfigSetCmd,
		dispatchHookConfigExportCmd,
		dispatchHookConfigImportCmd,
	)
	dispatchHookCmd.AddCommand(dispatchHookConfigCmd)
	dispatchCmd.AddCommand(dispatchHookCmd, dispatchDrainCmd, dispatchPreviewCmd)
	rootCmd.AddCommand(dispatchCmd)
}
