package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/drain"
	"github.com/omx-dev/omx/internal/statestore"
	"github.com/omx-dev/omx/internal/tmux"
	"github.com/omx-dev/omx/internal/tracing"
)

var watchIdlePoll time.Duration

// watchCmd implements the fallback path for host CLIs that have no
// notify-hook mechanism at all: it watches <team>/dispatch for new request
// files and runs a Drainer tick on every write, falling back to a bounded
// idle poll so a request written through an editor save (rename+create,
// which some filesystems coalesce oddly) is never silently missed.
var watchCmd = &cobra.Command{
	Use:     "watch <team>",
	GroupID: GroupOps,
	Short:   "Watch a team's dispatch queue and drain on every change",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()
		dir := teamDir(store, args[0])
		dispatchDir := filepath.Join(dir, "dispatch")
		if err := os.MkdirAll(dispatchDir, 0o755); err != nil {
			return err
		}

		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating fsnotify watcher: %w", err)
		}
		defer fsw.Close()
		if err := fsw.Add(dispatchDir); err != nil {
			return fmt.Errorf("watching dispatch dir: %w", err)
		}

		t := tmux.NewTmux()
		sender := dispatch.NewSender(t)
		tracer, err := tracing.NewProvider(false)
		if err != nil {
			return err
		}
		sender.Tracer = tracer
		deps := drain.Deps{
			StateRoot: store.StateRoot(),
			TeamDir:   dir,
			IsLeader:  true,
			Now:       time.Now,
			Sender:    sender,
			Logger:    logger,
			Tracer:    tracer,
		}

		fmt.Printf("watching %s\n", dispatchDir)
		ticker := time.NewTicker(watchIdlePoll)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := runTick(deps, store); err != nil {
					logger.Warn("watch", "tick failed", "err", err.Error())
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				logger.Warn("watch", "fsnotify error", "err", err.Error())
			case <-ticker.C:
				if err := runTick(deps, store); err != nil {
					logger.Warn("watch", "tick failed", "err", err.Error())
				}
			}
		}
	},
}

func runTick(deps drain.Deps, store *statestore.Store) error {
	sid, err := store.CurrentSessionID()
	if err != nil {
		return err
	}
	_, err = drain.Tick(context.Background(), deps, sid)
	return err
}

func init() {
	watchCmd.Flags().DurationVar(&watchIdlePoll, "idle-poll", 5*time.Second, "fallback poll interval alongside fsnotify events")
	rootCmd.AddCommand(watchCmd)
}
