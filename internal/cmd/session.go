package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: GroupOps,
	Short:   "Start, end, and garbage-collect session lifecycle state",
	RunE:    requireSubcommand,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		sid := uuid.NewString()
		dir := filepath.Join(store.StateRoot(), "sessions", sid)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if _, err := session.WriteSessionStart(dir, sid, time.Now()); err != nil {
			return err
		}
		fmt.Println(sid)
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session, appending its record to session history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		dir := filepath.Join(store.StateRoot(), "sessions", args[0])
		return session.WriteSessionEnd(dir, store.StateRoot(), args[0], time.Now())
	},
}

var sessionGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "End every session whose process is no longer live",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		ids, err := store.ListSessions()
		if err != nil {
			return err
		}
		var reaped int
		for _, sid := range ids {
			dir := filepath.Join(store.StateRoot(), "sessions", sid)
			st, found, err := session.ReadSessionState(dir)
			if err != nil || !found {
				continue
			}
			if session.IsSessionStale(*st) {
				if err := session.WriteSessionEnd(dir, store.StateRoot(), sid, time.Now()); err != nil {
					return err
				}
				reaped++
			}
		}
		fmt.Printf("reaped %d stale sessions\n", reaped)
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent session-history records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		records, err := session.ReadHistory(store.StateRoot())
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s started=%s ended=%s\n", r.SessionID, r.StartedAt.Format(time.RFC3339), r.EndedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionStartCmd, sessionEndCmd, sessionGCCmd, sessionHistoryCmd)
	rootCmd.AddCommand(sessionCmd)
}
