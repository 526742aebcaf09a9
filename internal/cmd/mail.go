package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/identity"
	"github.com/omx-dev/omx/internal/mail"
	"github.com/omx-dev/omx/internal/worker"
)

// enqueueMailNotify queues a mailbox-kind dispatch request so the recipient's
// pane gets notified on the next drain tick, carrying the same messageID the
// mailbox entry was stored under (see internal/drain.DrainDispatch, which
// stamps that message's notified_at once the notification lands).
func enqueueMailNotify(teamDir, from, to, messageID string) error {
	trigger, err := worker.MailTriggerMessage(from, dispatch.DefaultMarker)
	if err != nil {
		return err
	}
	q := dispatch.NewQueue(teamDir)
	_, err = q.Enqueue(dispatch.RequestMailbox, to, messageID, trigger, true)
	return err
}

var mailCmd = &cobra.Command{
	Use:     "mail",
	GroupID: GroupWork,
	Short:   "Send and read worker mailbox messages",
	RunE:    requireSubcommand,
}

var mailIncludeDelivered bool

var mailSendCmd = &cobra.Command{
	Use:   "send <team> <from> <to> <body>",
	Short: "Send a message to one worker's mailbox",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		if err := identity.ValidateWorkerName(args[2]); err != nil {
			return err
		}
		dir := teamDir(store, args[0])
		m := mail.New(dir)
		id, err := m.Send(args[1], args[2], args[3])
		if err != nil {
			return err
		}
		if err := enqueueMailNotify(dir, args[1], args[2], id); err != nil {
			return err
		}
		fmt.Printf("sent %s\n", id)
		return nil
	},
}

var mailBroadcastCmd = &cobra.Command{
	Use:   "broadcast <team> <from> <roster-csv> <body>",
	Short: "Send a message to every worker in a comma-separated roster",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		roster := strings.Split(args[2], ",")
		dir := teamDir(store, args[0])
		m := mail.New(dir)
		ids, err := m.Broadcast(args[1], roster, args[3])
		if err != nil {
			return err
		}
		for to, id := range ids {
			if err := enqueueMailNotify(dir, args[1], to, id); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", to, id)
		}
		return nil
	},
}

var mailInboxCmd = &cobra.Command{
	Use:   "inbox <team> <worker>",
	Short: "List a worker's mailbox messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		m := mail.New(teamDir(store, args[0]))
		msgs, err := m.ListInbox(args[1], mailIncludeDelivered)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			fmt.Printf("[%s] from=%s %s\n", msg.MessageID, msg.FromWorker, msg.Body)
		}
		return nil
	},
}

func init() {
	mailInboxCmd.Flags().BoolVar(&mailIncludeDelivered, "include-delivered", false, "include already-delivered messages")
	mailCmd.AddCommand(mailSendCmd, mailBroadcastCmd, mailInboxCmd)
	rootCmd.AddCommand(mailCmd)
}
