package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/omx-dev/omx/internal/dispatch"
	"github.com/omx-dev/omx/internal/mail"
	"github.com/omx-dev/omx/internal/mode"
	"github.com/omx-dev/omx/internal/statestore"
	"github.com/omx-dev/omx/internal/style"
	"github.com/omx-dev/omx/internal/task"
	"github.com/omx-dev/omx/internal/tmux"
	"github.com/omx-dev/omx/internal/worker"
	"github.com/omx-dev/omx/internal/worktree"
)

var teamCmd = &cobra.Command{
	Use:     "team",
	GroupID: GroupTeam,
	Short:   "Create a team and inspect its status",
	RunE:    requireSubcommand,
}

var (
	teamWorkerCount int
	teamAgentType   string
	teamUseWorktree bool
)

var teamCreateCmd = &cobra.Command{
	Use:   "create <name> <task>",
	Short: "Spawn a team of tmux-backed workers and assign the starting task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		prefs := loadPreferences()
		workerCount := teamWorkerCount
		if workerCount == 0 {
			workerCount = prefs.DefaultWorkerCount
		}
		agentType := teamAgentType
		if agentType == "" {
			agentType = prefs.DefaultAgentType
		}

		name := args[0]
		dir := teamDir(store, name)
		t := tmux.NewTmux()
		tasks := task.New(dir)
		mails := mail.New(dir)

		rootTask, err := tasks.CreateTask(args[1], "", nil)
		if err != nil {
			return err
		}

		for i := 1; i <= workerCount; i++ {
			workerName := fmt.Sprintf("worker-%d", i)
			paneSession := fmt.Sprintf("omx-%s-%s", name, workerName)
			workDir, err := resolvedProjectRoot()
			if err != nil {
				return err
			}
			if teamUseWorktree {
				m := worktree.Mode{Enabled: true}
				plan, err := worktree.PlanWorktree(workDir, m, workerName)
				if err != nil {
					return err
				}
				res, err := worktree.Ensure(plan)
				if err != nil {
					return err
				}
				workDir = res.Plan.WorktreePath
			}

			argv := worker.BuildArgv(agentType, nil, "", "", "", false, false)
			if err := t.NewSessionWithCommand(paneSession, workDir, strings.Join(argv, " ")); err != nil {
				return err
			}

			agentsPath := filepath.Join(workDir, "AGENTS.md")
			if err := worker.WriteOverlay(agentsPath, name, workerName); err != nil {
				return err
			}
			inboxContent := worker.InitialInbox(name, workerName, []string{rootTask.ID})
			if err := mails.WriteInbox(workerName, inboxContent); err != nil {
				return err
			}
			trigger, err := worker.TriggerMessage(filepath.Join(dir, "workers", workerName, "inbox.md"), dispatch.DefaultMarker)
			if err != nil {
				return err
			}
			q := dispatch.NewQueue(dir)
			if _, err := q.Enqueue(dispatch.RequestInbox, workerName, "", trigger, true); err != nil {
				return err
			}
			fmt.Printf("spawned %s in pane %s\n", workerName, paneSession)
		}
		return nil
	},
}

var teamStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a team's active modes, task summary, and per-worker inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		return printTeamStatus(store, args[0])
	},
}

// printTeamStatus unions global and session-scoped mode state, per the
// State Store's scope model, and renders the roster as a styled table
// followed by a one-shot glamour render of the first worker's inbox.md —
// deliberately a snapshot, not a live HUD.
func printTeamStatus(store *statestore.Store, name string) error {
	dir := teamDir(store, name)
	tasks := task.New(dir)
	taskList, err := tasks.ListTasks()
	if err != nil {
		return err
	}

	caser := cases.Title(language.English)
	fmt.Println(style.Bold.Render(caser.String(fmt.Sprintf("team %s", name))))

	var activeModes []string
	global := mode.New(store.StateRoot())
	if active, err := global.ListActiveModes(); err == nil {
		for _, m := range active {
			activeModes = append(activeModes, string(m))
		}
	}
	if sid, err := store.CurrentSessionID(); err == nil && sid != "" {
		sessionScope := mode.New(filepath.Join(store.StateRoot(), "sessions", sid))
		if active, err := sessionScope.ListActiveModes(); err == nil {
			for _, m := range active {
				activeModes = append(activeModes, string(m))
			}
		}
	}
	if len(activeModes) == 0 {
		fmt.Println(style.Dim.Render("no active modes"))
	} else {
		fmt.Println("active modes: " + strings.Join(activeModes, ", "))
	}

	tbl := style.NewTable(
		style.Column{Name: "ID", Width: 6},
		style.Column{Name: "STATUS", Width: 12},
		style.Column{Name: "OWNER", Width: 16},
		style.Column{Name: "SUBJECT", Width: 40},
	)
	var pending, completed, failed int
	for _, t := range taskList {
		tbl.AddRow(t.ID, string(t.Status), t.Owner, t.Subject)
		switch t.Status {
		case task.StatusCompleted:
			completed++
		case task.StatusFailed:
			failed++
		default:
			pending++
		}
	}
	fmt.Print(tbl.Render())
	fmt.Printf("%s pending, %s completed, %s failed\n",
		strconv.Itoa(pending), strconv.Itoa(completed), strconv.Itoa(failed))

	mails := mail.New(dir)
	if len(taskList) > 0 && taskList[0].Owner != "" {
		if content, err := mails.ReadInbox(taskList[0].Owner); err == nil && content != "" {
			rendered := content
			if style.IsTerminal() {
				// WithStylePath("dark") instead of WithAutoStyle(): auto-style
				// probes the terminal background with an OSC query whose
				// response can leak into the next read on the input stream.
				if r, rerr := glamour.NewTermRenderer(glamour.WithStylePath("dark"), glamour.WithWordWrap(100)); rerr == nil {
					if out, rerr := r.Render(content); rerr == nil {
						rendered = out
					}
				}
			}
			fmt.Println(style.Dim.Render(fmt.Sprintf("-- %s's inbox --", taskList[0].Owner)))
			fmt.Print(rendered)
		}
	}
	return nil
}

func init() {
	teamCreateCmd.Flags().IntVar(&teamWorkerCount, "workers", 0, "number of workers to spawn (0 = use configured default)")
	teamCreateCmd.Flags().StringVar(&teamAgentType, "agent", "", "host CLI binary to launch per worker (empty = configured default)")
	teamCreateCmd.Flags().BoolVar(&teamUseWorktree, "worktree", false, "isolate each worker in its own git worktree")
	teamCmd.AddCommand(teamCreateCmd, teamStatusCmd)
	rootCmd.AddCommand(teamCmd)
}
