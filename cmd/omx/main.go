// Command omx drives a multi-agent team through the host CLI's tmux-backed
// panes: task assignment, mailbox delivery, verified prompt injection,
// worktree isolation, and session lifecycle.
package main

import (
	"os"

	"github.com/omx-dev/omx/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
