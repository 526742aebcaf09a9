package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:     "mcp",
	GroupID: GroupOps,
	Short:   "Serve the State Store over MCP",
	RunE:    requireSubcommand,
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve resolve_working_dir/read/write/list_sessions over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		return mcpserver.Serve(context.Background(), store)
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
