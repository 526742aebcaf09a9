// Package mcpserver exposes the State Store's public contract
// (resolve_working_dir, read, write, list_sessions) as MCP tools over
// stdio, using github.com/mark3labs/mcp-go the way jaakkos-stringwork's
// own MCP surface does. This is the "MCP servers" coordinating peer
// spec.md's concurrency model names but never defines: every tool call
// here runs through the same State Store methods the CLI uses, so an
// MCP client can never bypass path-safety validation.
package mcpserver

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/omx-dev/omx/internal/statestore"
)

// New builds the MCPServer with every State Store tool registered.
func New(store *statestore.Store) *server.MCPServer {
	s := server.NewMCPServer("omx-state", "1.0.0",
		server.WithInstructions("Tools for resolving working directories and reading/writing omx state tree entities."),
	)
	registerResolveWorkingDir(s, store)
	registerRead(s, store)
	registerWrite(s, store)
	registerListSessions(s, store)
	return s
}

// Serve runs the server over stdin/stdout until the context is canceled
// or the client disconnects.
func Serve(ctx context.Context, store *statestore.Store) error {
	s := New(store)
	return server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
}

func registerResolveWorkingDir(s *server.MCPServer, store *statestore.Store) {
	s.AddTool(
		mcp.NewTool("resolve_working_dir",
			mcp.WithDescription("Normalize and validate a raw working-directory path against OMX_MCP_WORKDIR_ROOTS."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Raw working directory path, possibly a Windows drive path.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			raw, _ := args["path"].(string)
			resolved, err := store.ResolveWorkingDir(raw)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(resolved), nil
		},
	)
}

func registerRead(s *server.MCPServer, store *statestore.Store) {
	s.AddTool(
		mcp.NewTool("read",
			mcp.WithDescription("Read a state-tree entity by kind and optional session scope."),
			mcp.WithString("kind", mcp.Required(), mcp.Description("State kind, e.g. \"ralph\", \"team\", \"session\".")),
			mcp.WithString("session_id", mcp.Description("Session scope; omit for global.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			kind, _ := args["kind"].(string)
			sessionID, _ := args["session_id"].(string)

			var out map[string]any
			found, err := store.Read(kind, sessionID, &out)
			if err != nil {
				return nil, err
			}
			if !found {
				return mcp.NewToolResultText("{}"), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("%v", out)), nil
		},
	)
}

func registerWrite(s *server.MCPServer, store *statestore.Store) {
	s.AddTool(
		mcp.NewTool("write",
			mcp.WithDescription("Atomically write a state-tree entity by kind and optional session scope."),
			mcp.WithString("kind", mcp.Required(), mcp.Description("State kind, e.g. \"ralph\", \"team\", \"session\".")),
			mcp.WithString("session_id", mcp.Description("Session scope; omit for global.")),
			mcp.WithObject("value", mcp.Required(), mcp.Description("JSON object to persist.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			kind, _ := args["kind"].(string)
			sessionID, _ := args["session_id"].(string)
			value, _ := args["value"].(map[string]any)

			if err := store.Write(kind, sessionID, value); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText("ok"), nil
		},
	)
}

func registerListSessions(s *server.MCPServer, store *statestore.Store) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List every session id with persisted state."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ids, err := store.ListSessions()
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("%v", ids)), nil
		},
	)
}
