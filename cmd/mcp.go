package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client create, research, and implement tasks, manage
workspaces, message agents, and manage permission grants. Configure in
Claude Code with:

  {
    "mcpServers": {
      "taskrun": { "command": "taskrun", "args": ["mcp"] }
    }
  }

Available tools: taskrun_list_tasks, taskrun_create_task,
taskrun_research_task, taskrun_implement_task, taskrun_list_workspaces,
taskrun_cleanup_workspaces, taskrun_send_message, taskrun_list_grants,
taskrun_grant_permission`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := commandContext(cmd)
		defer stop()

		srv := mcp.NewServer(eng.store, eng.wt, eng.sessions, eng.runner, buildVersion)
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
