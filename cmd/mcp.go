package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentic-research/federa/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read_node and list_children as MCP tools on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, logger, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRuntime(rt, logger)
		return mcpserver.ServeStdio(mcpserver.New(newBrowser(rt), Version, logger))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
