package main

import (
	"github.com/spf13/cobra"

	"github.com/floegence/coach-agent/internal/mcpserver"
)

var mcpUser string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the coach over MCP stdio for one user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		a, err := openAgent(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return mcpserver.Run(mcpserver.Options{
			Engine:  a,
			Catalog: a.Tools(),
			UserID:  mcpUser,
			Version: Version,
			Logger:  a.Logger(),
		})
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpUser, "user", "", "User id every tool call runs as (required)")
	_ = mcpCmd.MarkFlagRequired("user")
}
