package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/agentkernel/agentkernel/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Long: `Exposes the kernel and provider tools over the Model Context
Protocol. Stdout carries the protocol, so all logging goes to stderr.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	log := newLogger(cfg)
	defer log.Sync()

	sup := newSupervisor(cfg, log)
	if err := sup.Ensure(context.Background()); err != nil {
		return err
	}
	kernel := sup.Client()

	registry, cleanup, err := buildRegistry(cfg, kernel)
	if err != nil {
		return err
	}
	defer cleanup()

	return mcp.NewServer(kernel, registry, version).ServeStdio()
}
