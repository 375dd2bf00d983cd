package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/preview"
	"github.com/brighthub/bncode/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve preview tools over MCP (stdio)",
	Long: `Run an MCP server on stdin/stdout exposing preview_render, preview_logs and
preview_clear. Previews live for the lifetime of the process.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manager := preview.NewManager(previewOptions(cfg), nil)
	defer manager.Shutdown(context.Background())

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    appName,
			Version: appVersion,
		},
		&mcp.ServerOptions{
			Instructions: `Sandboxed HTML/CSS/JS preview with console capture.

Use preview_render to compose and run a bundle headlessly (optionally clicking elements), preview_logs to read captured console entries and preview_clear to reset them.`,
		},
	)
	tools.RegisterPreviewTools(server, tools.NewPreviewTools(manager, cfg.HeadlessTimeout()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	debug.Info("main", "starting %s v%s (mcp)", appName, appVersion)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
