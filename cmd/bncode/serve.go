package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brighthub/bncode/internal/config"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/preview"
	"github.com/brighthub/bncode/internal/server"
	"github.com/brighthub/bncode/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the preview server",
	Long: `Run the HTTP preview server.

Previews are created and fed through the JSON API under /api/previews, shown
through the host page at /preview/<id> and bridged over /ws/previews/<id>.
With persistence on, the last bundle of every preview is restored on start.

Examples:
  bncode serve
  bncode serve --listen 0.0.0.0:8080
  BNCODE_PERSIST=false bncode serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().Bool("no-restore", false, "Do not restore persisted previews")
	rootCmd.AddCommand(serveCmd)
}

// previewOptions maps configuration onto preview options.
func previewOptions(cfg *config.Config) preview.Options {
	policy := cfg.Policy()
	return preview.Options{
		MaxLogEntries: cfg.Preview.MaxLogEntries,
		Debounce:      cfg.Debounce(),
		Policy:        &policy,
		TargetOrigin:  cfg.Preview.TargetOrigin,
		Presets:       cfg.Presets(),
	}
}

// openWorkspace returns the bundle store, or nil when persistence is off.
func openWorkspace(cfg *config.Config, base string) *workspace.Store {
	if !cfg.Workspace.Persist {
		return nil
	}
	dir := cfg.Workspace.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(base, dir)
	}
	return workspace.Open(dir)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	base, _ := cmd.Flags().GetString("dir")
	ws := openWorkspace(cfg, base)

	var manager *preview.Manager
	if ws != nil {
		manager = preview.NewManager(previewOptions(cfg), ws)
	} else {
		manager = preview.NewManager(previewOptions(cfg), nil)
	}

	if noRestore, _ := cmd.Flags().GetBool("no-restore"); ws != nil && !noRestore {
		bundles, err := ws.LoadAll()
		if err != nil {
			debug.Warn("main", "failed to read workspace: %v", err)
		} else if err := manager.Restore(bundles); err != nil {
			debug.Warn("main", "some previews were not restored: %v", err)
		}
	}

	srv := server.New(server.Config{
		Listen:         cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, manager)

	debug.Logger("main").Info("starting",
		zap.String("version", appVersion),
		zap.String("listen", cfg.Server.Listen),
		zap.Bool("persist", ws != nil),
		zap.Int("max_log_entries", cfg.Preview.MaxLogEntries),
		zap.Duration("debounce", cfg.Debounce()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		debug.Info("main", "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		debug.Warn("main", "server shutdown: %v", err)
	}
	return manager.Shutdown(shutdownCtx)
}
