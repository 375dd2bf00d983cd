// Command bncode serves live, sandboxed previews of HTML/CSS/JS bundles and
// captures their console output.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brighthub/bncode/internal/config"
	"github.com/brighthub/bncode/internal/debug"
)

const (
	appName    = "bncode"
	appVersion = "0.4.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Sandboxed live preview server for HTML, CSS and JavaScript",
	Long: `bncode composes markup, style and script into a sandboxed preview document,
serves it under a revocable handle and bridges the document's console output
back to the host.

Configuration is read from .bncode.kdl (searched upward from the working
directory) and BNCODE_* environment variables. A .env file in the working
directory is loaded first.`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal.
		_ = godotenv.Load()

		if v, _ := cmd.Flags().GetBool("debug"); v {
			debug.Enable()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("dir", ".", "Directory to search for .bncode.kdl")
}

func main() {
	defer debug.Close()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		debug.Close()
		os.Exit(1)
	}
}

// loadConfig loads configuration for cmd and applies its log settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Debug {
		debug.Enable()
	}
	if cfg.Log.JSON {
		debug.SetJSON(true)
	}
	if cfg.Log.File != "" {
		if err := debug.SetLogFile(cfg.Log.File); err != nil {
			return nil, err
		}
		debug.Log("main", "logging to %s", debug.GetLogFilePath())
	}
	return cfg, nil
}
