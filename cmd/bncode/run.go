package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brighthub/bncode/internal/preview"
	"github.com/brighthub/bncode/internal/tools"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a bundle headlessly and print its console output",
	Long: `Compose a bundle, execute it in the headless runtime and print what reached
the console bridge.

Inline scripts run in document order; timers run on virtual time. Use --click
to simulate clicks once the page has loaded and --eval to run snippets
after them.

Examples:
  bncode run --html index.html --js app.js
  bncode run --html button.html --click "#go" --click "#go"
  bncode run --html form.html --eval "document.querySelector('form').onsubmit()"
  bncode run --js app.js --json`,
	RunE: runRun,
}

func init() {
	addBundleFlags(runCmd)
	runCmd.Flags().StringArray("click", nil, "CSS selector to click after load (repeatable)")
	runCmd.Flags().StringArray("eval", nil, "JavaScript to run after the clicks (repeatable)")
	runCmd.Flags().Bool("json", false, "Print the result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	bundle, err := readBundle(cmd)
	if err != nil {
		return err
	}
	clicks, _ := cmd.Flags().GetStringArray("click")
	evals, _ := cmd.Flags().GetStringArray("eval")

	manager := preview.NewManager(previewOptions(cfg), nil)
	defer manager.Shutdown(cmd.Context())

	p, err := manager.Create("cli")
	if err != nil {
		return err
	}
	out, err := tools.Exercise(cmd.Context(), manager, p, bundle, tools.Steps{Click: clicks, Eval: evals}, cfg.HeadlessTimeout())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, e := range out.Entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Category, e.Message)
	}
	w.Flush()
	for _, e := range out.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "uncaught: %s\n", e)
	}
	if out.TimedOut {
		return fmt.Errorf("execution exceeded %s", cfg.HeadlessTimeout())
	}
	return nil
}
