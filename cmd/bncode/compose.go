package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/instrument"
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Print the composed preview document",
	Long: `Compose markup, style and script files into a single preview document and
write it to stdout (or --out).

Markup that starts with <!doctype or <html is treated as a full document and
the style and script are spliced into it; anything else is wrapped in a
generated document.

Examples:
  bncode compose --html index.html --css style.css --js app.js
  bncode compose --html fragment.html --no-instrument --out preview.html`,
	RunE: runCompose,
}

func init() {
	addBundleFlags(composeCmd)
	composeCmd.Flags().Bool("no-instrument", false, "Omit the console bridge script")
	composeCmd.Flags().String("target-origin", "", "Restrict the bridge's postMessage target origin")
	composeCmd.Flags().StringP("out", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(composeCmd)
}

func addBundleFlags(cmd *cobra.Command) {
	cmd.Flags().String("html", "", "Markup file (- for stdin)")
	cmd.Flags().String("css", "", "Style file")
	cmd.Flags().String("js", "", "Script file")
}

// readBundle loads the files named by the bundle flags.
func readBundle(cmd *cobra.Command) (compose.SourceBundle, error) {
	var b compose.SourceBundle
	for _, f := range []struct {
		flag string
		dst  *string
	}{
		{"html", &b.Markup},
		{"css", &b.Style},
		{"js", &b.Script},
	} {
		path, _ := cmd.Flags().GetString(f.flag)
		if path == "" {
			continue
		}
		data, err := readSource(path)
		if err != nil {
			return b, fmt.Errorf("--%s: %w", f.flag, err)
		}
		*f.dst = string(data)
	}
	if b.IsEmpty() {
		return b, fmt.Errorf("nothing to compose: pass at least one of --html, --css, --js")
	}
	return b, nil
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runCompose(cmd *cobra.Command, args []string) error {
	bundle, err := readBundle(cmd)
	if err != nil {
		return err
	}

	var script string
	if skip, _ := cmd.Flags().GetBool("no-instrument"); !skip {
		origin, _ := cmd.Flags().GetString("target-origin")
		script = instrument.BuildInstrumentationFor(origin)
	}
	doc := compose.Compose(bundle, script)

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		return os.WriteFile(out, []byte(doc), 0644)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), doc)
	return err
}
