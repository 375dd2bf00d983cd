// Package tools exposes previews to MCP clients.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brighthub/bncode/internal/bridge"
	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/headless"
	"github.com/brighthub/bncode/internal/preview"
)

// DefaultPreviewID is used when a tool call names no preview.
const DefaultPreviewID = "default"

// PreviewTools serves MCP tool calls against a preview manager.
type PreviewTools struct {
	manager *preview.Manager
	timeout time.Duration
}

// NewPreviewTools creates the tool set. timeout bounds headless execution
// of each render; zero uses the runtime default.
func NewPreviewTools(manager *preview.Manager, timeout time.Duration) *PreviewTools {
	return &PreviewTools{manager: manager, timeout: timeout}
}

// RenderInput represents input for the preview_render tool.
type RenderInput struct {
	ID     string   `json:"id,omitempty" jsonschema:"Preview id (default: \"default\"); created if missing"`
	Markup string   `json:"markup,omitempty" jsonschema:"HTML markup: a fragment or a full document"`
	Style  string   `json:"style,omitempty" jsonschema:"CSS"`
	Script string   `json:"script,omitempty" jsonschema:"JavaScript"`
	Click  []string `json:"click,omitempty" jsonschema:"CSS selectors to click, in order, after the page loads"`
	Eval   []string `json:"eval,omitempty" jsonschema:"JavaScript snippets to run in the page after the clicks"`
}

// RenderOutput represents output from the preview_render tool.
type RenderOutput struct {
	ID       string             `json:"id"`
	Handle   string             `json:"handle"`
	Src      string             `json:"src"`
	Mode     string             `json:"mode"`
	Entries  []console.LogEntry `json:"entries"`
	Errors   []string           `json:"errors,omitempty"`
	TimedOut bool               `json:"timed_out,omitempty"`
}

// LogsInput represents input for the preview_logs tool.
type LogsInput struct {
	ID         string   `json:"id,omitempty" jsonschema:"Preview id (default: \"default\")"`
	Query      string   `json:"query,omitempty" jsonschema:"Case-insensitive substring filter"`
	Categories []string `json:"categories,omitempty" jsonschema:"Categories to include: log, error, warn, info, success"`
	Limit      int      `json:"limit,omitempty" jsonschema:"Return only the newest N entries"`
}

// LogsOutput represents output from the preview_logs tool.
type LogsOutput struct {
	ID      string             `json:"id"`
	Entries []console.LogEntry `json:"entries"`
	Counts  console.Counts     `json:"counts"`
	Stats   console.Stats      `json:"stats"`
}

// ClearInput represents input for the preview_clear tool.
type ClearInput struct {
	ID string `json:"id,omitempty" jsonschema:"Preview id (default: \"default\")"`
}

// ClearOutput represents output from the preview_clear tool.
type ClearOutput struct {
	ID      string `json:"id"`
	Cleared int    `json:"cleared"`
}

// RegisterPreviewTools registers preview_render, preview_logs and
// preview_clear with the server.
func RegisterPreviewTools(server *mcp.Server, pt *PreviewTools) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "preview_render",
		Description: `Compose markup, style and script into a sandboxed preview document, run it headlessly and return the console output it produced.

Markup may be a fragment (wrapped in a generated document) or a full document (style and script are spliced in).

Examples:
  preview_render {markup: "<button onclick=\"console.log(1)\">Go</button>", click: ["button"]}
  preview_render {id: "lesson-3", markup: "<p id=out></p>", script: "document.getElementById('out').textContent = 'hi'"}`,
	}, pt.handleRender)

	mcp.AddTool(server, &mcp.Tool{
		Name: "preview_logs",
		Description: `Read captured console entries of a preview.

Examples:
  preview_logs {}
  preview_logs {id: "lesson-3", categories: ["error", "warn"]}
  preview_logs {query: "undefined", limit: 5}`,
	}, pt.handleLogs)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "preview_clear",
		Description: `Clear the console entries of a preview. Totals and the rendered document are kept.`,
	}, pt.handleClear)
}

func previewID(id string) string {
	if id == "" {
		return DefaultPreviewID
	}
	return id
}

// getOrCreate returns the named preview, creating it on first use.
func (pt *PreviewTools) getOrCreate(id string) (*preview.Preview, error) {
	p, err := pt.manager.GetExact(id)
	if err == nil {
		return p, nil
	}
	p, err = pt.manager.Create(id)
	if errors.Is(err, preview.ErrPreviewExists) {
		return pt.manager.GetExact(id)
	}
	return p, err
}

func (pt *PreviewTools) handleRender(ctx context.Context, req *mcp.CallToolRequest, input RenderInput) (*mcp.CallToolResult, RenderOutput, error) {
	emptyOutput := RenderOutput{}

	bundle := compose.SourceBundle{Markup: input.Markup, Style: input.Style, Script: input.Script}
	if bundle.IsEmpty() {
		return errorResult("at least one of markup, style or script is required"), emptyOutput, nil
	}

	p, err := pt.getOrCreate(previewID(input.ID))
	if err != nil {
		return errorResult(err.Error()), emptyOutput, nil
	}

	out, err := Exercise(ctx, pt.manager, p, bundle, Steps{Click: input.Click, Eval: input.Eval}, pt.timeout)
	if err != nil {
		return errorResult(err.Error()), emptyOutput, nil
	}
	return nil, out, nil
}

// Steps are the interactions Exercise performs once the page has loaded.
// Clicks run first, then Eval snippets, each in order.
type Steps struct {
	Click []string
	Eval  []string
}

// Exercise renders bundle into p, runs the published document headlessly
// with the preview's bridge listener on the receiving end, performs steps
// and reports the entries that arrived meanwhile.
func Exercise(ctx context.Context, m *preview.Manager, p *preview.Preview, bundle compose.SourceBundle, steps Steps, timeout time.Duration) (RenderOutput, error) {
	h, err := p.RenderNow(bundle)
	if err != nil {
		return RenderOutput{}, err
	}
	opts := m.Options()
	doc, err := opts.Store.Open(h.ID)
	if err != nil {
		return RenderOutput{}, fmt.Errorf("open rendered document: %w", err)
	}

	var (
		mu      sync.Mutex
		entries []console.LogEntry
	)
	cancel := p.OnLogEntry(func(e console.LogEntry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	})
	defer cancel()

	out := RenderOutput{
		ID:     p.ID,
		Handle: h.ID,
		Src:    h.Path(),
		Mode:   compose.DetectMode(bundle.Markup).String(),
	}

	var runOpts []headless.Option
	if timeout > 0 {
		runOpts = append(runOpts, headless.WithTimeout(timeout))
	}
	page, err := headless.Run(ctx, doc, func(msg bridge.Message) {
		opts.Listener.Deliver(p.ID, msg)
	}, runOpts...)
	if page != nil {
		defer page.Close()
	}

	switch {
	case errors.Is(err, headless.ErrTimeout):
		out.TimedOut = true
	case err != nil:
		return RenderOutput{}, err
	}

	if !out.TimedOut {
		for _, sel := range steps.Click {
			if err := page.Click(sel); err != nil {
				if errors.Is(err, headless.ErrTimeout) {
					out.TimedOut = true
					break
				}
				out.Errors = append(out.Errors, fmt.Sprintf("click %s: %v", sel, err))
			}
		}
	}
	if !out.TimedOut {
		for i, src := range steps.Eval {
			if err := page.Eval(src); err != nil {
				if errors.Is(err, headless.ErrTimeout) {
					out.TimedOut = true
					break
				}
				out.Errors = append(out.Errors, fmt.Sprintf("eval #%d: %v", i+1, err))
			}
		}
	}

	if page != nil {
		for _, se := range page.Errors() {
			out.Errors = append(out.Errors, se.Error())
		}
	}

	mu.Lock()
	out.Entries = append([]console.LogEntry{}, entries...)
	mu.Unlock()

	debug.Log("tools", "exercised %s: %d entries, %d errors", p.ID, len(out.Entries), len(out.Errors))
	return out, nil
}

func (pt *PreviewTools) handleLogs(ctx context.Context, req *mcp.CallToolRequest, input LogsInput) (*mcp.CallToolResult, LogsOutput, error) {
	emptyOutput := LogsOutput{}

	p, err := pt.manager.Get(previewID(input.ID))
	if err != nil {
		return errorResult(err.Error()), emptyOutput, nil
	}

	filter := console.LogFilter{Query: input.Query, Limit: input.Limit}
	for _, name := range input.Categories {
		cat, ok := console.ParseCategory(name)
		if !ok {
			return errorResult(fmt.Sprintf("unknown category: %s (use: log, error, warn, info, success)", name)), emptyOutput, nil
		}
		filter.Categories = append(filter.Categories, cat)
	}

	entries := p.Logs().Query(filter)
	if entries == nil {
		entries = []console.LogEntry{}
	}
	return nil, LogsOutput{
		ID:      p.ID,
		Entries: entries,
		Counts:  p.Logs().Counts(),
		Stats:   p.Logs().Stats(),
	}, nil
}

func (pt *PreviewTools) handleClear(ctx context.Context, req *mcp.CallToolRequest, input ClearInput) (*mcp.CallToolResult, ClearOutput, error) {
	p, err := pt.manager.GetExact(previewID(input.ID))
	if err != nil {
		return errorResult(err.Error()), ClearOutput{}, nil
	}
	n := p.Logs().Clear()
	return nil, ClearOutput{ID: p.ID, Cleared: n}, nil
}

// errorResult reports a tool-level failure to the client.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
