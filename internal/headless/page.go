// Package headless executes composed preview documents without a browser.
//
// A Page parses the document, runs its inline scripts in order inside a
// goja VM that provides window, parent.postMessage, console, a small DOM
// and virtual-time timers, and forwards posted console messages to a
// deliver func. It exists so the sandbox bridge can be exercised end to
// end from Go and from the CLI.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/brighthub/bncode/internal/bridge"
	"github.com/brighthub/bncode/internal/debug"
)

var (
	// ErrTimeout is returned when scripts exceed the execution budget.
	ErrTimeout = errors.New("script execution timed out")
	// ErrPageClosed is returned when using a closed page.
	ErrPageClosed = errors.New("page closed")
	// ErrNoElement is returned by Click when the selector matches nothing.
	ErrNoElement = errors.New("no element matches selector")
)

const (
	defaultTimeout = 2 * time.Second
	defaultHorizon = 10 * time.Second
	maxTimerRuns   = 10000
)

type config struct {
	timeout time.Duration
	horizon time.Duration
}

// Option configures Run.
type Option func(*config)

// WithTimeout bounds the wall-clock time of each execution step.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHorizon bounds how far virtual time advances when draining timers.
func WithHorizon(d time.Duration) Option {
	return func(c *config) { c.horizon = d }
}

// ConsoleLine is output written to the page's native console, i.e. what a
// browser devtools console would show.
type ConsoleLine struct {
	Level   string
	Message string
}

// ScriptError is an uncaught error that no handler suppressed.
type ScriptError struct {
	Message string
	Line    int
	Stack   string
}

func (e ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.Line)
	}
	return e.Message
}

// Page is a loaded document. Methods are safe for concurrent use; script
// execution is serialized.
type Page struct {
	mu      sync.Mutex
	cfg     config
	ctx     context.Context
	vm      *goja.Runtime
	dom     *dom
	clock   *clock
	deliver func(bridge.Message)

	windowListeners map[string][]goja.Callable
	rejections      []*goja.Promise

	console  []ConsoleLine
	errors   []ScriptError
	posted   int
	timedOut bool
	closed   bool
}

// Run parses doc, executes its inline scripts in document order, fires the
// load events and drains due timers. Console messages the document posts to
// its parent are decoded and passed to deliver. Script errors do not fail
// Run; they go through the page's error handlers like in a browser. Only a
// timeout or cancelled ctx is returned as an error, together with the page.
func Run(ctx context.Context, doc string, deliver func(bridge.Message), opts ...Option) (*Page, error) {
	cfg := config{timeout: defaultTimeout, horizon: defaultHorizon}
	for _, o := range opts {
		o(&cfg)
	}
	if deliver == nil {
		deliver = func(bridge.Message) {}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	p := &Page{
		cfg:             cfg,
		ctx:             ctx,
		vm:              goja.New(),
		clock:           newClock(cfg.horizon),
		deliver:         deliver,
		windowListeners: make(map[string][]goja.Callable),
	}
	p.dom = newDOM(p, goquery.NewDocumentFromNode(root))
	p.setupGlobals()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.guard(func() {
		for i, src := range inlineScripts(root) {
			p.runScript(fmt.Sprintf("inline-script-%d", i+1), src)
			if p.timedOut {
				return
			}
		}
		p.dispatch("DOMContentLoaded", p.simpleEvent("DOMContentLoaded"))
		p.dispatch("load", p.simpleEvent("load"))
		p.drainTimers()
	})
	return p, err
}

func (p *Page) setupGlobals() {
	vm := p.vm
	global := vm.GlobalObject()

	vm.Set("require", goja.Undefined())
	vm.Set("window", global)
	vm.Set("self", global)

	console := vm.NewObject()
	for _, level := range []string{"log", "error", "warn", "info", "debug"} {
		console.Set(level, p.nativeConsole(level))
	}
	vm.Set("console", console)

	host := vm.NewObject()
	host.Set("postMessage", p.postMessage)
	vm.Set("parent", host)
	vm.Set("top", host)

	vm.Set("addEventListener", p.addWindowListener)
	vm.Set("removeEventListener", p.removeWindowListener)

	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return p.schedule(call, false)
	})
	vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return p.schedule(call, true)
	})
	clearTimer := func(id int64) { p.clock.cancel(id) }
	vm.Set("clearTimeout", clearTimer)
	vm.Set("clearInterval", clearTimer)

	vm.Set("alert", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	vm.SetPromiseRejectionTracker(func(promise *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			p.rejections = append(p.rejections, promise)
		case goja.PromiseRejectionHandle:
			for i, r := range p.rejections {
				if r == promise {
					p.rejections = append(p.rejections[:i], p.rejections[i+1:]...)
					break
				}
			}
		}
	})

	p.dom.install(vm)
}

func (p *Page) nativeConsole(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		p.console = append(p.console, ConsoleLine{Level: level, Message: strings.Join(parts, " ")})
		return goja.Undefined()
	}
}

// postMessage forwards a structured-cloned message to deliver when it is a
// well-formed console message. The target origin is not checked: a
// headless page has no origin.
func (p *Page) postMessage(call goja.FunctionCall) goja.Value {
	p.posted++
	raw, err := json.Marshal(call.Argument(0).Export())
	if err != nil {
		return goja.Undefined()
	}
	if msg, ok := bridge.Decode(raw); ok {
		p.deliver(msg)
	}
	return goja.Undefined()
}

func (p *Page) addWindowListener(typ string, fn goja.Value) {
	cb, ok := goja.AssertFunction(fn)
	if !ok {
		return
	}
	p.windowListeners[typ] = append(p.windowListeners[typ], cb)
}

// removeWindowListener drops every listener of typ; goja callables are
// not comparable.
func (p *Page) removeWindowListener(typ string, _ goja.Value) {
	delete(p.windowListeners, typ)
}

func (p *Page) schedule(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return p.vm.ToValue(0)
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	return p.vm.ToValue(p.clock.schedule(fn, delay, args, repeat))
}

func (p *Page) drainTimers() {
	for runs := 0; runs < maxTimerRuns && !p.timedOut; runs++ {
		t, ok := p.clock.next()
		if !ok {
			return
		}
		p.invoke("timer", func() (goja.Value, error) { return t.fn(goja.Undefined(), t.args...) })
	}
	if p.clock.pending() > 0 {
		debug.Log("headless", "%d timer(s) left pending", p.clock.pending())
	}
}

func (p *Page) simpleEvent(typ string) *goja.Object {
	ev := p.vm.NewObject()
	ev.Set("type", typ)
	ev.Set("preventDefault", func() {})
	return ev
}

// dispatch calls window listeners for typ and the matching on<typ>
// property handler.
func (p *Page) dispatch(typ string, event *goja.Object) {
	for _, cb := range p.windowListeners[typ] {
		p.invoke(typ+" listener", func() (goja.Value, error) { return cb(p.vm.GlobalObject(), event) })
	}
	if fn, ok := goja.AssertFunction(p.vm.Get("on" + strings.ToLower(typ))); ok && typ != "error" {
		p.invoke("on"+typ, func() (goja.Value, error) { return fn(p.vm.GlobalObject(), event) })
	}
}

func (p *Page) runScript(name, src string) {
	p.invoke(name, func() (goja.Value, error) { return p.vm.RunScript(name, src) })
}

// invoke runs fn as one task: uncaught errors are reported, then pending
// promise rejections are surfaced.
func (p *Page) invoke(name string, fn func() (goja.Value, error)) {
	if p.timedOut {
		return
	}
	if _, err := fn(); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			p.timedOut = true
			debug.Warn("headless", "%s interrupted: %v", name, interrupted.Value())
			return
		}
		p.report(err)
	}
	p.flushRejections()
}

// report routes an uncaught error through window.onerror and error
// listeners. A handler returning true suppresses it.
func (p *Page) report(err error) {
	se := ScriptError{Message: err.Error()}
	errValue := goja.Undefined()

	var ex *goja.Exception
	if errors.As(err, &ex) {
		errValue = ex.Value()
		se.Message = "Uncaught " + ex.Value().String()
		se.Stack = ex.String()
		se.Line = stackLine(se.Stack)
	}

	suppressed := false
	if onerror, ok := goja.AssertFunction(p.vm.Get("onerror")); ok {
		ret, herr := onerror(p.vm.GlobalObject(),
			p.vm.ToValue(se.Message), p.vm.ToValue(""), p.vm.ToValue(se.Line), p.vm.ToValue(0), errValue)
		if herr != nil {
			debug.Log("headless", "onerror threw: %v", herr)
		} else if ret != nil && ret.ToBoolean() {
			suppressed = true
		}
	}

	event := p.simpleEvent("error")
	event.Set("message", se.Message)
	event.Set("lineno", se.Line)
	event.Set("error", errValue)
	for _, cb := range p.windowListeners["error"] {
		if _, lerr := cb(p.vm.GlobalObject(), event); lerr != nil {
			debug.Log("headless", "error listener threw: %v", lerr)
		}
	}

	if !suppressed {
		p.errors = append(p.errors, se)
	}
}

func (p *Page) flushRejections() {
	for len(p.rejections) > 0 {
		promise := p.rejections[0]
		p.rejections = p.rejections[1:]

		event := p.simpleEvent("unhandledrejection")
		event.Set("reason", promise.Result())
		event.Set("promise", promise)

		listeners := p.windowListeners["unhandledrejection"]
		if len(listeners) == 0 {
			p.errors = append(p.errors, ScriptError{Message: "Uncaught (in promise) " + promise.Result().String()})
			continue
		}
		for _, cb := range listeners {
			if _, err := cb(p.vm.GlobalObject(), event); err != nil {
				debug.Log("headless", "unhandledrejection listener threw: %v", err)
			}
		}
	}
}

// guard bounds fn by the configured timeout and the page context.
func (p *Page) guard(fn func()) error {
	if p.closed {
		return ErrPageClosed
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.timeout)
	defer cancel()

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			p.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	p.timedOut = false
	fn()
	close(done)
	<-exited
	p.vm.ClearInterrupt()

	if p.timedOut {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		return ErrTimeout
	}
	return nil
}

// Click dispatches a click on the first element matching selector and
// drains timers it scheduled.
func (p *Page) Click(selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPageClosed
	}
	sel := p.dom.doc.Find(selector)
	if sel.Length() == 0 {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	node := sel.Get(0)
	return p.guard(func() {
		p.dom.click(node)
		p.drainTimers()
	})
}

// Eval runs src in the page as an additional script and drains timers it
// scheduled. An uncaught exception goes through the page's error handler
// like any other script error.
func (p *Page) Eval(src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.guard(func() {
		p.runScript("eval", src)
		p.drainTimers()
	})
}

// Console returns what the page wrote to its native console.
func (p *Page) Console() []ConsoleLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConsoleLine(nil), p.console...)
}

// Errors returns uncaught errors that no handler suppressed.
func (p *Page) Errors() []ScriptError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ScriptError(nil), p.errors...)
}

// Posted returns how many postMessage calls the page made, including
// messages that were not console messages.
func (p *Page) Posted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posted
}

// Text returns the text content of the first element matching selector.
func (p *Page) Text(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dom.doc.Find(selector).First().Text()
}

// Close releases the VM. Idempotent.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.clock = newClock(0)
	p.windowListeners = nil
	p.dom.wrappers = nil
	p.dom.listeners = nil
}

// frameLine matches the first "name:line:col" position in a goja stack.
var frameLine = regexp.MustCompile(`:(\d+):\d+`)

// stackLine extracts the line of the innermost frame, or 0.
func stackLine(stack string) int {
	m := frameLine.FindStringSubmatch(stack)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// inlineScripts returns the bodies of classic inline scripts in document
// order. External and non-JavaScript scripts are skipped.
func inlineScripts(root *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && isClassicScript(n) {
			var b strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					b.WriteString(c.Data)
				}
			}
			out = append(out, b.String())
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func isClassicScript(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "src":
			return false
		case "type":
			t := strings.ToLower(strings.TrimSpace(a.Val))
			if t != "" && t != "text/javascript" && t != "application/javascript" {
				return false
			}
		}
	}
	return true
}
