// Package preview ties together composition, the sandbox host, the bridge
// and the log sink for a single live preview.
package preview

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brighthub/bncode/internal/bridge"
	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/debounce"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/instrument"
	"github.com/brighthub/bncode/internal/metrics"
	"github.com/brighthub/bncode/internal/sandbox"
)

// ErrPreviewClosed is returned when operating on a closed preview.
var ErrPreviewClosed = errors.New("preview closed")

// BundleSaver persists the last rendered bundle of a preview.
type BundleSaver interface {
	SaveBundle(id string, bundle compose.SourceBundle) error
}

// Options configures a preview. Zero values fall back to defaults.
type Options struct {
	MaxLogEntries int
	Debounce      time.Duration
	Policy        *sandbox.Policy
	// TargetOrigin restricts where instrumentation posts messages. Empty
	// means any origin.
	TargetOrigin string
	Presets      []sandbox.ViewportPreset
	Store        sandbox.DocumentStore
	Listener     *bridge.Listener
	Saver        BundleSaver
}

func (o Options) withDefaults() Options {
	if o.Store == nil {
		o.Store = sandbox.NewMemoryStore()
	}
	if o.Listener == nil {
		o.Listener = bridge.Default
	}
	if o.Policy == nil {
		p := sandbox.DefaultPolicy()
		o.Policy = &p
	}
	if len(o.Presets) == 0 {
		o.Presets = sandbox.Presets()
	}
	return o
}

// Preview is one live preview session: the editor buffers go in through
// Render, the composed document comes out through the sandbox host and
// console output comes back through the log sink.
type Preview struct {
	ID        string
	CreatedAt time.Time

	host            *sandbox.Host
	sink            *console.Sink
	debouncer       *debounce.Debouncer
	release         func()
	instrumentation string
	presets         []sandbox.ViewportPreset
	saver           BundleSaver

	seq     atomic.Uint64
	renders atomic.Int64

	mu      sync.Mutex
	applied uint64
	bundle  compose.SourceBundle
	lastErr error

	closed atomic.Bool
}

// New creates a preview and registers its sink with the bridge listener.
// An empty id gets a random one.
func New(id string, opts Options) *Preview {
	opts = opts.withDefaults()
	if id == "" {
		id = uuid.NewString()
	}

	p := &Preview{
		ID:              id,
		CreatedAt:       time.Now(),
		host:            sandbox.NewHost(opts.Store, *opts.Policy),
		sink:            console.NewSink(opts.MaxLogEntries),
		debouncer:       debounce.New(opts.Debounce),
		instrumentation: instrument.BuildInstrumentationFor(opts.TargetOrigin),
		presets:         opts.Presets,
		saver:           opts.Saver,
	}
	p.release = opts.Listener.Register(id, p.sink)
	return p
}

// Render schedules recomposition of bundle after the debounce window. Only
// the last bundle of a burst is composed.
func (p *Preview) Render(bundle compose.SourceBundle) {
	if p.closed.Load() {
		return
	}
	seq := p.seq.Add(1)
	p.debouncer.Trigger(func() {
		if _, err := p.apply(bundle, seq); err != nil {
			debug.Warn("preview", "render %s failed: %v", p.ID, err)
		}
	})
}

// RenderNow composes and publishes bundle immediately, discarding any
// pending debounced render.
func (p *Preview) RenderNow(bundle compose.SourceBundle) (sandbox.Handle, error) {
	if p.closed.Load() {
		return sandbox.Handle{}, ErrPreviewClosed
	}
	seq := p.seq.Add(1)
	p.debouncer.Cancel()
	return p.apply(bundle, seq)
}

// Flush runs a pending debounced render now and reports whether there was one.
func (p *Preview) Flush() bool {
	return p.debouncer.Flush()
}

// apply composes bundle unless a newer render has already been applied.
func (p *Preview) apply(bundle compose.SourceBundle, seq uint64) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq < p.applied {
		debug.Log("preview", "dropping stale render %d for %s (applied %d)", seq, p.ID, p.applied)
		h, _ := p.host.Active()
		return h, nil
	}

	doc := compose.Compose(bundle, p.instrumentation)
	metrics.DocumentsComposed.WithLabelValues(compose.DetectMode(bundle.Markup).String()).Inc()

	h, err := p.host.Render(doc)
	p.lastErr = err
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("render preview %s: %w", p.ID, err)
	}
	p.applied = seq
	p.bundle = bundle
	p.renders.Add(1)

	if p.saver != nil {
		if err := p.saver.SaveBundle(p.ID, bundle); err != nil {
			debug.Warn("preview", "failed to persist bundle for %s: %v", p.ID, err)
		}
	}
	return h, nil
}

// Reload republishes the last document under a fresh handle.
func (p *Preview) Reload() (sandbox.Handle, error) {
	return p.host.Reload()
}

// SetViewport switches to the named viewport preset.
func (p *Preview) SetViewport(name string) (sandbox.ViewportPreset, error) {
	preset, ok := sandbox.PresetByName(name, p.presets...)
	if !ok {
		return sandbox.ViewportPreset{}, fmt.Errorf("unknown viewport %q", name)
	}
	p.host.SetViewport(preset)
	return preset, nil
}

// Presets returns the viewport presets this preview accepts.
func (p *Preview) Presets() []sandbox.ViewportPreset {
	return p.presets
}

// Host returns the sandbox host.
func (p *Preview) Host() *sandbox.Host {
	return p.host
}

// Logs returns the console log sink.
func (p *Preview) Logs() *console.Sink {
	return p.sink
}

// OnLogEntry registers cb for every entry appended to the sink.
func (p *Preview) OnLogEntry(cb func(console.LogEntry)) (cancel func()) {
	return p.sink.Subscribe(cb)
}

// Notify appends a host-side success entry such as "Preview updated".
func (p *Preview) Notify(message string) {
	p.sink.Append(console.LogEntry{
		ID:        uuid.NewString(),
		Category:  console.CategorySuccess,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Bundle returns the last successfully rendered bundle.
func (p *Preview) Bundle() compose.SourceBundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bundle
}

// LastError returns the error of the most recent render attempt, if any.
func (p *Preview) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Renders returns the number of documents published.
func (p *Preview) Renders() int64 {
	return p.renders.Load()
}

// Closed reports whether Close has been called.
func (p *Preview) Closed() bool {
	return p.closed.Load()
}

// Close cancels pending renders, unregisters from the bridge and disposes
// the host. Closing twice returns ErrPreviewClosed.
func (p *Preview) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPreviewClosed
	}
	p.debouncer.Stop()
	p.release()
	p.host.Dispose()
	debug.Log("preview", "closed %s", p.ID)
	return nil
}
