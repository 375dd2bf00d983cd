// Package sandbox owns the isolated frame a preview document is shown in.
//
// A Host holds exactly one active document handle. Each render creates a
// new handle and revokes the previous one, so at most one handle per host
// is servable at any time.
package sandbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/metrics"
)

var (
	// ErrNothingRendered is returned by Reload before the first Render.
	ErrNothingRendered = errors.New("nothing rendered yet")
	// ErrHostDisposed is returned when rendering into a disposed host.
	ErrHostDisposed = errors.New("sandbox host disposed")
)

// State is a snapshot of what the host frame should display.
type State struct {
	Handle   Handle         `json:"handle"`
	Viewport ViewportPreset `json:"viewport"`
	Sandbox  string         `json:"sandbox"`
}

// Src returns the frame src, or "about:blank" when nothing is active.
func (s State) Src() string {
	if s.Handle.IsZero() {
		return "about:blank"
	}
	return s.Handle.Path()
}

// activeSlot holds the single live handle. swap installs next and returns
// the handle it replaced.
type activeSlot struct {
	h Handle
}

func (s *activeSlot) swap(next Handle) Handle {
	prev := s.h
	s.h = next
	return prev
}

// Host is the single-slot owner of a preview's document handle.
type Host struct {
	store  DocumentStore
	policy Policy

	mu       sync.Mutex
	slot     activeSlot
	lastDoc  string
	rendered bool
	viewport ViewportPreset
	disposed bool

	// notifyMu serializes state changes with their notifications so
	// subscribers never see an older State after a newer one.
	notifyMu sync.Mutex
	subMu    sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

// NewHost creates a host backed by store.
func NewHost(store DocumentStore, policy Policy) *Host {
	return &Host{
		store:    store,
		policy:   policy,
		viewport: Desktop,
		subs:     make(map[int]func(State)),
	}
}

// Render publishes doc under a new handle, makes it active, then revokes
// the previous handle. A failed revocation is logged and does not block
// the new handle.
func (h *Host) Render(doc string) (Handle, error) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return Handle{}, ErrHostDisposed
	}

	next, err := h.store.Create(doc)
	if err != nil {
		h.mu.Unlock()
		return Handle{}, fmt.Errorf("create document handle: %w", err)
	}

	prev := h.slot.swap(next)
	h.lastDoc = doc
	h.rendered = true
	h.revoke(prev)
	state := h.stateLocked()
	h.mu.Unlock()

	debug.Log("sandbox", "rendered %s (%d bytes)", next.ID, len(doc))
	h.notify(state)
	return next, nil
}

// Reload republishes the last rendered document under a fresh handle
// without recomposing it.
func (h *Host) Reload() (Handle, error) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return Handle{}, ErrHostDisposed
	}
	if !h.rendered {
		h.mu.Unlock()
		return Handle{}, ErrNothingRendered
	}
	doc := h.lastDoc
	h.mu.Unlock()

	return h.Render(doc)
}

// SetViewport changes the presentational width. The active handle is kept.
func (h *Host) SetViewport(preset ViewportPreset) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	h.viewport = preset
	state := h.stateLocked()
	h.mu.Unlock()

	h.notify(state)
}

// Viewport returns the current viewport preset.
func (h *Host) Viewport() ViewportPreset {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewport
}

// Active returns the active handle, if any.
func (h *Host) Active() (Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slot.h, !h.slot.h.IsZero()
}

// State returns what the frame should currently display.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Host) stateLocked() State {
	return State{
		Handle:   h.slot.h,
		Viewport: h.viewport,
		Sandbox:  h.policy.Attribute(),
	}
}

// Policy returns the sandbox policy.
func (h *Host) Policy() Policy {
	return h.policy
}

// OnChange registers fn to be called after every render, reload, viewport
// change and dispose, in the order the changes happened. fn may read the
// host but must not change it. The returned cancel func is idempotent.
func (h *Host) OnChange(fn func(State)) (cancel func()) {
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subMu.Lock()
			delete(h.subs, id)
			h.subMu.Unlock()
		})
	}
}

func (h *Host) notify(state State) {
	h.subMu.Lock()
	fns := make([]func(State), 0, len(h.subs))
	for i := 0; i < h.nextSub; i++ {
		if fn, ok := h.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	h.subMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Dispose revokes the active handle. Further renders fail with
// ErrHostDisposed. Idempotent.
func (h *Host) Dispose() {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	prev := h.slot.swap(Handle{})
	h.revoke(prev)
	h.lastDoc = ""
	state := h.stateLocked()
	h.mu.Unlock()

	h.notify(state)
}

// Disposed reports whether Dispose has been called.
func (h *Host) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// revoke must be called with mu held.
func (h *Host) revoke(prev Handle) {
	if prev.IsZero() {
		return
	}
	if err := h.store.Revoke(prev.ID); err != nil {
		metrics.RevokeFailures.Inc()
		debug.Warn("sandbox", "failed to revoke handle %s: %v", prev.ID, err)
	}
}
