// Package bridge routes console messages posted by sandboxed documents to
// the log sink of the preview that owns them.
package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/metrics"
)

// Default is the process-wide listener.
var Default = NewListener()

// route holds one reference count per registered sink, oldest first.
// Messages go to the newest sink still registered.
type route struct {
	regs []*registration
}

type registration struct {
	sink *console.Sink
	refs int
}

func (r *route) current() *console.Sink {
	if len(r.regs) == 0 {
		return nil
	}
	return r.regs[len(r.regs)-1].sink
}

func (r *route) refs() int {
	n := 0
	for _, reg := range r.regs {
		n += reg.refs
	}
	return n
}

// Listener dispatches messages by preview id. Registrations are reference
// counted so remounting a preview never yields duplicate deliveries.
type Listener struct {
	mu     sync.RWMutex
	routes map[string]*route

	now   func() time.Time
	newID func() string
}

// NewListener creates an empty listener.
func NewListener() *Listener {
	return &Listener{
		routes: make(map[string]*route),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Register routes messages for previewID into sink and returns a release
// func. Registering an id that is already routed adds a reference; each
// message is still delivered once, to the newest sink with a live
// reference. Releasing a sink's last reference routes back to the previous
// sink, and the route is removed when nothing is left. release is
// idempotent.
func (l *Listener) Register(previewID string, sink *console.Sink) (release func()) {
	l.mu.Lock()
	r, ok := l.routes[previewID]
	if !ok {
		r = &route{}
		l.routes[previewID] = r
	}
	var reg *registration
	for i, existing := range r.regs {
		if existing.sink == sink {
			reg = existing
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			break
		}
	}
	if reg == nil {
		reg = &registration{sink: sink}
	}
	reg.refs++
	r.regs = append(r.regs, reg)
	refs := r.refs()
	l.mu.Unlock()

	debug.Log("bridge", "registered preview %s (refs=%d)", previewID, refs)

	var once sync.Once
	return func() {
		once.Do(func() { l.release(previewID, reg) })
	}
}

func (l *Listener) release(previewID string, reg *registration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.routes[previewID]
	if !ok {
		return
	}
	reg.refs--
	if reg.refs <= 0 {
		for i, existing := range r.regs {
			if existing == reg {
				r.regs = append(r.regs[:i], r.regs[i+1:]...)
				break
			}
		}
	}
	if len(r.regs) == 0 {
		delete(l.routes, previewID)
		debug.Log("bridge", "unregistered preview %s", previewID)
	}
}

// Refs returns the number of live registrations for previewID.
func (l *Listener) Refs(previewID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.routes[previewID]; ok {
		return r.refs()
	}
	return 0
}

// Receive decodes raw and delivers it. Malformed or foreign messages are
// ignored silently and report false.
func (l *Listener) Receive(previewID string, raw []byte) bool {
	msg, ok := Decode(raw)
	if !ok {
		metrics.BridgeMessages.WithLabelValues(metrics.OutcomeIgnored).Inc()
		debug.Trace("bridge", "ignored message for %s: %.120s", previewID, raw)
		return false
	}
	return l.Deliver(previewID, msg)
}

// Deliver appends an already decoded message to the sink registered for
// previewID. It reports false when the message is invalid or no sink is
// registered.
func (l *Listener) Deliver(previewID string, msg Message) bool {
	cat, ok := logCategory(msg.LogType)
	if !ok || !msg.Valid() {
		metrics.BridgeMessages.WithLabelValues(metrics.OutcomeIgnored).Inc()
		return false
	}

	l.mu.RLock()
	var sink *console.Sink
	if r, found := l.routes[previewID]; found {
		sink = r.current()
	}
	l.mu.RUnlock()

	if sink == nil {
		metrics.BridgeMessages.WithLabelValues(metrics.OutcomeUnrouted).Inc()
		return false
	}

	sink.Append(console.LogEntry{
		ID:         l.newID(),
		Category:   cat,
		Message:    msg.Message,
		Timestamp:  l.now(),
		StackTrace: msg.Stack,
	})
	metrics.BridgeMessages.WithLabelValues(metrics.OutcomeAccepted).Inc()
	return true
}
