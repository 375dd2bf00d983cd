// Package console holds the bounded, per-preview log of console output
// captured from the sandbox.
package console

import (
	"strings"
	"sync"
	"time"

	"github.com/brighthub/bncode/internal/metrics"
)

// DefaultMaxEntries is the sink capacity used when none is configured.
const DefaultMaxEntries = 100

// Category classifies a log entry.
type Category string

const (
	CategoryLog     Category = "log"
	CategoryError   Category = "error"
	CategoryWarn    Category = "warn"
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
)

// Categories returns every category in display order.
func Categories() []Category {
	return []Category{CategoryLog, CategoryError, CategoryWarn, CategoryInfo, CategorySuccess}
}

// ParseCategory converts s to a Category, reporting whether it is known.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(s); c {
	case CategoryLog, CategoryError, CategoryWarn, CategoryInfo, CategorySuccess:
		return c, true
	}
	return "", false
}

// LogEntry is a single captured console line.
type LogEntry struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	StackTrace string    `json:"stackTrace,omitempty"`
}

// Counts holds the number of retained entries per category.
type Counts struct {
	Log     int `json:"log"`
	Error   int `json:"error"`
	Warn    int `json:"warn"`
	Info    int `json:"info"`
	Success int `json:"success"`
}

// Get returns the count for cat.
func (c Counts) Get(cat Category) int {
	switch cat {
	case CategoryLog:
		return c.Log
	case CategoryError:
		return c.Error
	case CategoryWarn:
		return c.Warn
	case CategoryInfo:
		return c.Info
	case CategorySuccess:
		return c.Success
	}
	return 0
}

func (c *Counts) add(cat Category) {
	switch cat {
	case CategoryLog:
		c.Log++
	case CategoryError:
		c.Error++
	case CategoryWarn:
		c.Warn++
	case CategoryInfo:
		c.Info++
	case CategorySuccess:
		c.Success++
	}
}

// Stats describes sink throughput.
type Stats struct {
	TotalEntries     int64 `json:"total_entries"`
	AvailableEntries int64 `json:"available_entries"`
	Dropped          int64 `json:"dropped"`
	MaxEntries       int   `json:"max_entries"`
}

// LogFilter narrows a Query. Zero values match everything.
type LogFilter struct {
	// Query is a case-insensitive substring of the message.
	Query      string
	Categories []Category
	Since      time.Time
	// Limit keeps only the newest N matches.
	Limit int
}

// Sink is a bounded FIFO of log entries. All methods are safe for
// concurrent use and every read returns a fresh slice in insertion order.
type Sink struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
	total   int64
	dropped int64

	// notifyMu serializes Append so subscribers see entries in buffer order.
	notifyMu sync.Mutex
	subMu    sync.Mutex
	subs     map[int]func(LogEntry)
	nextSub  int
}

// NewSink creates a sink retaining at most max entries. A non-positive max
// uses DefaultMaxEntries.
func NewSink(max int) *Sink {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Sink{
		entries: make([]LogEntry, 0, max),
		max:     max,
		subs:    make(map[int]func(LogEntry)),
	}
}

// Max returns the capacity.
func (s *Sink) Max() int {
	return s.max
}

// Append adds entry, evicting the oldest entries while over capacity, then
// notifies subscribers outside the buffer lock. Notifications are delivered
// in buffer order; subscribers may read the sink but must not append to it.
func (s *Sink) Append(entry LogEntry) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.total++
	evicted := 0
	if over := len(s.entries) - s.max; over > 0 {
		n := copy(s.entries, s.entries[over:])
		clear(s.entries[n:])
		s.entries = s.entries[:n]
		evicted = over
		s.dropped += int64(over)
	}
	s.mu.Unlock()

	if evicted > 0 {
		metrics.LogEntriesEvicted.Add(float64(evicted))
	}

	for _, fn := range s.subscribers() {
		fn(entry)
	}
}

func (s *Sink) subscribers() []func(LogEntry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	fns := make([]func(LogEntry), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// Subscribe registers fn to be called for every appended entry, in
// registration order. The returned cancel func is idempotent.
func (s *Sink) Subscribe(fn func(LogEntry)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Clear removes every retained entry and returns how many there were.
// Totals are kept.
func (s *Sink) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	clear(s.entries)
	s.entries = s.entries[:0]
	return n
}

// Len returns the number of retained entries.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of all retained entries.
func (s *Sink) Entries() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Filter returns entries whose message contains query, ignoring case.
// An empty query returns every entry.
func (s *Sink) Filter(query string) []LogEntry {
	return s.Query(LogFilter{Query: query})
}

// ByCategory returns entries of category cat.
func (s *Sink) ByCategory(cat Category) []LogEntry {
	return s.Query(LogFilter{Categories: []Category{cat}})
}

// Query returns entries matching every set field of f.
func (s *Sink) Query(f LogFilter) []LogEntry {
	needle := strings.ToLower(f.Query)

	s.mu.RLock()
	out := make([]LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.matches(e, needle) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (f LogFilter) matches(e LogEntry, needle string) bool {
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if e.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if needle != "" && !strings.Contains(strings.ToLower(e.Message), needle) {
		return false
	}
	return true
}

// Counts tallies retained entries per category.
func (s *Sink) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, e := range s.entries {
		c.add(e.Category)
	}
	return c
}

// Stats returns throughput counters.
func (s *Sink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalEntries:     s.total,
		AvailableEntries: int64(len(s.entries)),
		Dropped:          s.dropped,
		MaxEntries:       s.max,
	}
}
