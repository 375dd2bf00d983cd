package console

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func entry(cat Category, msg string) LogEntry {
	return LogEntry{
		ID:        msg,
		Category:  cat,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

func TestSink_Append(t *testing.T) {
	sink := NewSink(10)
	sink.Append(entry(CategoryLog, "hello"))

	stats := sink.Stats()
	if stats.TotalEntries != 1 {
		t.Errorf("Expected 1 entry, got %d", stats.TotalEntries)
	}
	if stats.AvailableEntries != 1 {
		t.Errorf("Expected 1 available entry, got %d", stats.AvailableEntries)
	}
}

func TestSink_DefaultMax(t *testing.T) {
	if got := NewSink(0).Max(); got != DefaultMaxEntries {
		t.Errorf("expected default max %d, got %d", DefaultMaxEntries, got)
	}
	if got := NewSink(-5).Max(); got != DefaultMaxEntries {
		t.Errorf("expected default max %d, got %d", DefaultMaxEntries, got)
	}
}

func TestSink_EvictsOldestFirst(t *testing.T) {
	sink := NewSink(100)

	for i := 1; i <= 150; i++ {
		sink.Append(entry(CategoryLog, fmt.Sprintf("message %d", i)))
	}

	entries := sink.Entries()
	if len(entries) != 100 {
		t.Fatalf("expected 100 entries, got %d", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("message %d", i+51)
		if e.Message != want {
			t.Fatalf("entry %d: expected %q, got %q", i, want, e.Message)
		}
	}

	stats := sink.Stats()
	if stats.TotalEntries != 150 {
		t.Errorf("Expected 150 total entries, got %d", stats.TotalEntries)
	}
	if stats.Dropped != 50 {
		t.Errorf("Expected 50 dropped entries, got %d", stats.Dropped)
	}
}

func TestSink_Filter(t *testing.T) {
	sink := NewSink(100)
	sink.Append(entry(CategoryError, "Error: x"))
	sink.Append(entry(CategoryLog, "ok"))
	sink.Append(entry(CategoryError, "error: y"))

	results := sink.Filter("error")
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	if results[0].Message != "Error: x" || results[1].Message != "error: y" {
		t.Errorf("expected insertion order, got %q then %q", results[0].Message, results[1].Message)
	}

	if got := sink.Filter(""); len(got) != 3 {
		t.Errorf("empty query should return all entries, got %d", len(got))
	}
	if got := sink.Filter("missing"); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestSink_FilterReturnsFreshSlice(t *testing.T) {
	sink := NewSink(10)
	sink.Append(entry(CategoryLog, "a"))

	results := sink.Filter("")
	results[0].Message = "mutated"

	if sink.Entries()[0].Message != "a" {
		t.Error("mutating a result slice should not affect the sink")
	}
}

func TestSink_CountsMatchByCategory(t *testing.T) {
	sink := NewSink(5)
	cats := []Category{CategoryLog, CategoryError, CategoryWarn, CategoryError, CategoryInfo, CategorySuccess, CategoryError}
	for i, c := range cats {
		sink.Append(entry(c, fmt.Sprintf("m%d", i)))
	}

	counts := sink.Counts()
	for _, c := range Categories() {
		if counts.Get(c) != len(sink.ByCategory(c)) {
			t.Errorf("category %s: counts=%d, ByCategory=%d", c, counts.Get(c), len(sink.ByCategory(c)))
		}
	}
	if counts.Error != 2 {
		t.Errorf("expected 2 retained errors after eviction, got %d", counts.Error)
	}
}

func TestSink_Query(t *testing.T) {
	sink := NewSink(100)
	for i := 0; i < 5; i++ {
		sink.Append(entry(CategoryLog, fmt.Sprintf("log %d", i)))
		sink.Append(entry(CategoryWarn, fmt.Sprintf("warn %d", i)))
	}

	tests := []struct {
		name     string
		filter   LogFilter
		expected int
	}{
		{"no filter", LogFilter{}, 10},
		{"category", LogFilter{Categories: []Category{CategoryWarn}}, 5},
		{"two categories", LogFilter{Categories: []Category{CategoryWarn, CategoryLog}}, 10},
		{"query and category", LogFilter{Query: "3", Categories: []Category{CategoryLog}}, 1},
		{"limit", LogFilter{Limit: 3}, 3},
		{"since future", LogFilter{Since: time.Now().Add(time.Hour)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sink.Query(tt.filter); len(got) != tt.expected {
				t.Errorf("expected %d entries, got %d", tt.expected, len(got))
			}
		})
	}

	limited := sink.Query(LogFilter{Limit: 2})
	if limited[1].Message != "warn 4" {
		t.Errorf("limit should keep the newest entries, got %q", limited[1].Message)
	}
}

func TestSink_Clear(t *testing.T) {
	sink := NewSink(10)
	for i := 0; i < 5; i++ {
		sink.Append(entry(CategoryLog, "x"))
	}

	if n := sink.Clear(); n != 5 {
		t.Errorf("Expected Clear to report 5 removed entries, got %d", n)
	}

	if sink.Len() != 0 {
		t.Errorf("Expected 0 entries after clear, got %d", sink.Len())
	}
	if sink.Counts() != (Counts{}) {
		t.Error("Expected zero counts after clear")
	}
	if sink.Stats().TotalEntries != 5 {
		t.Error("Clear should not reset the total counter")
	}
}

func TestSink_Subscribe(t *testing.T) {
	sink := NewSink(10)

	var got []string
	cancel := sink.Subscribe(func(e LogEntry) {
		got = append(got, e.Message)
	})

	sink.Append(entry(CategoryLog, "one"))
	sink.Append(entry(CategoryLog, "two"))
	cancel()
	cancel()
	sink.Append(entry(CategoryLog, "three"))

	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("expected [one two], got %v", got)
	}
}

func TestSink_SubscriberMayReadSink(t *testing.T) {
	sink := NewSink(10)
	var seen int
	sink.Subscribe(func(LogEntry) {
		seen = sink.Len()
	})

	sink.Append(entry(CategoryLog, "x"))
	if seen != 1 {
		t.Errorf("subscriber should observe the appended entry, saw %d", seen)
	}
}

func TestSink_ConcurrentAppend(t *testing.T) {
	sink := NewSink(50)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sink.Append(entry(CategoryInfo, fmt.Sprintf("%d-%d", g, i)))
				_ = sink.Filter("1")
				_ = sink.Counts()
			}
		}(g)
	}
	wg.Wait()

	stats := sink.Stats()
	if stats.TotalEntries != 1000 {
		t.Errorf("expected 1000 total, got %d", stats.TotalEntries)
	}
	if stats.AvailableEntries != 50 {
		t.Errorf("expected 50 available, got %d", stats.AvailableEntries)
	}
}

func TestSink_SubscribersSeeBufferOrder(t *testing.T) {
	sink := NewSink(1000)

	var (
		mu  sync.Mutex
		got []string
	)
	sink.Subscribe(func(e LogEntry) {
		mu.Lock()
		got = append(got, e.Message)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sink.Append(entry(CategoryLog, fmt.Sprintf("%d-%d", g, i)))
			}
		}(g)
	}
	wg.Wait()

	entries := sink.Entries()
	if len(got) != len(entries) {
		t.Fatalf("expected %d notifications, got %d", len(entries), len(got))
	}
	for i, e := range entries {
		if got[i] != e.Message {
			t.Fatalf("notification %d = %q; buffer holds %q", i, got[i], e.Message)
		}
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"log", CategoryLog, true},
		{"error", CategoryError, true},
		{"success", CategorySuccess, true},
		{"debug", "", false},
		{"LOG", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCategory(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseCategory(%q) = %q, %v; expected %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}
