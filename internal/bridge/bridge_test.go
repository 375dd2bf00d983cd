package bridge

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brighthub/bncode/internal/console"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"log", `{"type":"console","logType":"log","message":"hi"}`, true},
		{"error with stack", `{"type":"console","logType":"error","message":"boom","stack":"at x"}`, true},
		{"extra fields", `{"type":"console","logType":"info","message":"i","source":"react-devtools"}`, true},
		{"foreign type", `{"type":"webpackOk"}`, false},
		{"devtools", `{"source":"react-devtools-bridge","payload":{}}`, false},
		{"type not string", `{"type":1,"logType":"log","message":"x"}`, false},
		{"unknown logType", `{"type":"console","logType":"debug","message":"x"}`, false},
		{"success from sandbox", `{"type":"console","logType":"success","message":"x"}`, false},
		{"message not string", `{"type":"console","logType":"log","message":{"a":1}}`, false},
		{"missing message", `{"type":"console","logType":"log"}`, false},
		{"malformed", `{"type":"console",`, false},
		{"not an object", `"console"`, false},
		{"empty", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Decode([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
		})
	}

	msg, ok := Decode([]byte(`{"type":"console","logType":"error","message":"boom","stack":"at x"}`))
	require.True(t, ok)
	assert.Equal(t, Message{Type: "console", LogType: "error", Message: "boom", Stack: "at x"}, msg)
}

func TestListener_ReceiveAppendsInOrder(t *testing.T) {
	l := NewListener()
	sink := console.NewSink(100)
	release := l.Register("p1", sink)
	defer release()

	for i := 0; i < 5; i++ {
		raw := fmt.Sprintf(`{"type":"console","logType":"log","message":"m%d"}`, i)
		require.True(t, l.Receive("p1", []byte(raw)))
	}

	entries := sink.Entries()
	require.Len(t, entries, 5)
	seen := map[string]bool{}
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("m%d", i), e.Message)
		assert.Equal(t, console.CategoryLog, e.Category)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.False(t, seen[e.ID], "entry ids must be unique")
		seen[e.ID] = true
	}
}

func TestListener_IgnoresForeignMessages(t *testing.T) {
	l := NewListener()
	sink := console.NewSink(100)
	defer l.Register("p1", sink)()

	assert.False(t, l.Receive("p1", []byte(`{"type":"webpackOk"}`)))
	assert.False(t, l.Receive("p1", []byte(`not json`)))
	assert.False(t, l.Receive("p1", []byte(`{"type":"console","logType":"trace","message":"x"}`)))
	assert.Equal(t, 0, sink.Len())
}

func TestListener_UnroutedPreview(t *testing.T) {
	l := NewListener()
	ok := l.Receive("nobody", []byte(`{"type":"console","logType":"log","message":"x"}`))
	assert.False(t, ok)
}

func TestListener_RemountDoesNotDuplicate(t *testing.T) {
	l := NewListener()
	sink := console.NewSink(100)

	first := l.Register("p1", sink)
	second := l.Register("p1", sink)
	assert.Equal(t, 2, l.Refs("p1"))

	l.Receive("p1", []byte(`{"type":"console","logType":"warn","message":"once"}`))
	assert.Equal(t, 1, sink.Len(), "a message must be delivered exactly once")

	first()
	first()
	assert.Equal(t, 1, l.Refs("p1"), "release must be idempotent")

	assert.True(t, l.Receive("p1", []byte(`{"type":"console","logType":"log","message":"still routed"}`)))

	second()
	assert.Equal(t, 0, l.Refs("p1"))
	assert.False(t, l.Receive("p1", []byte(`{"type":"console","logType":"log","message":"gone"}`)))
	assert.Equal(t, 2, sink.Len())
}

func TestListener_Deliver(t *testing.T) {
	l := NewListener()
	sink := console.NewSink(100)
	defer l.Register("p1", sink)()

	ok := l.Deliver("p1", Message{Type: "console", LogType: "error", Message: "x", Stack: "trace"})
	require.True(t, ok)

	e := sink.Entries()[0]
	assert.Equal(t, console.CategoryError, e.Category)
	assert.Equal(t, "trace", e.StackTrace)

	assert.False(t, l.Deliver("p1", Message{Type: "other", LogType: "log", Message: "x"}))
	assert.False(t, l.Deliver("p1", Message{Type: "console", LogType: "success", Message: "x"}))
}

func TestListener_IsolatesPreviews(t *testing.T) {
	l := NewListener()
	a, b := console.NewSink(10), console.NewSink(10)
	defer l.Register("a", a)()
	defer l.Register("b", b)()

	l.Receive("a", []byte(`{"type":"console","logType":"log","message":"for a"}`))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}

func TestListener_ReceiveKeepsNewestHundred(t *testing.T) {
	l := NewListener()
	sink := console.NewSink(100)
	defer l.Register("p1", sink)()

	for i := 1; i <= 150; i++ {
		raw := fmt.Sprintf(`{"type":"console","logType":"log","message":"message %d"}`, i)
		require.True(t, l.Receive("p1", []byte(raw)))
	}

	entries := sink.Entries()
	require.Len(t, entries, 100)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("message %d", i+51), e.Message)
	}
	assert.Equal(t, int64(50), sink.Stats().Dropped)
}

func TestListener_ReleasingNewerSinkRoutesBack(t *testing.T) {
	l := NewListener()
	first, second := console.NewSink(10), console.NewSink(10)

	releaseFirst := l.Register("p1", first)
	releaseSecond := l.Register("p1", second)
	assert.Equal(t, 2, l.Refs("p1"))

	l.Receive("p1", []byte(`{"type":"console","logType":"log","message":"to second"}`))
	assert.Equal(t, 1, second.Len())
	assert.Equal(t, 0, first.Len())

	releaseSecond()
	require.True(t, l.Receive("p1", []byte(`{"type":"console","logType":"log","message":"to first"}`)))
	assert.Equal(t, 1, second.Len(), "a released sink must not receive messages")
	assert.Equal(t, 1, first.Len())

	releaseFirst()
	assert.Equal(t, 0, l.Refs("p1"))
	assert.False(t, l.Receive("p1", []byte(`{"type":"console","logType":"log","message":"gone"}`)))
}

func TestListener_ReleasingOlderSinkKeepsNewer(t *testing.T) {
	l := NewListener()
	first, second := console.NewSink(10), console.NewSink(10)

	releaseFirst := l.Register("p1", first)
	defer l.Register("p1", second)()
	releaseFirst()

	require.True(t, l.Receive("p1", []byte(`{"type":"console","logType":"log","message":"x"}`)))
	assert.Equal(t, 1, second.Len())
	assert.Equal(t, 0, first.Len())
}
