package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brighthub/bncode/internal/bridge"
	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/instrument"
	"github.com/brighthub/bncode/internal/preview"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv      *Server
	manager  *preview.Manager
	listener *bridge.Listener
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	listener := bridge.NewListener()
	manager := preview.NewManager(preview.Options{
		Listener: listener,
		Debounce: 20 * time.Millisecond,
	}, nil)
	t.Cleanup(func() {
		manager.Shutdown(t.Context())
	})
	return &fixture{
		srv:      New(cfg, manager),
		manager:  manager,
		listener: listener,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type renderResponse struct {
	ID     string `json:"id"`
	Src    string `json:"src"`
	Handle struct {
		ID string `json:"id"`
	} `json:"handle"`
}

func TestCreateRenderAndServe(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "demo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPut, "/api/previews/demo/bundle?sync=1", map[string]string{
		"markup": "<p id=\"x\">hello</p>",
		"script": "console.log('hi')",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[renderResponse](t, w)
	require.NotEmpty(t, first.Handle.ID)
	assert.Equal(t, "/sandbox/"+first.Handle.ID, first.Src)

	doc := f.do(t, http.MethodGet, first.Src, nil)
	require.Equal(t, http.StatusOK, doc.Code)
	assert.Equal(t, "no-store", doc.Header().Get("Cache-Control"))
	assert.Contains(t, doc.Body.String(), `<p id="x">hello</p>`)
	assert.Contains(t, doc.Body.String(), "console.log('hi')")
	assert.Contains(t, doc.Body.String(), "postMessage", "instrumentation is injected")

	// Reload issues a fresh handle and the old one stops resolving.
	w = f.do(t, http.MethodPost, "/api/previews/demo/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[renderResponse](t, w)
	assert.NotEqual(t, first.Handle.ID, second.Handle.ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, first.Src, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, second.Src, nil).Code)

	// A successful sync render leaves a success entry.
	p, err := f.manager.Get("demo")
	require.NoError(t, err)
	assert.Len(t, p.Logs().ByCategory(console.CategorySuccess), 1)
}

func TestPutBundle_Debounced(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "d1"}).Code)

	for i := 0; i < 5; i++ {
		w := f.do(t, http.MethodPut, "/api/previews/d1/bundle", map[string]string{"markup": "<p>v</p>"})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	p, err := f.manager.Get("d1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.Renders() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return p.Renders() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "e1"}).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown preview", http.MethodGet, "/api/previews/nope", nil, http.StatusNotFound},
		{"duplicate id", http.MethodPost, "/api/previews", map[string]string{"id": "e1"}, http.StatusConflict},
		{"invalid id", http.MethodPost, "/api/previews", map[string]string{"id": "../x"}, http.StatusBadRequest},
		{"reload before render", http.MethodPost, "/api/previews/e1/reload", nil, http.StatusConflict},
		{"unknown viewport", http.MethodPut, "/api/previews/e1/viewport", map[string]string{"name": "watch"}, http.StatusBadRequest},
		{"missing viewport", http.MethodPut, "/api/previews/e1/viewport", map[string]string{}, http.StatusBadRequest},
		{"bad category", http.MethodGet, "/api/previews/e1/logs?category=debug", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/previews/e1/logs?limit=-2", nil, http.StatusBadRequest},
		{"unknown handle", http.MethodGet, "/sandbox/00000000-0000-0000-0000-000000000000", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, tt.method, tt.path, tt.body).Code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGone, statusFor(preview.ErrPreviewClosed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(preview.ErrShuttingDown))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestViewportKeepsHandle(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]any{
		"id":     "v1",
		"bundle": map[string]string{"markup": "<p>x</p>"},
	}).Code)

	before := decode[previewView](t, f.do(t, http.MethodGet, "/api/previews/v1", nil))
	require.NotEmpty(t, before.State.Handle.ID)

	w := f.do(t, http.MethodPut, "/api/previews/v1/viewport", map[string]string{"name": "Mobile"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	after := decode[previewView](t, f.do(t, http.MethodGet, "/api/previews/v1", nil))
	assert.Equal(t, before.State.Handle.ID, after.State.Handle.ID)
	assert.Equal(t, "375px", after.State.Viewport.Width)
}

func TestLogsEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "l1"}).Code)

	for _, m := range []bridge.Message{
		{Type: instrument.MessageType, LogType: "log", Message: "hello"},
		{Type: instrument.MessageType, LogType: "error", Message: "Error: x"},
		{Type: instrument.MessageType, LogType: "warn", Message: "careful"},
		{Type: instrument.MessageType, LogType: "error", Message: "error: y"},
	} {
		require.True(t, f.listener.Deliver("l1", m))
	}

	type logsResponse struct {
		Entries []console.LogEntry `json:"entries"`
		Stats   console.Stats      `json:"stats"`
	}

	all := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/previews/l1/logs", nil))
	assert.Len(t, all.Entries, 4)
	assert.Equal(t, int64(4), all.Stats.TotalEntries)

	errs := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/previews/l1/logs?q=error", nil))
	require.Len(t, errs.Entries, 2)
	assert.Equal(t, "Error: x", errs.Entries[0].Message)
	assert.Equal(t, "error: y", errs.Entries[1].Message)

	some := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/previews/l1/logs?category=log,warn", nil))
	assert.Len(t, some.Entries, 2)

	newest := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/previews/l1/logs?limit=1", nil))
	require.Len(t, newest.Entries, 1)
	assert.Equal(t, "error: y", newest.Entries[0].Message)

	counts := decode[console.Counts](t, f.do(t, http.MethodGet, "/api/previews/l1/logs/counts", nil))
	assert.Equal(t, console.Counts{Log: 1, Error: 2, Warn: 1}, counts)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/previews/l1/logs", nil).Code)
	cleared := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/previews/l1/logs", nil))
	assert.Empty(t, cleared.Entries)
}

func TestLogsHTML_StripsMarkup(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "h1"}).Code)

	f.listener.Deliver("h1", bridge.Message{
		Type:    instrument.MessageType,
		LogType: "error",
		Message: `<img src=x onerror="alert(1)">bad <b>thing</b>`,
		Stack:   "at <script>run</script>",
	})

	w := f.do(t, http.MethodGet, "/api/previews/h1/logs.html", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.NotContains(t, body, "<img")
	assert.NotContains(t, body, "<b>")
	assert.NotContains(t, body, "<script>run")
	assert.Contains(t, body, "bad thing")
	assert.Contains(t, body, `class="entry error"`)
}

func TestShellPage(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "s1"}).Code)

	w := f.do(t, http.MethodGet, "/preview/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `sandbox="allow-scripts allow-same-origin allow-forms allow-modals"`)
	assert.Contains(t, body, `src="about:blank"`)
	assert.Contains(t, body, "width: 100%")
	assert.Contains(t, body, "/ws/previews/")
	assert.Contains(t, body, "event.source !== frame.contentWindow")
}

func TestClosePreview(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]any{
		"id":     "c1",
		"bundle": map[string]string{"markup": "<p>x</p>"},
	}).Code)
	view := decode[previewView](t, f.do(t, http.MethodGet, "/api/previews/c1", nil))

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/previews/c1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/previews/c1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, view.Src, nil).Code)

	type listResponse struct {
		Previews []previewView `json:"previews"`
	}
	assert.Empty(t, decode[listResponse](t, f.do(t, http.MethodGet, "/api/previews", nil)).Previews)
}

func TestMutatingRoutesRequireExactID(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]any{
		"id":     "lesson-3",
		"bundle": map[string]string{"markup": "<p>old</p>"},
	}).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/previews/lesson", nil).Code,
		"reads still resolve a unique prefix")

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPut, "/api/previews/lesson/bundle?sync=1", map[string]string{"markup": "<p>new</p>"}},
		{http.MethodPost, "/api/previews/lesson/reload", nil},
		{http.MethodPut, "/api/previews/lesson/viewport", map[string]string{"name": "mobile"}},
		{http.MethodDelete, "/api/previews/lesson/logs", nil},
		{http.MethodDelete, "/api/previews/lesson", nil},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, http.StatusNotFound, f.do(t, tt.method, tt.path, tt.body).Code)
		})
	}

	p, err := f.manager.GetExact("lesson-3")
	require.NoError(t, err)
	assert.False(t, p.Closed())
	assert.Equal(t, "<p>old</p>", p.Bundle().Markup)
	assert.Equal(t, int64(1), p.Renders())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, RateBurst: 1})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "r1"}).Code)

	bundle := map[string]string{"markup": "x"}
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPut, "/api/previews/r1/bundle", bundle).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPut, "/api/previews/r1/bundle", bundle).Code)

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/previews/r1", nil).Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Config{AllowedOrigins: []string{"http://editor.test"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/previews", nil)
	req.Header.Set("Origin", "http://editor.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://editor.test", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	w = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bncode_http_requests_total")
}

func TestBridgeSocket(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/previews", map[string]string{"id": "ws1"}).Code)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/previews/ws1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EnvelopeState, env.Type)

	// A frame relayed from the sandbox lands in the sink and echoes back.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"console","logType":"warn","message":"relayed"}`)))
	// Foreign frames are ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"webpackOk"}`)))

	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, EnvelopeLog, env.Type)
	var entry console.LogEntry
	require.NoError(t, json.Unmarshal(env.Payload, &entry))
	assert.Equal(t, console.CategoryWarn, entry.Category)
	assert.Equal(t, "relayed", entry.Message)

	p, err := f.manager.Get("ws1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Logs().Len())

	// Rendering pushes a state frame with the new handle.
	h, err := p.RenderNow(compose.SourceBundle{Markup: "<p>x</p>"})
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, EnvelopeState, env.Type)
	assert.Contains(t, string(env.Payload), h.ID)
}
