package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/brighthub/bncode/internal/console"
)

// strictPolicy strips every tag from console messages before they are
// embedded in the HTML export.
var strictPolicy = bluemonday.StrictPolicy()

var shellTemplate = template.Must(template.New("shell.html").Funcs(template.FuncMap{
	"clean": func(s string) template.HTML {
		return template.HTML(strictPolicy.Sanitize(s))
	},
	"stamp": func(t time.Time) string {
		return t.Format("15:04:05.000")
	},
}).Parse(shellHTML))

func init() {
	template.Must(shellTemplate.New("logs.html").Parse(logsHTML))
}

type shellData struct {
	ID       string
	Src      template.URL
	Sandbox  string
	Width    string
	Viewport string
	Presets  []string
	Entries  []console.LogEntry
}

// shell renders the host page: the sandboxed frame plus a console panel
// fed by the bridge WebSocket.
func (s *Server) shell(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	state := p.Host().State()
	data := shellData{
		ID:       p.ID,
		Src:      template.URL(state.Src()),
		Sandbox:  state.Sandbox,
		Width:    state.Viewport.Width,
		Viewport: state.Viewport.Name,
		Entries:  p.Logs().Entries(),
	}
	for _, preset := range p.Presets() {
		data.Presets = append(data.Presets, preset.Name)
	}
	c.Header("Cache-Control", "no-store")
	c.HTML(http.StatusOK, "shell.html", data)
}

type logsData struct {
	ID      string
	Entries []console.LogEntry
	Counts  console.Counts
	Stats   console.Stats
}

// logsHTML exports the filtered console as a standalone HTML page.
func (s *Server) logsHTML(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	f, err := parseFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.HTML(http.StatusOK, "logs.html", logsData{
		ID:      p.ID,
		Entries: p.Logs().Query(f),
		Counts:  p.Logs().Counts(),
		Stats:   p.Logs().Stats(),
	})
}

const shellHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Preview {{.ID}}</title>
<style>
body { margin: 0; font-family: system-ui, sans-serif; background: #1e1e1e; color: #ddd; }
#bar { display: flex; gap: 8px; padding: 6px 10px; background: #252526; }
#bar button.active { font-weight: bold; }
#stage { display: flex; justify-content: center; background: #333; height: 60vh; }
#frame { border: 0; background: #fff; height: 100%; }
#console { height: 35vh; overflow: auto; font: 12px monospace; padding: 4px 10px; }
.entry { padding: 2px 0; border-bottom: 1px solid #2d2d2d; white-space: pre-wrap; }
.error { color: #f48771; } .warn { color: #cca700; } .info { color: #75beff; } .success { color: #89d185; }
</style>
</head>
<body>
<div id="bar">
{{range .Presets}}<button data-viewport="{{.}}"{{if eq . $.Viewport}} class="active"{{end}}>{{.}}</button>{{end}}
<button id="reload">Reload</button>
<button id="clear">Clear console</button>
</div>
<div id="stage">
<iframe id="frame" title="preview" sandbox="{{.Sandbox}}" src="{{.Src}}" style="width: {{.Width}}"></iframe>
</div>
<div id="console">
{{range .Entries}}<div class="entry {{.Category}}">[{{stamp .Timestamp}}] {{.Message}}</div>
{{end}}</div>
<script>
(function() {
  var id = {{.ID}};
  var frame = document.getElementById('frame');
  var panel = document.getElementById('console');
  var api = '/api/previews/' + encodeURIComponent(id);
  var scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
  var ws = new WebSocket(scheme + location.host + '/ws/previews/' + encodeURIComponent(id));
  var backlog = [];

  window.addEventListener('message', function(event) {
    if (event.source !== frame.contentWindow) {
      return;
    }
    var data;
    try {
      data = JSON.stringify(event.data);
    } catch (e) {
      return;
    }
    if (ws.readyState === WebSocket.OPEN) {
      ws.send(data);
    } else {
      backlog.push(data);
    }
  });

  ws.onopen = function() {
    while (backlog.length) {
      ws.send(backlog.shift());
    }
  };

  ws.onmessage = function(event) {
    var msg = JSON.parse(event.data);
    if (msg.type === 'log') {
      var div = document.createElement('div');
      div.className = 'entry ' + msg.payload.category;
      div.textContent = msg.payload.message;
      panel.appendChild(div);
      panel.scrollTop = panel.scrollHeight;
    } else if (msg.type === 'state') {
      var state = msg.payload;
      frame.style.width = state.viewport.width;
      frame.setAttribute('sandbox', state.sandbox);
      var src = state.handle.id ? '/sandbox/' + state.handle.id : 'about:blank';
      if (frame.getAttribute('src') !== src) {
        frame.setAttribute('src', src);
      }
      var buttons = document.querySelectorAll('[data-viewport]');
      for (var i = 0; i < buttons.length; i++) {
        buttons[i].className = buttons[i].getAttribute('data-viewport') === state.viewport.name ? 'active' : '';
      }
    }
  };

  document.getElementById('bar').addEventListener('click', function(event) {
    var name = event.target.getAttribute('data-viewport');
    if (name) {
      fetch(api + '/viewport', {method: 'PUT', headers: {'Content-Type': 'application/json'}, body: JSON.stringify({name: name})});
    } else if (event.target.id === 'reload') {
      fetch(api + '/reload', {method: 'POST'});
    } else if (event.target.id === 'clear') {
      fetch(api + '/logs', {method: 'DELETE'}).then(function() { panel.innerHTML = ''; });
    }
  });
})();
</script>
</body>
</html>
`

const logsHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Console {{.ID}}</title>
<style>
body { font: 13px monospace; margin: 16px; }
.entry { padding: 2px 0; border-bottom: 1px solid #eee; white-space: pre-wrap; }
.error { color: #c00; } .warn { color: #a60; } .info { color: #06c; } .success { color: #080; }
.stack { color: #888; margin-left: 2em; }
</style>
</head>
<body>
<h1>Console {{.ID}}</h1>
<p>log {{.Counts.Log}} &middot; error {{.Counts.Error}} &middot; warn {{.Counts.Warn}} &middot; info {{.Counts.Info}} &middot; success {{.Counts.Success}} &middot; dropped {{.Stats.Dropped}}</p>
{{range .Entries}}<div class="entry {{.Category}}">[{{stamp .Timestamp}}] {{clean .Message}}{{if .StackTrace}}<div class="stack">{{clean .StackTrace}}</div>{{end}}</div>
{{else}}<p>No entries.</p>
{{end}}</body>
</html>
`
