package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/debug"
	"github.com/brighthub/bncode/internal/metrics"
	"github.com/brighthub/bncode/internal/sandbox"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// The shell page is served from this server, but editors embedding it may
// not be, so origin checks are left to CORS on the API.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope is an outbound bridge socket frame.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Outbound frame types.
const (
	EnvelopeLog   = "log"
	EnvelopeState = "state"
)

// bridgeSocket relays frames posted by the sandboxed document, as forwarded
// by the shell page, into the bridge listener, and streams new log entries
// and host state changes back.
func (s *Server) bridgeSocket(c *gin.Context) {
	p, ok := s.lookupExact(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		debug.Warn("server", "websocket upgrade failed: %v", err)
		return
	}
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	out := newOutbox(conn)
	defer out.close()

	out.push(Envelope{Type: EnvelopeState, Payload: p.Host().State()})
	cancelLogs := p.OnLogEntry(func(e console.LogEntry) {
		out.push(Envelope{Type: EnvelopeLog, Payload: e})
	})
	defer cancelLogs()
	cancelState := p.Host().OnChange(func(st sandbox.State) {
		out.push(Envelope{Type: EnvelopeState, Payload: st})
	})
	defer cancelState()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debug.Log("server", "bridge socket for %s closed: %v", p.ID, err)
			}
			return
		}
		s.listener.Receive(p.ID, raw)
	}
}

// outbox serializes writes to a connection. gorilla allows one concurrent
// writer, and sink callbacks arrive from arbitrary goroutines.
type outbox struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newOutbox(conn *websocket.Conn) *outbox {
	o := &outbox{
		conn: conn,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
	o.wg.Add(1)
	go o.writeLoop()
	return o
}

// push queues env without blocking. A client too slow to drain its buffer
// loses frames rather than stalling the sink.
func (o *outbox) push(env Envelope) {
	select {
	case <-o.done:
	case o.send <- env:
	default:
		debug.Warn("server", "dropping %s frame for slow bridge client", env.Type)
	}
}

func (o *outbox) writeLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteJSON(env); err != nil {
				debug.Log("server", "bridge socket write failed: %v", err)
				o.conn.Close()
				<-o.done
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.conn.Close()
				<-o.done
				return
			}
		}
	}
}

func (o *outbox) close() {
	o.once.Do(func() {
		close(o.done)
		o.wg.Wait()
		o.conn.Close()
	})
}
