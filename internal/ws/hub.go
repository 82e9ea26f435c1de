package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup"
	"github.com/devicekit/backupd/internal/infrastructure/monitoring"
	"github.com/devicekit/backupd/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

const (
	writeWait = 10 * time.Second
	// Slow consumers are dropped rather than allowed to stall broadcasts.
	sendBuffer = 64
)

// Event is one message pushed to connected clients.
type Event struct {
	Type      string `json:"type"`
	Producer  string `json:"producer,omitempty"`
	Result    string `json:"result,omitempty"`
	Expected  int64  `json:"expected,omitempty"`
	SoFar     int64  `json:"sofar,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans backup events out to WebSocket subscribers. It implements
// backup.Observer so it can sit directly in a run's observer chain.
type Hub struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger, metrics *monitoring.Metrics) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		log:     log.Named("ws"),
		metrics: metrics,
		conns:   make(map[*websocket.Conn]chan []byte),
	}
}

// HandleConnection handles WebSocket upgrade and the connection lifecycle.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan []byte, sendBuffer)

	h.mu.Lock()
	h.conns[conn] = send
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnected()
	}
	h.log.Debug("Client connected", zap.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(conn, send)
	h.readLoop(conn)
}

// writeLoop drains the send channel onto the connection.
func (h *Hub) writeLoop(conn *websocket.Conn, send chan []byte) {
	for msg := range send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(conn)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, nil)
}

// readLoop consumes client frames until the connection closes. Clients
// only send pings; everything else is ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drop removes a connection and closes it. Safe to call twice.
func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	close(send)
	conn.Close()
	if h.metrics != nil {
		h.metrics.WSDisconnected()
	}
}

// Broadcast pushes an event to every connected client. Clients whose
// send buffer is full miss the event instead of blocking the run.
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	msg, err := sonic.Marshal(ev)
	if err != nil {
		h.log.Error("Marshal event failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, send := range h.conns {
		select {
		case send <- msg:
		default:
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// OnProducerResult implements backup.Observer.
func (h *Hub) OnProducerResult(name string, code backup.ResultCode) {
	h.Broadcast(Event{Type: "producer_result", Producer: name, Result: code.String()})
}

// OnProgress implements backup.Observer.
func (h *Hub) OnProgress(name string, expected, sofar int64) {
	h.Broadcast(Event{Type: "progress", Producer: name, Expected: expected, SoFar: sofar})
}

// OnRunFinished implements backup.Observer.
func (h *Hub) OnRunFinished(code backup.ResultCode) {
	h.Broadcast(Event{Type: "run_finished", Result: code.String()})
}
