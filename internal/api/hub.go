package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/telemetry"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 1 << 12
	sendBuffer  = 64
	closeReason = "server shutting down"

	DefaultHeartbeat = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	id         string
	inverterID string
	send       chan telemetry.Message
	quit       chan struct{}
	quitOnce   sync.Once
}

func (c *client) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// wants reports whether msg is routed to this client. Aggregate clients
// receive every telemetry and aggregate message, inverter clients only the
// telemetry of their inverter.
func (c *client) wants(msg telemetry.Message) bool {
	switch msg.Type {
	case telemetry.TypeTelemetry:
		return c.inverterID == "" || c.inverterID == msg.InverterID
	case telemetry.TypeAggregate:
		return c.inverterID == ""
	default:
		return c.inverterID == "" || msg.InverterID == "" || c.inverterID == msg.InverterID
	}
}

// Hub fans feed messages out to connected WebSocket clients.
type Hub struct {
	heartbeat time.Duration
	log       *logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(heartbeat time.Duration, log *logger.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		heartbeat: heartbeat,
		log:       logger.OrNop(log).Named("hub"),
		clients:   make(map[*client]struct{}),
	}
}

// Broadcast queues msg for every interested client. A client whose buffer
// is full is disconnected.
func (h *Hub) Broadcast(msg telemetry.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Warnw("dropping slow client", "client", c.id)
			c.stop()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// Serve upgrades the request and streams feed messages until the client
// goes away. An empty inverterID subscribes to the aggregate feed.
func (h *Hub) Serve(c *gin.Context, inverterID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	cl := &client{
		id:         uuid.NewString(),
		inverterID: inverterID,
		send:       make(chan telemetry.Message, sendBuffer),
		quit:       make(chan struct{}),
	}
	if !h.register(cl) {
		h.closeWith(conn, websocket.CloseGoingAway, closeReason)
		return
	}
	defer h.unregister(cl)

	log := h.log.With("client", cl.id, "inverter", inverterID)
	log.Debugw("client connected")

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go h.readLoop(conn, done)

	mode := telemetry.ModeAggregate
	if inverterID != "" {
		mode = telemetry.ModeInverter
	}
	info, _ := telemetry.NewMessage(telemetry.TypeInfo, inverterID, map[string]any{
		"clientId": cl.id,
		"mode":     mode,
	})
	info.Message = "connected"
	if err := write(conn, info); err != nil {
		log.Debugw("initial write failed", "err", err)
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		heartbeat.Stop()
		ping.Stop()
	}()

	for {
		select {
		case <-done:
			log.Debugw("client disconnected")
			return
		case <-cl.quit:
			h.closeWith(conn, websocket.CloseGoingAway, closeReason)
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debugw("ping failed", "err", err)
				return
			}
		case <-heartbeat.C:
			hb, _ := telemetry.NewMessage(telemetry.TypeHeartbeat, inverterID, nil)
			if err := write(conn, hb); err != nil {
				log.Debugw("heartbeat failed", "err", err)
				return
			}
		case msg := <-cl.send:
			if err := write(conn, msg); err != nil {
				log.Debugw("write failed", "err", err)
				return
			}
		}
	}
}

// Reject upgrades the request, sends a single error envelope and closes.
func (h *Hub) Reject(c *gin.Context, inverterID, reason string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	msg, _ := telemetry.NewMessage(telemetry.TypeError, inverterID, nil)
	msg.Message = reason
	if err := write(conn, msg); err != nil {
		return
	}
	h.closeWith(conn, websocket.ClosePolicyViolation, reason)
}

// readLoop drains control frames and detects closure.
func (h *Hub) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

func write(conn *websocket.Conn, msg telemetry.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
