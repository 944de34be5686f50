package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope every push-channel frame uses.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler is the push channel (spec §6): a persistent
// full-duplex connection receiving JobUpdate, SubjectUpdate,
// SupervisorStatus, and SupervisorLog messages. Its Run loop is the
// registered foreground execution context (spec §4.3): bus deliveries
// are scheduled onto it, so a single goroutine owns all client writes.
type WebSocketHandler struct {
	logger      arbor.ILogger
	bus         *bus.Bus
	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	unsubscribe func()
}

// NewWebSocketHandler creates the handler and subscribes it to the
// progress bus as a global listener.
func NewWebSocketHandler(b *bus.Bus, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:  logger,
		bus:     b,
		clients: make(map[*websocket.Conn]bool),
	}

	h.unsubscribe = b.Subscribe("", func(ctx context.Context, event bus.Event) {
		msg, ok := h.translate(event)
		if !ok {
			return
		}
		b.ScheduleForeground(ctx, func() { h.broadcast(msg) })
	})

	return h
}

// Run drains foreground deliveries until ctx is done. Call on its own
// goroutine; this goroutine is the foreground context.
func (h *WebSocketHandler) Run(ctx context.Context) {
	h.bus.RunForeground(bus.WithForeground(ctx))
}

func (h *WebSocketHandler) translate(event bus.Event) (WSMessage, bool) {
	switch event.Kind {
	case bus.EventJobUpdate:
		return WSMessage{Type: "JobUpdate", Payload: event.Job}, true
	case bus.EventSubjectUpdate:
		return WSMessage{Type: "SubjectUpdate", Payload: map[string]interface{}{
			"subject_id": event.SubjectID,
			"status":     event.Status,
		}}, true
	case bus.EventSupervisorStatus:
		return WSMessage{Type: "SupervisorStatus", Payload: event.Data}, true
	case bus.EventSupervisorLog:
		return WSMessage{Type: "SupervisorLog", Payload: event.Data}, true
	default:
		return WSMessage{}, false
	}
}

// HandleWebSocket upgrades the connection and parks a reader goroutine
// to detect client disconnects.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Msg("websocket client connected")

	go h.reader(conn)
}

func (h *WebSocketHandler) reader(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	h.logger.Debug().Msg("websocket client disconnected")
}

// broadcast writes msg to every connected client. Runs only on the
// foreground goroutine, so writes never interleave.
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			h.drop(conn)
		}
	}
}

// CloseAll unsubscribes from the bus and closes every client.
func (h *WebSocketHandler) CloseAll() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}
