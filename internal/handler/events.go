package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/CageChen/plugdeck/internal/control"
	"github.com/CageChen/plugdeck/internal/watcher"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Same-origin UI plus dev servers
	},
}

// Message types pushed to clients.
const (
	MessageFileChange = "fileChange"
	MessageStatus     = "status"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ConnRecorder tracks the number of open connections.
type ConnRecorder interface {
	Connections(n int)
}

type nopConnRecorder struct{}

func (nopConnRecorder) Connections(int) {}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub pushes file changes and container state to WebSocket clients
type EventHub struct {
	clients  map[*wsClient]struct{}
	mu       sync.RWMutex
	snapshot func() control.Snapshot
	recorder ConnRecorder
	logger   *zap.Logger
}

// NewEventHub creates a hub. snapshot, if set, provides the state sent to
// each client on connect.
func NewEventHub(snapshot func() control.Snapshot, recorder ConnRecorder, logger *zap.Logger) *EventHub {
	if recorder == nil {
		recorder = nopConnRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		clients:  make(map[*wsClient]struct{}),
		snapshot: snapshot,
		recorder: recorder,
		logger:   logger,
	}
}

// HandleWS handles WebSocket upgrade and connection
func (h *EventHub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.addClient(client)
	go h.writePump(client)

	if h.snapshot != nil {
		if data, err := encode(MessageStatus, h.snapshot()); err == nil {
			h.deliver(client, data)
		}
	}

	// Clients only listen; reads keep the pong handler running.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.removeClient(client)
}

func (h *EventHub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// OnFileChange is called when a file change is detected
func (h *EventHub) OnFileChange(event watcher.Event) {
	eventType := string(event.Type)
	if event.Type == watcher.EventWrite {
		eventType = "update"
	}
	h.broadcast(MessageFileChange, map[string]string{
		"event": eventType,
		"path":  event.Path,
	})
}

// OnStatus is called when the controller snapshot changes
func (h *EventHub) OnStatus(snap control.Snapshot) {
	h.broadcast(MessageStatus, snap)
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.recorder.Connections(0)
}

func (h *EventHub) addClient(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	h.recorder.Connections(len(h.clients))
}

func (h *EventHub) removeClient(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.recorder.Connections(len(h.clients))
}

func encode(typ string, payload any) ([]byte, error) {
	return sonic.Marshal(WSMessage{Type: typ, Payload: payload})
}

func (h *EventHub) broadcast(typ string, payload any) {
	data, err := encode(typ, payload)
	if err != nil {
		h.logger.Error("encode websocket message", zap.String("type", typ), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.deliverLocked(client, data)
	}
}

func (h *EventHub) deliver(client *wsClient, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; ok {
		h.deliverLocked(client, data)
	}
}

// deliverLocked queues data without blocking; a client whose buffer is full
// misses the message. Callers hold h.mu.
func (h *EventHub) deliverLocked(client *wsClient, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn("dropping websocket message for slow client")
	}
}
