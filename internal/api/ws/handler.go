// Package ws pushes workspace and stream events to connected view
// adapters over WebSocket. Delivery is fan-out and best-effort; the REST
// surface remains the source of truth for state reads.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paperscope/backend/internal/domain/workspace"
	"github.com/paperscope/backend/internal/infrastructure/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

const writeTimeout = 10 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cl *client) write(data []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cl.conn.WriteMessage(websocket.TextMessage, data)
}

func (cl *client) writeJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return cl.write(data)
}

// Handler manages WebSocket connections and event fan-out
type Handler struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// WithMetrics adds metrics tracking to the handler
func (h *Handler) WithMetrics(metrics *monitoring.Metrics) *Handler {
	h.metrics = metrics
	return h
}

// Broadcast pushes a workspace event to every connected client. Clients
// that fail to accept the write are dropped.
func (h *Handler) Broadcast(event workspace.Event) {
	data, err := sonic.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		if err := cl.write(data); err != nil {
			h.logger.Debug("dropping unresponsive client", zap.Error(err))
			h.remove(cl)
		}
	}

	if h.metrics != nil {
		h.metrics.RecordWSMessage("out", string(event.Kind))
	}
}

// HandleConnection handles WebSocket upgrade and the inbound read loop
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	defer func() {
		h.remove(cl)
		if h.metrics != nil {
			h.metrics.DecWSConnections()
		}
	}()

	cl.writeJSON(gin.H{
		"type":    "system",
		"message": "Connected to Paperscope Workspace (Go)",
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := sonic.Unmarshal(data, &msg); err != nil {
			cl.writeJSON(gin.H{"type": "error", "message": "malformed message"})
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		switch msg.Type {
		case "ping":
			cl.writeJSON(gin.H{"type": "pong"})
		default:
			cl.writeJSON(gin.H{"type": "error", "message": "unknown message type"})
		}
	}
}

// Close disconnects every client, typically during shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, cl := range clients {
		cl.conn.Close()
	}
}

func (h *Handler) remove(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		h.mu.Unlock()
		cl.conn.Close()
		return
	}
	h.mu.Unlock()
}
