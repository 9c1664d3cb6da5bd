package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/common"
	"github.com/ternarybob/maestro/internal/events"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, any origin
	},
}

// closeJobNotFound is the close code sent when the socket names an
// unknown job.
const closeJobNotFound = 4404

const wsWriteTimeout = 10 * time.Second

// wsClient is one connected socket. Writes are serialized through mu
// because gorilla/websocket allows a single concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// WebSocketHandler serves the per-job socket at /ws/jobs/{id} and
// fans service log lines out to every connected client.
type WebSocketHandler struct {
	store        *jobs.Store
	bus          *events.Bus
	pingInterval time.Duration
	logger       arbor.ILogger

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewWebSocketHandler(store *jobs.Store, bus *events.Bus, pingInterval time.Duration, logger arbor.ILogger) *WebSocketHandler {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	return &WebSocketHandler{
		store:        store,
		bus:          bus,
		pingInterval: pingInterval,
		logger:       logger,
		clients:      make(map[*wsClient]bool),
	}
}

// HandleJobSocket upgrades /ws/jobs/{id} and pumps job events to the
// client until the job finishes or the client leaves.
func (h *WebSocketHandler) HandleJobSocket(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}

	job, err := h.store.Get(jobID)
	if err != nil {
		// Accept first so the client gets a structured error, then
		// close with the job-not-found application code.
		client.writeJSON(map[string]any{"error": "job not found"})
		h.closeWith(client, closeJobNotFound, "job not found")
		return
	}

	h.register(client)
	defer h.unregister(client)

	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client connected")

	sub := h.bus.Subscribe(jobID)
	defer h.bus.Unsubscribe(sub)

	if err := client.writeJSON(h.frame("snapshot", job, nil)); err != nil {
		return
	}
	if job.Status.IsTerminal() {
		h.closeWith(client, websocket.CloseNormalClosure, "")
		return
	}

	// Reader pump: discard client frames, surface the close.
	clientGone := make(chan struct{})
	common.SafeGo(h.logger, "ws-reader", func() {
		defer close(clientGone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client disconnected")
			return
		case <-ping.C:
			if err := client.ping(); err != nil {
				return
			}
		case event, open := <-sub.C:
			if !open {
				h.closeWith(client, websocket.CloseNormalClosure, "")
				return
			}
			current, err := h.store.Get(jobID)
			if err != nil {
				client.writeJSON(map[string]any{"error": "job not found"})
				h.closeWith(client, closeJobNotFound, "job not found")
				return
			}
			if err := client.writeJSON(h.frame(event.Name, current, event.Data)); err != nil {
				return
			}
		}
	}
}

// BroadcastLog pushes a service log frame to every connected client.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	frame := map[string]any{
		"type":      "service_log",
		"timestamp": entry.Timestamp,
		"level":     entry.Level,
		"message":   entry.Message,
	}
	for _, client := range clients {
		client.writeJSON(frame)
	}
}

// ClientCount reports connected sockets.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// frame renders the compact socket view of a job event. Progress is a
// percentage; message and hint resolve from the event data with the
// job record as fallback.
func (h *WebSocketHandler) frame(eventName string, job *models.Job, data map[string]any) map[string]any {
	frame := map[string]any{
		"type":      eventName,
		"job_id":    job.ID,
		"status":    string(job.Status),
		"stage":     job.Stage,
		"progress":  models.ProgressPercent(job.Progress),
		"message":   resolveText(data, job.Message),
		"hint":      resolveHint(data),
		"logs_tail": job.LogsTail(logsTailSize),
	}
	if eventName == "failed" && job.Error != nil {
		frame["error"] = job.Error.Map()
	}
	return frame
}

// resolveText picks the display text from event data, trying message,
// text, then line, falling back to the job's message.
func resolveText(data map[string]any, fallback string) string {
	for _, key := range []string{"message", "text", "line"} {
		if value, ok := data[key].(string); ok && value != "" {
			return value
		}
	}
	return fallback
}

func resolveHint(data map[string]any) string {
	for _, key := range []string{"hint", "phase"} {
		if value, ok := data[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func (h *WebSocketHandler) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

func (h *WebSocketHandler) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.conn.Close()
}

func (h *WebSocketHandler) closeWith(client *wsClient, code int, reason string) {
	client.mu.Lock()
	client.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteTimeout),
	)
	client.mu.Unlock()
	client.conn.Close()
}
