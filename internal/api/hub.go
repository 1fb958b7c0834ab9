package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/infrastructure/config"
	"github.com/nerrad567/hearth/internal/infrastructure/logging"
)

const (
	// SystemRecipient addresses the hub itself rather than an entity.
	SystemRecipient = "0"

	MethodGetDevices      = "get_devices"
	MethodGetQuickActions = "get_quick_actions"

	defaultSendBuffer = 256

	// commandTimeout bounds one inbound method call.
	commandTimeout = 10 * time.Second

	errNoSuchRecipient = "no such recipient"
)

// inboundMessage is a frame sent by a UI session.
// ID is a string for entities and the number 0 for the system recipient.
type inboundMessage struct {
	ID   any    `json:"id"`
	M    string `json:"m"`
	Args []any  `json:"args"`
}

// Hub fans device broadcasts out to every UI session and routes inbound
// frames to registry entities.
//
// Thread Safety: All methods are safe for concurrent use.
type Hub struct {
	cfg          config.WebSocketConfig
	logger       *logging.Logger
	registry     *device.Registry
	quickActions []map[string]any
	clients      map[*WSClient]struct{}
	mu           sync.RWMutex
}

var _ device.Sink = (*Hub)(nil)

// WSClient is one connected UI session.
type WSClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub that resolves inbound ids against registry.
func NewHub(cfg config.WebSocketConfig, registry *device.Registry, quickActions []map[string]any, logger *logging.Logger) *Hub {
	if quickActions == nil {
		quickActions = []map[string]any{}
	}
	return &Hub{
		cfg:          cfg,
		logger:       logger.Component("ws"),
		registry:     registry,
		quickActions: quickActions,
		clients:      make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) newClient(conn *websocket.Conn) *WSClient {
	size := h.cfg.SendBuffer
	if size <= 0 {
		size = defaultSendBuffer
	}
	return &WSClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, size),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "session", client.id, "clients", h.ClientCount())
}

// Unregister removes a client. Only the caller that actually removes it
// closes the send channel, so shutdown and disconnect cannot double-close.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "session", client.id, "clients", h.ClientCount())
}

// Broadcast sends {id, ...payload} to every session. It never blocks:
// a session with a full buffer misses the frame.
func (h *Hub) Broadcast(id string, payload map[string]any) {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["id"] = id

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "device", id, "error", err)
		return
	}

	for _, client := range h.snapshot() {
		client.trySend(data)
	}
}

func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client so their pumps exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleInbound routes one frame from client. Replies go to that client only.
func (h *Hub) handleInbound(ctx context.Context, client *WSClient, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("invalid JSON from websocket client", "session", client.id, "error", err)
		return
	}

	id, ok := recipientID(msg.ID)
	if !ok {
		h.logger.Warn("recipient not specified", "session", client.id)
		return
	}
	method := msg.M
	if method == "" {
		method = device.ActionSetSingleState
	}

	if id == SystemRecipient {
		h.handleSystem(client, method)
		return
	}

	if strings.HasPrefix(method, device.PrivateActionPrefix) {
		h.logger.Warn("private method rejected", "session", client.id, "device", id, "method", method)
		client.reply(map[string]any{"id": id, "error": "private method"})
		return
	}

	entity, found := h.registry.Lookup(id)
	if !found {
		h.logger.Warn("no such recipient", "session", client.id, "device", id)
		client.reply(map[string]any{"id": id, "error": errNoSuchRecipient})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := entity.Invoke(callCtx, method, msg.Args...); err != nil {
		level := h.logger.Warn
		if errors.Is(err, device.ErrUnknownAction) || errors.Is(err, device.ErrInvalidArgument) {
			level = h.logger.Info
		}
		level("websocket method failed", "device", id, "method", method, "error", err)
		client.reply(map[string]any{"id": id, "error": err.Error()})
	}
}

func (h *Hub) handleSystem(client *WSClient, method string) {
	switch method {
	case MethodGetDevices:
		entities := h.registry.All()
		devices := make([]device.Serialized, 0, len(entities))
		for _, e := range entities {
			devices = append(devices, e.Serialize())
		}
		client.reply(map[string]any{"id": 0, "m": "devices", "devices": devices})
	case MethodGetQuickActions:
		client.reply(map[string]any{"id": 0, "m": "quick_actions", "quick_actions": h.quickActions})
	default:
		client.reply(map[string]any{"id": 0, "error": "unknown method " + strconv.Quote(method)})
	}
}

// recipientID normalises the id field: strings are used as-is, numbers are
// formatted so that 0 becomes SystemRecipient.
func recipientID(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// handleWebSocket upgrades the connection and starts the session pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.newClient(conn)
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads frames until the connection fails.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error {
		if deadline <= 0 {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "session", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "session", c.id, "error", err)
			}
			return
		}
		// Any frame counts as liveness; some browsers ignore protocol pings.
		//nolint:errcheck // Best-effort deadline reset
		extend()
		c.hub.handleInbound(context.Background(), c, message)
	}
}

// writePump drains the send buffer and keeps the connection alive.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply marshals v and queues it for this session only.
func (c *WSClient) reply(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("failed to marshal reply", "session", c.id, "error", err)
		return
	}
	c.trySend(data)
}

// trySend queues data without blocking. Frames for a full buffer are
// dropped and a closed channel is ignored.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}
