package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/pcsc"
	"github.com/SimplyPrint/mifare-agent/internal/session"
)

const (
	wsReadLimit    = 512 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Code    string          `json:"code,omitempty"`    // Error code for failed card commands
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	server *Server

	mu     sync.Mutex
	closed bool
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// closing every client.
func (h *WSHub) Run(ctx context.Context) {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.enqueue(message) {
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Count returns the number of connected clients.
func (h *WSHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *WSHub) Broadcast(msgType string, payload any) {
	payloadBytes, _ := json.Marshal(payload)
	message, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
	select {
	case h.broadcast <- message:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast queue full, message dropped", map[string]any{
			"type": msgType,
		})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		hub:    s.hub,
		server: s,
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	go client.writePump()
	go client.readPump()
}

// enqueue queues message without blocking. It reports false if the client
// is closed or too far behind.
func (c *WSClient) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Deliver implements Listener.
func (c *WSClient) Deliver(e session.Event) {
	c.sendResponse("", "card_event", e)
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		if c.server.sink.Unlisten(c) {
			logging.Info(logging.CatWebSocket, "Listener disconnected", nil)
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "start_scan":
		c.server.StartScan()
		c.sendResponse(msg.ID, "scan_started", map[string]bool{"success": true})
	case "listen":
		c.handleListen(msg.ID)
	case "unlisten":
		c.server.sink.Unlisten(c)
		c.sendResponse(msg.ID, "unlistened", map[string]bool{"listening": false})
	case "write_data":
		c.handleWriteData(msg.ID, msg.Payload)
	case "clear_card":
		c.handleClearCard(msg.ID, msg.Payload)
	case "rescan":
		c.handleRescan(msg.ID)
	case "get_card":
		c.handleGetCard(msg.ID)
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "version":
		c.sendResponse(msg.ID, "version", VersionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.server.health())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload any) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	if !c.enqueue(responseBytes) {
		logging.Debug(logging.CatWebSocket, "Dropped message for closed client", map[string]any{
			"type": msgType,
		})
	}
}

func (c *WSClient) sendError(id string, errMsg string) {
	c.sendCodedError(id, "", errMsg)
}

func (c *WSClient) sendCodedError(id, code, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
		Code:  code,
	}
	responseBytes, _ := json.Marshal(response)
	c.enqueue(responseBytes)
}

func (c *WSClient) sendCommandError(id string, err error) {
	ce := commandError(err)
	c.sendCodedError(id, ce.Code, ce.Message)
}

// handleListen makes this client the single event listener, displacing
// any other.
func (c *WSClient) handleListen(id string) {
	c.server.sink.Listen(c)
	logging.Info(logging.CatWebSocket, "Client listening for card events", nil)
	c.sendResponse(id, "listening", map[string]bool{"listening": true})
}

func (c *WSClient) handleWriteData(id string, payload json.RawMessage) {
	var req writeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	out, err := c.server.WriteData(req.Data, req.IsHex)
	if err != nil {
		c.sendCommandError(id, err)
		return
	}
	c.sendResponse(id, "write_success", map[string]any{
		"success": true,
		"result":  out,
	})
}

func (c *WSClient) handleClearCard(id string, payload json.RawMessage) {
	var req clearRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendError(id, "invalid payload")
			return
		}
	}
	if !req.Confirm {
		c.sendError(id, "must set confirm=true to clear the card")
		return
	}

	out, err := c.server.ClearCard()
	if err != nil {
		c.sendCommandError(id, err)
		return
	}
	c.sendResponse(id, "clear_success", map[string]any{
		"success": true,
		"result":  out,
	})
}

func (c *WSClient) handleRescan(id string) {
	snap, err := c.server.Rescan()
	if err != nil {
		c.sendCommandError(id, err)
		return
	}
	c.sendResponse(id, "card", snap)
}

func (c *WSClient) handleGetCard(id string) {
	event, ok := c.server.sink.Latest()
	if !ok {
		c.sendError(id, "no card has been read")
		return
	}
	c.sendResponse(id, "card_event", event)
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := pcsc.ListReaders(c.server.factory)
	if err != nil {
		readers = []pcsc.Reader{}
	}
	c.sendResponse(id, "readers", readers)
}
