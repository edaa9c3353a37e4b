// File: internal/server/websocket.go
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames; anything larger is a protocol error.
	maxMessageSize = 4096

	defaultSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard may be served from a dev server on another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between one websocket connection and the manager.
type Client struct {
	id        string
	wsManager *WSManager
	conn      *websocket.Conn
	// Buffered channel of outbound messages, one JSON notification each.
	send chan []byte
}

// readPump drains the connection so pongs and close frames are processed.
// Clients have nothing to say to us.
func (c *Client) readPump() {
	defer func() {
		c.wsManager.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.wsManager.logger.Warn("Websocket client read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps notifications from the manager to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSManager fans hub notifications out to websocket clients. A client whose
// send buffer is full is disconnected rather than allowed to stall the rest.
type WSManager struct {
	hub        Subscriber
	logger     *zap.Logger
	sendBuffer int
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	// stopped is closed when Run returns.
	stopped chan struct{}
	mu      sync.RWMutex
}

// NewWSManager creates a new WSManager. Run must be called for clients to be served.
func NewWSManager(hub Subscriber, sendBuffer int, logger *zap.Logger) *WSManager {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &WSManager{
		hub:        hub,
		logger:     logger.Named("ws_manager"),
		sendBuffer: sendBuffer,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run subscribes to the hub and serves clients until ctx is cancelled. It
// always returns nil; the error is for errgroup.
func (m *WSManager) Run(ctx context.Context) error {
	m.logger.Info("WebSocket Manager started.")
	defer m.logger.Info("WebSocket Manager stopped.")
	defer close(m.stopped)

	notes, unsubscribe := m.hub.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for client := range m.clients {
				close(client.send)
				delete(m.clients, client)
			}
			m.mu.Unlock()
			return nil
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			m.mu.Unlock()
			m.logger.Info("New WebSocket client connected.", zap.String("client_id", client.id))
		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				m.logger.Info("WebSocket client disconnected.", zap.String("client_id", client.id))
			}
			m.mu.Unlock()
		case n, ok := <-notes:
			if !ok {
				// Hub shut down; keep serving register/unregister until ctx ends.
				notes = nil
				continue
			}
			m.broadcast(n)
		}
	}
}

func (m *WSManager) broadcast(n schemas.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		m.logger.Error("Failed to marshal notification", zap.String("type", string(n.Type)), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		select {
		case client.send <- payload:
		default:
			m.logger.Warn("WebSocket client is too slow. Disconnecting.", zap.String("client_id", client.id))
			delete(m.clients, client)
			close(client.send)
		}
	}
}

// Clients returns the number of connected clients.
func (m *WSManager) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *WSManager) join(c *Client) bool {
	select {
	case m.register <- c:
		return true
	case <-m.stopped:
		return false
	}
}

func (m *WSManager) leave(c *Client) {
	select {
	case m.unregister <- c:
	case <-m.stopped:
	}
}

// HandleWS upgrades the request and registers the client. greeting, when set,
// is the first message the client receives.
func (m *WSManager) HandleWS(w http.ResponseWriter, r *http.Request, greeting *schemas.Notification) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		m.logger.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}

	client := &Client{
		id:        uuid.New().String(),
		wsManager: m,
		conn:      conn,
		send:      make(chan []byte, m.sendBuffer),
	}
	if greeting != nil {
		if payload, err := json.Marshal(greeting); err == nil {
			client.send <- payload
		}
	}
	if !m.join(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
