package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rconbridge-go/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketManager streams bus events to connected ops clients.
type WebSocketManager struct {
	eventBus    *events.Bus
	logger      *zap.Logger
	connections map[*websocket.Conn]*wsClient
	mu          sync.RWMutex
	register    chan *wsClient
	unregister  chan *wsClient
	stopChan    chan struct{}
	stopOnce    sync.Once
}

type wsClient struct {
	conn         *websocket.Conn
	send         chan []byte
	manager      *WebSocketManager
	events       <-chan events.Event
	filterServer string
	done         chan struct{}
	closeOnce    sync.Once
}

// close signals every pump of this client to stop.
func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewWebSocketManager creates a manager and starts its registration loop.
func NewWebSocketManager(eventBus *events.Bus, logger *zap.Logger) *WebSocketManager {
	manager := &WebSocketManager{
		eventBus:    eventBus,
		logger:      logger.Named("websocket"),
		connections: make(map[*websocket.Conn]*wsClient),
		register:    make(chan *wsClient),
		unregister:  make(chan *wsClient),
		stopChan:    make(chan struct{}),
	}
	go manager.run()
	return manager
}

func (m *WebSocketManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.connections[client.conn] = client
			total := len(m.connections)
			m.mu.Unlock()
			m.logger.Info("WebSocket client registered",
				zap.String("filter_server", client.filterServer),
				zap.Int("total_clients", total))

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.connections[client.conn]; ok {
				delete(m.connections, client.conn)
				client.close()
			}
			total := len(m.connections)
			m.mu.Unlock()
			m.eventBus.Unsubscribe("", client.events)
			m.logger.Info("WebSocket client unregistered", zap.Int("total_clients", total))

		case <-m.stopChan:
			m.mu.Lock()
			for conn, client := range m.connections {
				client.close()
				m.eventBus.Unsubscribe("", client.events)
				_ = conn.Close()
			}
			m.connections = make(map[*websocket.Conn]*wsClient)
			m.mu.Unlock()
			return
		}
	}
}

// Stop closes every client connection.
func (m *WebSocketManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// HandleWebSocket upgrades the request and streams events, limited to
// filterServer when it is set.
func (m *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, filterServer string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		manager:      m,
		events:       m.eventBus.SubscribeAll(),
		filterServer: filterServer,
		done:         make(chan struct{}),
	}

	select {
	case m.register <- client:
	case <-m.stopChan:
		m.eventBus.Unsubscribe("", client.events)
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
	go client.eventPump()
}

// GetActiveConnections returns the number of connected clients.
func (m *WebSocketManager) GetActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// readPump handles pongs and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.close()
		select {
		case c.manager.unregister <- c:
		case <-c.manager.stopChan:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.manager.logger.Warn("WebSocket write error", zap.Error(err))
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

// eventPump forwards matching bus events to the send buffer, dropping when full.
func (c *wsClient) eventPump() {
	defer c.manager.logger.Debug("Event pump stopped for WebSocket client")

	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.events:
			if !ok {
				return
			}
			if c.filterServer != "" && event.ServerName != c.filterServer {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				c.manager.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}
			select {
			case c.send <- data:
			default:
				c.manager.logger.Warn("WebSocket send buffer full, dropping event",
					zap.String("event_type", string(event.Type)))
			}
		}
	}
}
