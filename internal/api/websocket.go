package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType labels a WebSocket payload.
type MessageType string

const (
	MsgTypeStrategyEvent MessageType = "strategy_event"
	MsgTypeOrderUpdate    MessageType = "order_update"
	MsgTypeHeartbeat      MessageType = "heartbeat"
	MsgTypeSubscribe      MessageType = "subscribe"
	MsgTypeUnsubscribe    MessageType = "unsubscribe"
)

// WSMessage is the envelope every WebSocket frame carries.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one WebSocket connection, subscribed to zero or more channels
// ("global", "strategy:<id>").
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans StrategyEvent/order updates out to subscribed clients. Grounded
// on internal/api/websocket.go's Hub, trimmed to the single
// channel-subscription model this engine's read side needs.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	mu         sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
	}
}

// Run owns the hub's internal state; must be started exactly once.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for channel := range client.subscriptions {
					if clients, ok := h.channels[channel]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	msg := WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(msg)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (h *Hub) subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()
}

func (h *Hub) unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// PublishToChannel delivers one event to every client subscribed to
// channel. Called by the API handlers on strategy create/activate/control
// actions, and by cmd/server via Server.Hub() for gateway order updates.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal ws payload failed", zap.Error(err))
		return
	}
	msg := WSMessage{Type: msgType, Channel: channel, Data: payload, Timestamp: time.Now().UnixMilli()}
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal ws frame failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.channels[channel]; ok {
		for client := range clients {
			select {
			case client.send <- frame:
			default:
			}
		}
	}
}

// ClientCount returns how many WebSocket connections are live.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every live client connection, used during server shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.conn.Close()
	}
}

func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{id: id, hub: hub, conn: conn, send: make(chan []byte, 256), subscriptions: make(map[string]bool)}
}

// ReadPump pumps subscribe/unsubscribe control frames from the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.unsubscribe(c, msg.Channel)
		}
	}
}

// WritePump pumps queued frames and pings to the client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
