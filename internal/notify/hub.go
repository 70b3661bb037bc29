package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains active websocket connections and routes notifications to
// clients by topic subscription.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub with no clients.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// BroadcastToTopic sends the notification to every client subscribed to its
// topic. Clients with a full send buffer are skipped.
func (h *Hub) BroadcastToTopic(topic string, n Notification) {
	message, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to marshal notification")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.isSubscribed(topic) {
			continue
		}
		select {
		case c.send <- message:
		default:
			// Buffer full, skip this client
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("client", c.id).Int("total", total).Msg("websocket client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("client", c.id).Int("total", total).Msg("websocket client disconnected")
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *client) isSubscribed(topic string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[topic]
}

func (c *client) subscribe(topic string) {
	c.subsMu.Lock()
	c.subscriptions[topic] = true
	c.subsMu.Unlock()
}

func (c *client) unsubscribe(topic string) {
	c.subsMu.Lock()
	delete(c.subscriptions, topic)
	c.subsMu.Unlock()
}

// subscribeRequest is the inbound client message shape.
type subscribeRequest struct {
	Op     string   `json:"op"` // subscribe or unsubscribe
	Topics []string `json:"topics"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("websocket read error")
			}
			break
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Warn().Err(err).Str("client", c.id).Msg("invalid websocket message")
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, topic := range req.Topics {
				c.subscribe(topic)
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				c.unsubscribe(topic)
			}
		default:
			log.Warn().Str("client", c.id).Str("op", req.Op).Msg("unknown websocket op")
		}
	}
}

func (c *client) writePump() {
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

// WebSocketHandler upgrades the connection and runs the client pumps.
func (h *Hub) WebSocketHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		c := &client{
			hub:           h,
			conn:          conn,
			send:          make(chan []byte, 256),
			id:            conn.RemoteAddr().String(),
			subscriptions: make(map[string]bool),
		}

		h.register(c)

		go c.writePump()
		go c.readPump()
	}
}
