// Package realtime pushes events to WebSocket subscribers, optionally relaying them
// between instances over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medroute/internal/config"
	"medroute/internal/events"
)

// MessageType represents different types of real-time messages
type MessageType string

const (
	MessageTypeEvent      MessageType = "event"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message is the envelope written to WebSocket clients
type Message struct {
	Type      MessageType   `json:"type"`
	Topic     string        `json:"topic,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Topics    []string      `json:"topics,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SubscriptionRequest is sent by clients to change their topics.
// A topic is a channel name ("alerts:T1") or a class wildcard ("hospital:*").
type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// relayEnvelope wraps events crossing instances so the origin can skip its own echo
type relayEnvelope struct {
	Origin string       `json:"origin"`
	Event  events.Event `json:"event"`
}

// Hub maintains the set of active connections and delivers events to subscribers
type Hub struct {
	cfg        config.RealtimeConfig
	instanceID string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	redis      *redis.Client
	prefix     string
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	mutex      sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
	mutex  sync.RWMutex
}

// NewHub creates a new WebSocket hub. rdb may be nil for a single-instance deployment.
func NewHub(cfg config.RealtimeConfig, rdb *redis.Client, keyPrefix string, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      rdb,
		prefix:     keyPrefix,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.Named("realtime"),
	}
}

// Run processes registrations until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.Info("Client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			h.logger.Info("Client disconnected", zap.String("client_id", client.ID))
		}
	}
}

// HandleWebSocket upgrades the request and starts the client pumps
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBufferSize),
		topics: make(map[string]bool),
	}
	for _, t := range c.QueryArray("topic") {
		client.topics[t] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) Name() string {
	return "websocket"
}

// Publish delivers the event to local subscribers and relays it to other instances
func (h *Hub) Publish(ctx context.Context, event events.Event) error {
	if err := h.deliver(event); err != nil {
		return err
	}
	return h.publishToRedis(ctx, event)
}

func (h *Hub) deliver(event events.Event) error {
	data, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Topic:     event.Channel,
		Event:     &event,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if !client.subscribed(event.Channel) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Dropping slow client", zap.String("client_id", client.ID))
			close(client.send)
			delete(h.clients, client)
		}
	}
	return nil
}

// ConnectedClients returns the number of connected clients
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) redisChannel(channel string) string {
	return h.prefix + ":realtime:" + channel
}

func (h *Hub) publishToRedis(ctx context.Context, event events.Event) error {
	if h.redis == nil {
		return nil
	}
	data, err := json.Marshal(relayEnvelope{Origin: h.instanceID, Event: event})
	if err != nil {
		return errors.Wrap(err, "failed to marshal relay envelope")
	}
	if err := h.redis.Publish(ctx, h.redisChannel(event.Channel), data).Err(); err != nil {
		return errors.Wrap(err, "failed to relay event")
	}
	return nil
}

// SubscribeToRedis relays events published by other instances to local clients until ctx is done
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.PSubscribe(ctx, h.redisChannel("*"))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				h.logger.Warn("Ignoring malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if envelope.Origin == h.instanceID {
				continue
			}
			if err := h.deliver(envelope.Event); err != nil {
				h.logger.Warn("Failed to deliver relayed event", zap.Error(err))
			}
		}
	}
}

func (c *Client) subscribed(channel string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.topics[channel] || c.topics[events.ChannelClass(channel)+":*"]
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket error", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}

		var req SubscriptionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(Message{Type: MessageTypeError, Error: "invalid subscription request"})
			continue
		}
		c.handleSubscription(&req)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
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

// handleSubscription handles subscription requests from clients
func (c *Client) handleSubscription(req *SubscriptionRequest) {
	c.mutex.Lock()
	switch req.Type {
	case "subscribe":
		for _, t := range req.Topics {
			if t = strings.TrimSpace(t); t != "" {
				c.topics[t] = true
			}
		}
	case "unsubscribe":
		for _, t := range req.Topics {
			delete(c.topics, strings.TrimSpace(t))
		}
	default:
		c.mutex.Unlock()
		c.reply(Message{Type: MessageTypeError, Error: "unknown request type " + req.Type})
		return
	}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mutex.Unlock()

	c.reply(Message{Type: MessageTypeSubscribed, Topics: topics})
}

// reply queues a message for this client only
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
