package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coursesync/server/internal/observability"
)

// Frame types exchanged with progress dashboards
const (
	WSTypeStateProgress    = "state_progress"
	WSTypeDownloadProgress = "download_progress"
	WSTypeCardState        = "card_state"
	WSTypeSyncEvent        = "sync_event"
	WSTypeError            = "error"
	WSTypeSubscribe        = "subscribe"
	WSTypeUnsubscribe      = "unsubscribe"
	WSTypePing             = "ping"
	WSTypePong             = "pong"
)

// TopicSync carries every progress update of the running sync session
const TopicSync = "sync"

const (
	sendBuffer   = 256
	maxFrameSize = 64 * 1024
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait / 2
)

// WSMessage is the JSON frame sent to and received from dashboards
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSClient is one dashboard connection. Conn may be nil for clients that
// only read Send, as the hub tests do.
type WSClient struct {
	ID     string
	Topics map[string]bool
	Conn   *websocket.Conn
	Send   chan []byte

	hub     *WebSocketHub
	writeMu sync.Mutex
	once    sync.Once
	closed  bool // guarded by hub.mu
}

type membership struct {
	client *WSClient
	join   bool
}

type topicFrame struct {
	topic string
	data  []byte
}

// WebSocketHub fans progress frames out to dashboards. Membership changes
// and broadcasts are applied by Run; topic subscriptions are taken under
// the lock so a frame broadcast right after Subscribe is delivered.
type WebSocketHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	topics  map[string]map[*WSClient]struct{}

	members chan membership
	frames  chan topicFrame
	done    chan struct{}
	stop    sync.Once

	logger *observability.Logger
}

func NewWebSocketHub(logger *observability.Logger) *WebSocketHub {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &WebSocketHub{
		clients: make(map[*WSClient]struct{}),
		topics:  make(map[string]map[*WSClient]struct{}),
		members: make(chan membership),
		frames:  make(chan topicFrame, sendBuffer),
		done:    make(chan struct{}),
		logger:  logger.WithField("component", "websocket_hub"),
	}
}

// Run applies membership changes and delivers frames until ctx ends.
// Calls made after that return without blocking.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer h.stop.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			return

		case m := <-h.members:
			if m.join {
				h.mu.Lock()
				h.clients[m.client] = struct{}{}
				h.mu.Unlock()
				h.logger.WithField("client_id", m.client.ID).Debug("Dashboard connected")
				continue
			}
			if h.drop(m.client) {
				h.logger.WithField("client_id", m.client.ID).Debug("Dashboard disconnected")
			}

		case f := <-h.frames:
			for _, slow := range h.deliver(f) {
				h.drop(slow)
				h.logger.WithField("client_id", slow.ID).Warn("Dropping dashboard that stopped reading")
			}
		}
	}
}

// deliver queues f on every target and returns those with a full buffer
func (h *WebSocketHub) deliver(f topicFrame) []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if f.topic != "" {
		targets = h.topics[f.topic]
	}

	var slow []*WSClient
	for c := range targets {
		select {
		case c.Send <- f.data:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}

// drop forgets c and closes its Send channel. It reports whether c was
// still a member.
func (h *WebSocketHub) drop(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	for topic := range c.Topics {
		h.leave(c, topic)
	}
	c.closed = true
	close(c.Send)
	return true
}

// leave must be called with mu held
func (h *WebSocketHub) leave(c *WSClient, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *WebSocketHub) send(m membership) {
	select {
	case h.members <- m:
	case <-h.done:
	}
}

func (h *WebSocketHub) Register(client *WSClient) {
	h.send(membership{client: client, join: true})
}

func (h *WebSocketHub) Unregister(client *WSClient) {
	h.send(membership{client: client})
}

// Subscribe adds client to topic. Closed clients are ignored.
func (h *WebSocketHub) Subscribe(client *WSClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.closed {
		return
	}
	client.Topics[topic] = true
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*WSClient]struct{})
		h.topics[topic] = subs
	}
	subs[client] = struct{}{}
}

func (h *WebSocketHub) Unsubscribe(client *WSClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.Topics, topic)
	h.leave(client, topic)
}

// Enqueue queues data for a single client. It reports false when the
// client is gone or its buffer is full.
func (h *WebSocketHub) Enqueue(client *WSClient, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if client.closed {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// BroadcastToTopic sends msg to the subscribers of topic, or to every
// client when topic is empty.
func (h *WebSocketHub) BroadcastToTopic(topic string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).WithField("type", msg.Type).Error("Failed to encode dashboard frame")
		return
	}

	select {
	case h.frames <- topicFrame{topic: topic, data: data}:
	case <-h.done:
	}
}

func (h *WebSocketHub) BroadcastAll(msg WSMessage) {
	h.BroadcastToTopic("", msg)
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *WebSocketHub) NewClient(id string, conn *websocket.Conn) *WSClient {
	return &WSClient{
		ID:     id,
		Topics: make(map[string]bool),
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		hub:    h,
	}
}

// Close leaves the hub and closes the connection. It is safe to call from
// both pumps.
func (c *WSClient) Close() {
	c.once.Do(func() {
		c.hub.Unregister(c)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

func (c *WSClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// WritePump writes queued frames and keeps the connection alive with pings
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				c.write(websocket.CloseMessage, nil)
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump hands incoming frames to onMessage until the peer goes away
func (c *WSClient) ReadPump(onMessage func(client *WSClient, messageType int, data []byte)) {
	defer c.Close()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("client_id", c.ID).Warn("Dashboard connection lost")
			}
			return
		}
		if onMessage != nil {
			onMessage(c, messageType, data)
		}
	}
}
