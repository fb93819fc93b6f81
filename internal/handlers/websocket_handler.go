package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// API key auth runs before the upgrade
		return true
	},
}

// WebSocketHandler streams sync progress to dashboard clients
type WebSocketHandler struct {
	hub    *services.WebSocketHub
	card   ProgressCard
	logger *observability.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.WebSocketHub, card ProgressCard, logger *observability.Logger) *WebSocketHandler {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &WebSocketHandler{
		hub:    hub,
		card:   card,
		logger: logger.WithField("component", "websocket_handler"),
	}
}

// HandleSyncConnection upgrades to a WebSocket subscribed to sync updates.
// The current card state is sent right away so a late client is not blank
// until the next change.
func (h *WebSocketHandler) HandleSyncConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)
	h.hub.Subscribe(client, services.TopicSync)

	if h.card != nil {
		h.send(client, services.WSMessage{Type: services.WSTypeCardState, Payload: h.card.State()})
	}

	go client.WritePump()

	// Blocks until the connection closes
	client.ReadPump(h.handleMessage)
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg services.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.send(client, services.WSMessage{Type: services.WSTypeError, Payload: "invalid message"})
		return
	}

	switch msg.Type {
	case services.WSTypeSubscribe:
		if topic := topicOf(msg.Payload); topic != "" {
			h.hub.Subscribe(client, topic)
		}

	case services.WSTypeUnsubscribe:
		if topic := topicOf(msg.Payload); topic != "" {
			h.hub.Unsubscribe(client, topic)
		}

	case services.WSTypePing:
		h.send(client, services.WSMessage{Type: services.WSTypePong})

	default:
		h.logger.Debugf("Unknown WebSocket message type: %s", msg.Type)
	}
}

func (h *WebSocketHandler) send(client *services.WSClient, msg services.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !h.hub.Enqueue(client, data) {
		h.logger.Debugf("WebSocket message to %s dropped", client.ID)
	}
}

// topicOf accepts either "topic" or {"topic": "topic"}
func topicOf(payload interface{}) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]interface{}:
		if topic, ok := p["topic"].(string); ok {
			return topic
		}
	}
	return ""
}
