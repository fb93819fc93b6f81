package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/services"
)

func TestWebSocketHandler(t *testing.T) {
	logger := observability.NewConsoleLogger(io.Discard, "test", observability.LevelError)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := services.NewWebSocketHub(logger)
	go hub.Run(ctx)

	card := &fakeCard{state: models.ProgressCardState{Status: models.CardProgress, Fraction: 0.25}}
	h := NewWebSocketHandler(hub, card, logger)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleSyncConnection))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	t.Run("sends the card state on connect", func(t *testing.T) {
		var msg struct {
			Type    string                   `json:"type"`
			Payload models.ProgressCardState `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, services.WSTypeCardState, msg.Type)
		assert.Equal(t, models.CardProgress, msg.Payload.Status)
		assert.InDelta(t, 0.25, msg.Payload.Fraction, 1e-9)
	})

	t.Run("answers ping", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(services.WSMessage{Type: services.WSTypePing}))

		var msg services.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, services.WSTypePong, msg.Type)
	})

	t.Run("is subscribed to sync updates", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return hub.Subscribers(services.TopicSync) == 1
		}, time.Second, 10*time.Millisecond)

		hub.BroadcastToTopic(services.TopicSync, services.WSMessage{Type: services.WSTypeSyncEvent, Payload: "x"})

		var msg services.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, services.WSTypeSyncEvent, msg.Type)
	})
}

func TestTopicOf(t *testing.T) {
	assert.Equal(t, "sync", topicOf("sync"))
	assert.Equal(t, "sync", topicOf(map[string]interface{}{"topic": "sync"}))
	assert.Equal(t, "", topicOf(42))
}
