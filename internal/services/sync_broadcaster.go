package services

import (
	"context"

	"github.com/coursesync/server/internal/events"
)

// SyncEventPayload is sent for sync lifecycle events
type SyncEventPayload struct {
	Event     events.EventType `json:"event"`
	CourseIDs []string         `json:"courseIds"`
	Error     string           `json:"error,omitempty"`
}

// SyncBroadcaster forwards sync progress to WebSocket clients of TopicSync
type SyncBroadcaster struct {
	hub        *WebSocketHub
	tracker    *StateProgressTracker
	aggregator *DownloadProgressAggregator
	card       *ProgressCardModel
	bus        *events.EventBus
}

// NewSyncBroadcaster creates a broadcaster
func NewSyncBroadcaster(hub *WebSocketHub, tracker *StateProgressTracker, aggregator *DownloadProgressAggregator, card *ProgressCardModel, bus *events.EventBus) *SyncBroadcaster {
	return &SyncBroadcaster{hub: hub, tracker: tracker, aggregator: aggregator, card: card, bus: bus}
}

// Run broadcasts until ctx ends. Lifecycle events are subscribed before
// the first snapshot goes out, so a client that has seen a snapshot sees
// every later event.
func (b *SyncBroadcaster) Run(ctx context.Context) {
	lifecycle := make(chan events.Event, events.DefaultBufferSize)
	for _, t := range []events.EventType{events.EventSyncTriggered, events.EventSyncCancelled, events.EventSyncCompleted} {
		sub := b.bus.Subscribe(t)
		defer b.bus.Unsubscribe(t, sub)
		go func() {
			for e := range sub {
				select {
				case lifecycle <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	states := b.tracker.ObserveStateProgress(ctx)
	downloads := b.aggregator.ObserveDownloadProgress(ctx)
	cards := b.card.States(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			b.hub.BroadcastToTopic(TopicSync, WSMessage{Type: WSTypeStateProgress, Payload: s})
		case p, ok := <-downloads:
			if !ok {
				return
			}
			b.hub.BroadcastToTopic(TopicSync, WSMessage{Type: WSTypeDownloadProgress, Payload: p})
		case c, ok := <-cards:
			if !ok {
				return
			}
			b.hub.BroadcastToTopic(TopicSync, WSMessage{Type: WSTypeCardState, Payload: c})
		case e := <-lifecycle:
			payload := SyncEventPayload{Event: e.Type()}
			if se, ok := e.(*events.SyncEvent); ok {
				payload.CourseIDs = se.CourseIDs
				payload.Error = se.Error
			}
			b.hub.BroadcastToTopic(TopicSync, WSMessage{Type: WSTypeSyncEvent, Payload: payload})
		}
	}
}
