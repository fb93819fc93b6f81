package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a notification on the bus
type EventType string

const (
	// EventSyncTriggered is published when a download session starts
	EventSyncTriggered EventType = "sync_triggered"
	// EventSyncCancelled is published when the user aborts a session
	EventSyncCancelled EventType = "sync_cancelled"
	// EventSyncCompleted is published when a session reaches a terminal state
	EventSyncCompleted EventType = "sync_completed"

	EventStateProgressChanged    EventType = "state_progress_changed"
	EventDownloadProgressChanged EventType = "download_progress_changed"
)

// DefaultBufferSize is the per-subscriber channel buffer
const DefaultBufferSize = 64

// Event is anything published on the bus
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent carries the fields shared by all events
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// SyncEvent describes a change in the lifecycle of a download session
type SyncEvent struct {
	BaseEvent
	CourseIDs []string
	Error     string
}

// StoreChangedEvent tells observers to re-read a persisted store
type StoreChangedEvent struct {
	BaseEvent
}

// EventBus is a process-wide pub/sub. Publishing never blocks: events for
// a subscriber whose buffer is full are dropped and counted.
type EventBus struct {
	subscribers   map[EventType][]chan Event
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64
}

// NewEventBus creates a bus with the given per-subscriber buffer
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to one event type. On a closed bus the
// returned channel is already closed.
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// Unsubscribe removes and closes a subscription
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			close(subCh)
			return
		}
	}
}

// Publish delivers event to every subscriber of its type
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// PublishSync publishes a session lifecycle event
func (eb *EventBus) PublishSync(eventType EventType, courseIDs []string, errMsg string) {
	eb.Publish(&SyncEvent{
		BaseEvent: BaseEvent{EventType: eventType, Time: time.Now()},
		CourseIDs: courseIDs,
		Error:     errMsg,
	})
}

// PublishStoreChanged notifies observers of a store write
func (eb *EventBus) PublishStoreChanged(eventType EventType) {
	eb.Publish(&StoreChangedEvent{BaseEvent: BaseEvent{EventType: eventType, Time: time.Now()}})
}

// Close shuts the bus down and closes every subscription
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	eb.subscribers = nil
}

// DroppedEventCount returns how many events were dropped on full buffers
func (eb *EventBus) DroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}
