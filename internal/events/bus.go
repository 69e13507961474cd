package events

import (
	"sync"
	"time"

	"rconbridge-go/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// Connection lifecycle, one per supervisor transition
	ServerStateChanged    EventType = "server_state_changed"
	ConnectionEstablished EventType = "connection_established"
	ConnectionLost        EventType = "connection_lost"
	AuthFailed            EventType = "auth_failed"

	// Metrics
	MetricsPollFailed EventType = "metrics_poll_failed"

	// Health alerts
	AlertRaised EventType = "alert_raised"

	// Registry membership
	ServerRegistered EventType = "server_registered"
	ServerRemoved    EventType = "server_removed"
)

// AllTypes lists every event type the bridge publishes.
var AllTypes = []EventType{
	ServerStateChanged,
	ConnectionEstablished,
	ConnectionLost,
	AuthFailed,
	MetricsPollFailed,
	AlertRaised,
	ServerRegistered,
	ServerRemoved,
}

// Event represents a single event in the system
type Event struct {
	Type       EventType   `json:"type"`
	ServerName string      `json:"server_name,omitempty"`
	OldState   string      `json:"old_state,omitempty"`
	NewState   string      `json:"new_state,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for receiving events
// The channel is buffered to prevent blocking publishers
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including ones first published later.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.wildcard = append(b.wildcard, ch)
	return ch
}

// Unsubscribe removes a subscription channel.
// Pass the same event type used to subscribe, or "" for SubscribeAll channels.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if eventType == "" {
		b.wildcard = removeChan(b.wildcard, ch)
		return
	}

	b.subscribers[eventType] = removeChan(b.subscribers[eventType], ch)
	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

func removeChan(list []chan Event, ch <-chan Event) []chan Event {
	for i, subscriber := range list {
		if subscriber == ch {
			list[i] = list[len(list)-1]
			return list[:len(list)-1]
		}
	}
	return list
}

// Publish publishes an event to all subscribers of that event type
// This method is non-blocking - if a subscriber's channel is full, the event is dropped
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// subscriber is behind, drop
		}
	}
	for _, ch := range b.wildcard {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	for _, ch := range b.wildcard {
		close(ch)
	}

	b.subscribers = make(map[EventType][]chan Event)
	b.wildcard = nil
}

// SubscriberCount returns the number of subscribers for a specific event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// TotalSubscribers returns the total number of subscriber channels, wildcard ones included
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.wildcard)
	for _, subscribers := range b.subscribers {
		total += len(subscribers)
	}
	return total
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.closed
}
