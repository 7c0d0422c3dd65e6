package gateway

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventTelemetry      = "telemetry"
	EventValidity       = "validity"
	EventLinkState      = "link_state"
	EventMode           = "mode"
	EventWebhookOutcome = "webhook_outcome"
	EventSettings       = "settings"
	EventTimeSync       = "time_sync"
)

// Event is published on the bus. Data is a copy owned by the receiver.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	eventType string // empty matches every type
	handler   EventHandler
}

// EventBus fans gateway events out to the dashboard and MQTT relay.
// Emit is called from the run loop; handlers must not call back into the
// gateway's blocking control methods.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// On registers a handler for one event type and returns an unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.add(subscription{eventType: eventType, handler: handler})
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.add(subscription{handler: handler})
}

func (eb *EventBus) add(sub subscription) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subs, id)
	}
}

// Emit calls matching handlers synchronously, recovering from panics.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
