package radar

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventState   = "state"
	EventCommand = "command"
)

// Event is one entity update or command outcome.
type Event struct {
	Type   string    `json:"type"`
	Entity string    `json:"entity"`
	Value  any       `json:"value"`
	Time   time.Time `json:"time"`
	Error  string    `json:"error,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans entity state out to subscribers. It implements Sink.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// Publish emits a state event for entity.
func (eb *EventBus) Publish(entity string, value any) {
	eb.Emit(Event{Type: EventState, Entity: entity, Value: value, Time: time.Now()})
}

// CommandDone emits the outcome of an entity command.
func (eb *EventBus) CommandDone(entity string, err error) {
	ev := Event{Type: EventCommand, Entity: entity, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eb.Emit(ev)
}

// On registers a handler for events about one entity.
// Returns an unsubscribe function.
func (eb *EventBus) On(entity string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[entity] == nil {
		eb.handlers[entity] = make(map[uint64]EventHandler)
	}
	eb.handlers[entity][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[entity], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Entity])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Entity] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "entity", event.Entity, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
