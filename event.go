package mqttsim

import (
	"sync"
	"time"
)

const (
	ConnEventConnected    = 1
	ConnEventDisconnected = 2
	ConnEventError        = 3
	ConnEventMessage      = 4
)

type EventPayload interface {
	isEventPayload()
}

type ConnEventConnectedPayload struct {
	Broker string
	Time   time.Time
}

func (p *ConnEventConnectedPayload) isEventPayload() {}

type ConnEventDisconnectedPayload struct {
	Broker string
	Reason string
	Time   time.Time
}

func (p *ConnEventDisconnectedPayload) isEventPayload() {}

type ConnEventErrorPayload struct {
	Kind ErrorKind
	Err  error
}

func (p *ConnEventErrorPayload) isEventPayload() {}

type ConnEventMessagePayload struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

func (p *ConnEventMessagePayload) isEventPayload() {}

// EventBus dispatches connection events to their handlers. Connections only
// publish from their owning loop, so handlers run there too.
type EventBus struct {
	subscribers map[int][]func(payload EventPayload) error
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[int][]func(payload EventPayload) error),
	}
}

func (bus *EventBus) Subscribe(eventName int, handler func(payload EventPayload) error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.subscribers[eventName] = append(bus.subscribers[eventName], handler)
}

// Publish runs every handler for eventName and returns the first error.
// Later handlers still run.
func (bus *EventBus) Publish(eventName int, payload EventPayload) error {
	bus.mu.RLock()
	handlers := bus.subscribers[eventName]
	bus.mu.RUnlock()

	var first error
	for _, handler := range handlers {
		if err := handler(payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
