package events

import (
	"sync/atomic"

	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
	dropped    atomic.Uint64
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(SlotStateChangedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event dispatches on the static type, so unwrap the interface first
	switch e := ev.(type) {
	case SlotStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case InstanceFailedEvent:
		event.Publish(b.dispatcher, e)
	case ServiceStateEvent:
		event.Publish(b.dispatcher, e)
	case CommandHandledEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e SlotStateChangedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(SlotStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(InstanceFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ServiceStateEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CommandHandledEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

// SubscribeToChannel forwards events of type T into ch for select-based
// consumers such as SSE streams. Events are dropped when ch is full so a
// slow stream never stalls publishers; see Bus.Dropped.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
			bus.dropped.Add(1)
		}
	})
}

// Dropped returns how many events channel subscribers have missed.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
