package events

import (
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// Observer receives notifications. It runs on the emitting goroutine.
type Observer func(event cloudevents.Event)

type subscription struct {
	id       uint64
	observer Observer
}

// Bus delivers notifications to observers in subscription order. A
// panicking observer is logged and does not affect the others or the
// emitter.
type Bus struct {
	source string
	logger logging.Logger

	mutex         sync.RWMutex
	subscriptions []subscription
	nextID        uint64
}

func NewBus(source string, logger logging.Logger) *Bus {
	if source == "" {
		source = DefaultSource
	}
	return &Bus{
		source: source,
		logger: logger,
	}
}

// Subscribe adds observer and returns a function removing it
func (b *Bus) Subscribe(observer Observer) func() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	id := b.nextID
	b.subscriptions = append(b.subscriptions, subscription{id: id, observer: observer})

	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		for i, s := range b.subscriptions {
			if s.id == id {
				b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
				return
			}
		}
	}
}

// Emit builds a notification and delivers it to every observer
func (b *Bus) Emit(eventType string, data interface{}, extensions map[string]interface{}) {
	event, err := NewEvent(eventType, b.source, data, extensions)
	if err != nil {
		b.logger.Errorf("Notification sent without data, type: %s, id: %s, error: %v", eventType, event.ID(), err)
	}

	b.mutex.RLock()
	subscriptions := make([]subscription, len(b.subscriptions))
	copy(subscriptions, b.subscriptions)
	b.mutex.RUnlock()

	b.logger.Debugf("Emitting notification, type: %s, id: %s, observers: %d", eventType, event.ID(), len(subscriptions))
	for _, s := range subscriptions {
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s subscription, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Notification observer panicked, type: %s, id: %s, panic: %v", event.Type(), event.ID(), r)
		}
	}()
	s.observer(event)
}
