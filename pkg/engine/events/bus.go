package events

import (
	"sync"

	"go.uber.org/zap"
)

// Emitter is what engine components hold to publish events.
type Emitter interface {
	Emit(e Event)
}

// Bus fans events out to subscriber channels. Emit never blocks: a
// subscriber whose buffer is full drops the event rather than stalling
// an order transition mid-flight.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
	log  *zap.SugaredLogger
}

// NewBus creates a bus. logger may be nil.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{log: logger}
}

// Subscribe registers a buffered subscriber channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Emit publishes to every subscriber without blocking.
func (b *Bus) Emit(e Event) {
	if b.log != nil {
		b.log.Infow(string(e.Type), "ts", e.Timestamp, "payload", e.Payload)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer: drop rather than stall the engine.
		}
	}
}

// NopEmitter discards events. Useful default for tests.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

var (
	_ Emitter = (*Bus)(nil)
	_ Emitter = NopEmitter{}
)
