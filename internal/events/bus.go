package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Bigsy/mcpbridge/internal/log"
)

// busBuffer is the publish queue depth before events are dropped.
const busBuffer = 256

// Handler is a function that handles events.
type Handler func(Event)

// Bus dispatches events to subscribers on a single goroutine, in publish
// order. Publish never blocks; events are dropped when the queue is full.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewBus creates a bus. A nil logger discards.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		logger:   log.WithComponent(log.OrDiscard(logger), "events"),
		handlers: make(map[int]Handler),
		ch:       make(chan Event, busBuffer),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish queues an event. Safe to call after Close.
func (b *Bus) Publish(event Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- event:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event bus full, dropping event",
			"type", event.Type().String(), "server", event.ServerID(), "dropped", n)
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops dispatching. Queued events are discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
