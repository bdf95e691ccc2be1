package testutil

import (
	"sync"
	"time"

	"github.com/Bigsy/mcpbridge/internal/events"
)

// EventCollector records bus events for assertions.
type EventCollector struct {
	mu     sync.Mutex
	events []events.Event
	states map[string][]events.ServerState
	tools  map[string][]string
	logs   map[string][]string
}

func NewEventCollector() *EventCollector {
	return &EventCollector{
		states: make(map[string][]events.ServerState),
		tools:  make(map[string][]string),
		logs:   make(map[string][]string),
	}
}

// Handler is suitable for bus.Subscribe.
func (c *EventCollector) Handler(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
	switch evt := e.(type) {
	case events.StatusChangedEvent:
		c.states[evt.ServerID()] = append(c.states[evt.ServerID()], evt.NewState)
	case events.ToolsUpdatedEvent:
		c.tools[evt.ServerID()] = evt.Tools
	case events.LogReceivedEvent:
		c.logs[evt.ServerID()] = append(c.logs[evt.ServerID()], evt.Line)
	}
}

func (c *EventCollector) Events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func (c *EventCollector) StatesFor(serverID string) []events.ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.ServerState(nil), c.states[serverID]...)
}

func (c *EventCollector) ToolsFor(serverID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tools[serverID]...)
}

func (c *EventCollector) LogsFor(serverID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs[serverID]...)
}

// WaitFor polls cond until it holds or timeout expires, reporting which.
func (c *EventCollector) WaitFor(cond func(*EventCollector) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(c) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForState blocks until state has been observed for serverID.
func (c *EventCollector) WaitForState(serverID string, state events.ServerState, timeout time.Duration) bool {
	return c.WaitFor(func(c *EventCollector) bool {
		for _, s := range c.StatesFor(serverID) {
			if s == state {
				return true
			}
		}
		return false
	}, timeout)
}

// StatesContainSequence reports whether expected appears in observed in
// order, not necessarily contiguously.
func StatesContainSequence(observed, expected []events.ServerState) bool {
	i := 0
	for _, s := range observed {
		if i < len(expected) && s == expected[i] {
			i++
		}
	}
	return i == len(expected)
}
