package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testEvent struct {
	id       int
	serverID string
}

func (e testEvent) Type() EventType      { return EventStatusChanged }
func (e testEvent) ServerID() string     { return e.serverID }
func (e testEvent) Timestamp() time.Time { return time.Time{} }

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(func(e Event) { received <- e })

	bus.Publish(testEvent{id: 1, serverID: "server-1"})

	select {
	case got := <-received:
		if got.(testEvent).id != 1 {
			t.Errorf("expected event id 1, got %d", got.(testEvent).id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		bus.Subscribe(func(Event) {
			count.Add(1)
			wg.Done()
		})
	}

	bus.Publish(testEvent{id: 1})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscribers")
	}
	if count.Load() != 3 {
		t.Errorf("expected 3 handler calls, got %d", count.Load())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count atomic.Int32
	unsubscribe := bus.Subscribe(func(Event) { count.Add(1) })
	unsubscribe()

	sentinel := make(chan struct{})
	bus.Subscribe(func(Event) { close(sentinel) })
	bus.Publish(testEvent{id: 1})

	select {
	case <-sentinel:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	if count.Load() != 0 {
		t.Errorf("unsubscribed handler called %d times", count.Load())
	}
}

func TestBus_Ordering(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	const n = 100
	got := make(chan int, n)
	bus.Subscribe(func(e Event) { got <- e.(testEvent).id })

	for i := 0; i < n; i++ {
		bus.Publish(testEvent{id: i})
	}
	for i := 0; i < n; i++ {
		select {
		case id := <-got:
			if id != i {
				t.Fatalf("event %d arrived at position %d", id, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout at %d", i)
		}
	}
}

func TestBus_OverflowDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < busBuffer*2; i++ {
			bus.Publish(testEvent{id: i, serverID: "overflow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full bus")
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected dropped events")
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()
	bus.Close()
	bus.Publish(testEvent{id: 1})
}

func TestServerState_String(t *testing.T) {
	for state, want := range map[ServerState]string{
		StateStopped:    "STOPPED",
		StateStarting:   "STARTING",
		StateRunning:    "RUNNING",
		StateError:      "ERROR",
		ServerState(99): "UNKNOWN",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d: got %q, want %q", state, got, want)
		}
	}
}
