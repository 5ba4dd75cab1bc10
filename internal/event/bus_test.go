package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated, SessionID: "S1"})
	waitFor(t, &wg)

	if received.Type != SessionCreated {
		t.Errorf("Expected SessionCreated, got %v", received.Type)
	}
	if received.SessionID != "S1" {
		t.Errorf("Expected S1, got %v", received.SessionID)
	}
	if received.Time.IsZero() {
		t.Error("Expected publish time to be set")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated})
	bus.Publish(Event{Type: SessionAttached})
	bus.Publish(Event{Type: SessionTerminated})
	waitFor(t, &wg)

	if c := atomic.LoadInt32(&count); c != 3 {
		t.Errorf("Expected 3 events, got %d", c)
	}
}

func TestBus_PreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const n = 50
	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(n)

	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		got = append(got, e.EventID)
		mu.Unlock()
		wg.Done()
	})

	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("S1-B-%d", i+1)
		bus.Publish(Event{Type: EventRedirected, EventID: want[i]})
	}
	waitFor(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	unsub()

	bus.PublishSync(Event{Type: SessionCreated})
	if c := atomic.LoadInt32(&count); c != 0 {
		t.Errorf("Expected 0 events after unsubscribe, got %d", c)
	}
}

func TestBus_PublishSync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received []EventType
	bus.Subscribe(ReplayGap, func(e Event) {
		received = append(received, e.Type)
	})
	bus.Subscribe(SessionCreated, func(e Event) {
		t.Error("unrelated subscriber called")
	})

	bus.PublishSync(Event{Type: ReplayGap})
	if len(received) != 1 || received[0] != ReplayGap {
		t.Errorf("Expected one replay.gap event, got %v", received)
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	bus.Publish(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionCreated})
	if c := atomic.LoadInt32(&count); c != 0 {
		t.Errorf("Expected no events after close, got %d", c)
	}

	unsub := bus.Subscribe(SessionCreated, func(Event) {})
	unsub()
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionCreated})
}
