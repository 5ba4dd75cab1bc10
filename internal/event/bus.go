// Package event provides the session lifecycle bus using watermill.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic is the watermill topic lifecycle events are published on.
const Topic = "session.lifecycle"

// EventType represents the type of event.
type EventType string

const (
	SessionCreated      EventType = "session.created"
	SessionAttached     EventType = "session.attached"
	SessionDetached     EventType = "session.detached"
	SessionDisconnected EventType = "session.disconnected"
	SessionReconnected  EventType = "session.reconnected"
	SessionTerminated   EventType = "session.terminated"
	EventDropped        EventType = "event.dropped"
	EventRedirected     EventType = "event.redirected"
	ReplayGap           EventType = "replay.gap"
	RequestCompleted    EventType = "request.completed"
)

// Event is one lifecycle notification. Fields that do not apply to the
// type are left empty.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"sessionID"`
	ChannelID    string    `json:"channelID,omitempty"`
	EventID      string    `json:"eventID,omitempty"`
	ConnectionID string    `json:"connectionID,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Time         time.Time `json:"time"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans lifecycle events out to subscribers. Publish goes through a
// watermill GoChannel so subscribers see events in publish order; a single
// dispatcher goroutine calls them one at a time.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
	done         chan struct{}
}

// NewBus creates a bus and starts its dispatcher.
func NewBus() *Bus {
	return NewBusWithLogger(watermill.NopLogger{})
}

// NewBusWithLogger creates a bus that reports watermill internals to logger.
func NewBusWithLogger(logger watermill.LoggerAdapter) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            100,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: true,
			},
			logger,
		),
		logger:       logger,
		subscribers:  make(map[EventType][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
		done:         make(chan struct{}),
	}

	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		// GoChannel only fails to subscribe once closed.
		close(b.done)
		b.closed = true
		return b
	}
	go b.run(messages)
	return b
}

func (b *Bus) run(messages <-chan *message.Message) {
	defer close(b.done)
	for msg := range messages {
		var ev Event
		err := json.Unmarshal(msg.Payload, &ev)
		msg.Ack()
		if err != nil {
			b.logger.Error("dropping undecodable lifecycle event", err, watermill.LogFields{"uuid": msg.UUID})
			continue
		}
		for _, sub := range b.subscribersFor(ev.Type) {
			sub(ev)
		}
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

func (b *Bus) subscribersFor(eventType EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish hands an event to the dispatcher. It returns once the dispatcher
// has taken the event, not when subscribers have run. A nil bus or a closed
// bus drops the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode lifecycle event", err, nil)
		return
	}
	if err := b.pubsub.Publish(Topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		b.logger.Debug("lifecycle publish after close", watermill.LogFields{"type": string(event.Type)})
	}
}

// PublishSync calls every subscriber in the current goroutine before
// returning, bypassing the dispatcher.
func (b *Bus) PublishSync(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	for _, sub := range b.subscribersFor(event.Type) {
		sub(event)
	}
}

// Close stops the dispatcher and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	err := b.pubsub.Close()
	<-b.done
	return err
}

// PubSub returns the underlying watermill GoChannel so other consumers can
// subscribe to Topic directly.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
