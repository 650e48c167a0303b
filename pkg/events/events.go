package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventSampleStored    EventType = "sample.stored"
	EventSampleRejected  EventType = "sample.rejected"
	EventActionBroadcast EventType = "action.broadcast"
	EventActionApplied   EventType = "action.applied"
	EventNodeHealth      EventType = "node.health"
	EventNodeConnected   EventType = "node.connected"
	EventNodeLost        EventType = "node.lost"
)

// Event is something the broker or agent did worth telling others about
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	// Node is the originating node id, zero when not node specific.
	Node int64
	// Tick is the tick index the event refers to, zero when not applicable.
	Tick     int64
	Message  string
	Metadata map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	types map[EventType]bool
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. Slow subscribers miss events rather
// than stall the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]subscription
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	dropped     uint64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]subscription),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop ends the distribution loop and closes every subscriber.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh

		b.mu.Lock()
		for sub := range b.subscribers {
			close(sub)
		}
		b.subscribers = make(map[Subscriber]subscription)
		b.mu.Unlock()
	})
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are given.
func (b *Bus) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := subscription{types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}
	sub := make(Subscriber, 64)
	b.subscribers[sub] = s
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event. It never blocks: when the queue is full the
// event is counted as dropped.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were discarded because the queue was full
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
