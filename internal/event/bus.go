package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/gatekeeper/internal/logging"
)

// Topic is the watermill topic carrying JSON encoded events for streams.
const Topic = "gatekeeper.events"

// EventType represents the type of event.
type EventType string

const (
	SessionAdded   EventType = "session.added"
	SessionUpdated EventType = "session.updated"
	SessionClosed  EventType = "session.closed"
	TicketCreated  EventType = "ticket.created"
	TicketUpdated  EventType = "ticket.updated"
	TicketRemoved  EventType = "ticket.removed"
	TerminalOutput EventType = "terminal.output"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to typed subscribers and, in publish order, to the
// JSON stream on a watermill gochannel.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel
	queue  chan Event

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID    uint64
	closed    bool
	cancel    context.CancelFunc
	ctx       context.Context
	pumpDone  chan struct{}
	dropCount atomic.Uint64
}

// queueSize bounds the number of events waiting for the stream pump.
const queueSize = 1024

// NewBus creates a new event bus. The caller owns it and must Close it.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            100,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		queue:       make(chan Event, queueSize),
		subscribers: make(map[EventType][]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
		pumpDone:    make(chan struct{}),
	}
	go b.pump()
	return b
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
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// collect returns the subscribers for an event, or nil when the bus is closed.
func (b *Bus) collect(event Event) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}

	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish sends an event to all subscribers asynchronously. It never blocks
// the publisher: when the stream queue is full the stream copy is dropped.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event)
	if !ok {
		return
	}
	for _, sub := range subs {
		go sub(event)
	}
	b.enqueue(event)
}

// PublishSync calls every subscriber in the current goroutine before
// returning. The stream copy is still delivered asynchronously.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub(event)
	}
	b.enqueue(event)
}

func (b *Bus) enqueue(event Event) {
	select {
	case b.queue <- event:
	case <-b.ctx.Done():
	default:
		if n := b.dropCount.Add(1); n == 1 || n%100 == 0 {
			logging.Warn().Str("type", string(event.Type)).Uint64("dropped", n).Msg("event stream queue full")
		}
	}
}

// pump moves queued events onto the watermill topic one at a time so stream
// consumers observe publish order.
func (b *Bus) pump() {
	defer close(b.pumpDone)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				logging.Error().Err(err).Str("type", string(ev.Type)).Msg("encode event")
				continue
			}
			msg := message.NewMessage(watermill.NewULID(), payload)
			if err := b.pubsub.Publish(Topic, msg); err != nil {
				return
			}
		}
	}
}

// Stream subscribes to the JSON event stream until ctx is done. Each value is
// one encoded Event. Slow readers lose events rather than stall the bus.
func (b *Bus) Stream(ctx context.Context) (<-chan []byte, error) {
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			select {
			case out <- msg.Payload:
			default:
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	err := b.pubsub.Close()
	<-b.pumpDone
	return err
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
