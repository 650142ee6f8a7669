package presence

import (
	"context"
	"log/slog"
	"sync"

	"tasting/cmd/internal/metrics"
	"tasting/cmd/internal/slot"
)

// Resync reasons carried by Event.Reason.
const (
	ReasonOverflow  = "overflow"
	ReasonReconnect = "feed_reconnect"
	ReasonRequested = "requested"
	ReasonInitial   = "initial"
)

// Event is a change delivered to a subscriber. Reason is set only for
// slot.OpResync.
type Event struct {
	slot.Change
	Reason string
}

// Handler consumes events on the subscriber's own goroutine. It may block;
// while it does, events queue up to the subscriber's limit.
type Handler func(Event)

const defaultQueueSize = 256

// Broker is the in-process presence change feed.
type Broker struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	queueSize int

	mu   sync.Mutex
	subs map[uint64]*Subscription
	next uint64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithQueueSize bounds each subscriber's backlog.
func WithQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics records subscriber counts, events and overflows on m.
func WithMetrics(m *metrics.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker constructs an idle broker. Call Run to attach it to a store.
func NewBroker(log *slog.Logger, opts ...BrokerOption) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		log:       log,
		queueSize: defaultQueueSize,
		subs:      make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Run feeds the broker from store until ctx is done.
func (b *Broker) Run(ctx context.Context, store slot.Store) error {
	b.log.Info("presence.broker.start")
	defer b.log.Info("presence.broker.stop")
	return store.Watch(ctx, b.Publish)
}

// Publish delivers c to every subscriber without blocking. It is a
// slot.ChangeSink.
func (b *Broker) Publish(c slot.Change) {
	ev := Event{Change: c}
	if c.Op == slot.OpResync {
		ev.Reason = ReasonReconnect
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.PresenceEvent(string(c.Op))
	for _, s := range b.subs {
		s.offer(ev)
	}
}

// Subscribe registers fn for every future change. The returned function
// unsubscribes; calling it more than once is harmless.
func (b *Broker) Subscribe(fn Handler) (unsubscribe func()) {
	return b.SubscribeFeed(fn).Close
}

// SubscribeFeed is Subscribe returning the subscription handle.
func (b *Broker) SubscribeFeed(fn Handler) *Subscription {
	s := &Subscription{
		broker: b,
		fn:     fn,
		queue:  make(chan Event, b.queueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	s.id = b.next
	b.next++
	b.subs[s.id] = s
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	go s.loop()
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		b.metrics.SubscriberRemoved()
	}
}

// Subscription is one consumer of the feed.
type Subscription struct {
	broker *Broker
	id     uint64
	fn     Handler

	queue chan Event
	mu    sync.Mutex // serializes offer against overflow draining

	done      chan struct{}
	closeOnce sync.Once
}

// Resync queues a resync event with the given reason behind the changes
// already waiting for this subscriber.
func (s *Subscription) Resync(reason string) {
	s.offer(Event{Change: slot.Change{Op: slot.OpResync}, Reason: reason})
}

// Close unsubscribes and stops the delivery goroutine. Events still queued
// are discarded. Close is idempotent and safe to call from the handler.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.remove(s.id)
		close(s.done)
	})
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- ev:
		return
	default:
	}

	// Full: the backlog is worthless once any event is dropped.
	for drained := false; !drained; {
		select {
		case <-s.queue:
		default:
			drained = true
		}
	}
	s.broker.metrics.FeedOverflow()
	s.broker.log.Warn("presence.subscriber.overflow", "subscriber", s.id)

	resync := Event{Change: slot.Change{Op: slot.OpResync}, Reason: ReasonOverflow}
	select {
	case s.queue <- resync:
	default:
	}
}

func (s *Subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}
	}
}
