package events

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Priority orders handler invocation within one delivery. High handlers run
// before Normal, Normal before Low; subscription order breaks ties.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Handler receives one published payload. Handlers run off the publisher's
// goroutine (except under PublishSync) and must not block indefinitely: a
// blocked handler stalls its topic's queue, not the bus.
type Handler func(topic Topic, payload interface{})

// Subscription is the handle returned by Subscribe; pass it to Unsubscribe.
type Subscription struct {
	id       uint64
	topic    Topic
	priority Priority
	handler  Handler
}

// Topic returns the topic this subscription is bound to.
func (s *Subscription) Topic() Topic { return s.topic }

// Stats receives bus activity counts. Implemented by the metrics package;
// a nil Stats disables counting.
type Stats interface {
	Published(topic string)
	Dropped(topic string)
}

// ErrBusClosed is returned by Publish and Subscribe after Shutdown.
var ErrBusClosed = errors.New("event bus closed")

const defaultQueueSize = 1024

type delivery struct {
	topic    Topic
	payload  interface{}
	handlers []*Subscription // priority-ordered snapshot
}

// Bus is an in-process publish/subscribe dispatcher. Each topic owns a FIFO
// queue drained by one goroutine, so deliveries on a topic preserve publish
// order; distinct topics dispatch independently. Publish never blocks: when
// a topic queue is full the event is dropped with a warning.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	queues map[Topic]chan delivery
	nextID uint64
	closed bool

	queueSize int
	stats     Stats
	log       zerolog.Logger
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-topic queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithStats attaches an activity counter.
func WithStats(s Stats) Option {
	return func(b *Bus) { b.stats = s }
}

// WithLogger sets the bus logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// NewBus creates an event bus ready for use.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[Topic][]*Subscription),
		queues:    make(map[Topic]chan delivery),
		queueSize: defaultQueueSize,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With().Str("component", "bus").Logger()
	return b
}

// Subscribe registers a handler for a topic at the given priority and
// returns the handle used to unsubscribe.
func (b *Bus) Subscribe(topic Topic, handler Handler, priority Priority) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		topic:    topic,
		priority: priority,
		handler:  handler,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	// Keep the list in dispatch order so Publish can snapshot it as-is.
	sort.SliceStable(b.subs[topic], func(i, j int) bool {
		si, sj := b.subs[topic][i], b.subs[topic][j]
		if si.priority != sj.priority {
			return si.priority < sj.priority
		}
		return si.id < sj.id
	})
	return sub, nil
}

// Unsubscribe removes a subscription. Removing one that is already gone is
// a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish dispatches the payload to the topic's subscribers asynchronously.
// Handler order per delivery is priority order, FIFO within a priority.
// Returns ErrBusClosed after Shutdown; a full topic queue drops the event.
// The enqueue happens under the bus lock so Shutdown can never close a
// queue mid-send.
func (b *Bus) Publish(topic Topic, payload interface{}) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := b.snapshotLocked(topic)
	if len(handlers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	if q, ok := b.queues[topic]; ok {
		b.enqueue(q, delivery{topic: topic, payload: payload, handlers: handlers})
		b.mu.RUnlock()
		return nil
	}
	b.mu.RUnlock()

	// First publish on this topic: create its dispatcher, then enqueue
	// under the write lock.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan delivery, b.queueSize)
		b.queues[topic] = q
		b.wg.Add(1)
		go b.drain(q)
	}
	b.enqueue(q, delivery{topic: topic, payload: payload, handlers: handlers})
	return nil
}

// enqueue attempts a non-blocking send; callers hold the bus lock.
func (b *Bus) enqueue(q chan delivery, d delivery) {
	if b.stats != nil {
		b.stats.Published(string(d.topic))
	}
	select {
	case q <- d:
	default:
		if b.stats != nil {
			b.stats.Dropped(string(d.topic))
		}
		b.log.Warn().Str("topic", string(d.topic)).Msg("queue full, event dropped")
	}
}

// drain runs handler deliveries for one topic queue until it closes.
func (b *Bus) drain(q chan delivery) {
	defer b.wg.Done()
	for d := range q {
		for _, sub := range d.handlers {
			b.invoke(sub, d.topic, d.payload)
		}
	}
}

// PublishSync dispatches on the caller's goroutine and returns when every
// handler has run. Backtests and tests use it for deterministic ordering.
func (b *Bus) PublishSync(topic Topic, payload interface{}) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := b.snapshotLocked(topic)
	b.mu.RUnlock()

	if b.stats != nil && len(handlers) > 0 {
		b.stats.Published(string(topic))
	}
	for _, sub := range handlers {
		b.invoke(sub, topic, payload)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions on a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Shutdown removes all subscriptions, drains the pending deliveries, and
// waits for the dispatchers to exit or the context to expire.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[Topic][]*Subscription)
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.log.Debug().Msg("bus drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshotLocked copies the (already ordered) handler list; callers hold at
// least a read lock.
func (b *Bus) snapshotLocked(topic Topic) []*Subscription {
	list := b.subs[topic]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// invoke runs one handler with panic recovery; a panicking handler never
// stops delivery to the rest.
func (b *Bus) invoke(sub *Subscription, topic Topic, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("topic", string(topic)).
				Str("priority", sub.priority.String()).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	sub.handler(topic, payload)
}
