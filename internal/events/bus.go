// Package events is the in-process delivery path for consumer-facing
// notifications: device updates, scan phase changes, session state changes,
// provisioning progress and adapter power changes.
//
// Every subscriber owns a queue drained by its own goroutine, so handlers see
// events in publish order, never run concurrently with themselves, and can
// call back into the publisher without deadlocking it.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Topic groups events of one type.
type Topic string

const (
	TopicDeviceUpdated Topic = "device.updated"
	TopicScanPhase     Topic = "scan.phase"
	TopicSessionState  Topic = "session.state"
	TopicProvisioning  Topic = "provision.progress"
	TopicAdapterState  Topic = "adapter.state"
)

// Event is anything published on the bus.
type Event interface {
	Topic() Topic
}

// Handler consumes events for one subscription.
type Handler func(Event)

// Bus fans published events out to subscribers. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	typed  map[Topic][]*subscriber
	all    []*subscriber
	nextID atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an event bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[Topic][]*subscriber),
		logger: logger.With("component", "events"),
	}
}

// Publish enqueues e for every matching subscriber. It never blocks on a
// handler. Publishing on a nil or closed bus is a no-op.
func (b *Bus) Publish(e Event) {
	if b == nil || b.closed.Load() {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.typed[e.Topic()] {
		s.push(e)
	}
	for _, s := range b.all {
		s.push(e)
	}
}

// Subscribe registers h for one topic and returns its unsubscribe function.
// Events still queued when unsubscribing are dropped.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	s := b.start(h)
	b.mu.Lock()
	b.typed[topic] = append(b.typed[topic], s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.typed[topic] = remove(b.typed[topic], s.id)
		b.mu.Unlock()
		s.stop(false)
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	s := b.start(h)
	b.mu.Lock()
	b.all = append(b.all, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.all = remove(b.all, s.id)
		b.mu.Unlock()
		s.stop(false)
	}
}

// Close stops accepting events, lets every subscriber drain what it already
// has queued, and waits for them. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.all...)
	for _, ts := range b.typed {
		subs = append(subs, ts...)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.stop(true)
	}
	b.wg.Wait()
}

func (b *Bus) start(h Handler) *subscriber {
	s := &subscriber{
		id:      b.nextID.Add(1),
		handler: h,
		wake:    make(chan struct{}, 1),
		logger:  b.logger,
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.run()
	}()
	return s
}

func remove(subs []*subscriber, id uint64) []*subscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

type subscriber struct {
	id      uint64
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool
	drain   bool
	wake    chan struct{}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	s.stopped = true
	s.drain = drain
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped && (!s.drain || len(s.queue) == 0) {
				s.queue = nil
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(e)
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "topic", string(e.Topic()), "panic", r)
		}
	}()
	s.handler(e)
}
