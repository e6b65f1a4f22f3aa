// Package eventbus fans out orchestrator events to in-process observers.
//
// Each subscriber owns a bounded queue drained by its own goroutine, so a slow
// observer can never block publishers or other observers: when a subscriber's
// queue is full the oldest pending event is dropped and a counter incremented.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"voxhall/internal/domain"
)

// DefaultQueueSize is the per-subscriber event queue capacity.
const DefaultQueueSize = 64

type subscriber struct {
	id      uint64
	match   domain.EventType // delivered type when all is false
	all     bool
	queue   chan domain.Event
	handler domain.EventHandler
	done    chan struct{}
	dropped atomic.Int64
}

// Bus is a goroutine-safe event bus with per-subscriber bounded queues.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates an event bus. queueSize bounds each subscriber's pending events;
// zero or negative selects DefaultQueueSize.
func New(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Publish delivers an event to every matching subscriber's queue. When a
// subscriber's queue is full, the oldest pending event is dropped to make
// room. Publish never blocks.
func (b *Bus) Publish(_ context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.all && sub.match != event.Type {
			continue
		}
		b.offer(sub, event)
	}
}

// offer enqueues event, evicting the oldest pending entry when full.
func (b *Bus) offer(sub *subscriber, event domain.Event) {
	for {
		select {
		case sub.queue <- event:
			return
		default:
		}
		select {
		case <-sub.queue:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				b.logger.Warn("slow event subscriber, dropping oldest",
					"subscriber", sub.id,
					"dropped_total", n,
				)
			}
		default:
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(&subscriber{match: eventType, handler: handler})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(&subscriber{all: true, handler: handler})
}

func (b *Bus) add(sub *subscriber) func() {
	sub.id = b.nextID.Add(1)
	sub.queue = make(chan domain.Event, b.queueSize)
	sub.done = make(chan struct{})

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// drain runs the subscriber's handler sequentially over its queue.
// Panicking handlers are recovered so one observer cannot kill the bus.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			b.invoke(sub, event)
		}
	}
}

func (b *Bus) invoke(sub *subscriber, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(context.Background(), event)
}

// Dropped returns the total number of events dropped across all current
// subscribers due to slow consumption.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, sub := range b.subs {
		total += sub.dropped.Load()
	}
	return total
}

// Close prevents new publishes and stops all subscriber goroutines. Events
// still queued at close time are discarded. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
