// Package bus implements the cross-process message bus over redis pub/sub.
// Delivery is at-least-once from the subscriber's perspective and carries no
// ordering guarantee across topics; the core treats it purely as a control
// and event fan-out surface.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"voxhall/internal/domain"
)

// defaultPublishQueue bounds outbound messages awaiting the writer goroutine.
const defaultPublishQueue = 64

type outbound struct {
	topic   string
	payload []byte
}

// RedisBus is a domain.MessageBus backed by redis pub/sub. Publish is
// non-blocking: messages are queued for a single writer goroutine, and a full
// queue fails fast with ErrBusy rather than stalling a voice turn.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	queue     chan outbound
	connected atomic.Bool
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
	wg   sync.WaitGroup
}

// New creates a bus from a redis URL. Connect must be called before use.
func New(redisURL string, publishQueue int, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if publishQueue <= 0 {
		publishQueue = defaultPublishQueue
	}
	return &RedisBus{
		client: redis.NewClient(opts),
		logger: logger,
		queue:  make(chan outbound, publishQueue),
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

// Connect implements domain.MessageBus.
func (b *RedisBus) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", domain.ErrTransportUnavailable, err)
	}
	b.connected.Store(true)

	b.wg.Add(1)
	go b.writeLoop()
	return nil
}

// writeLoop drains the publish queue toward redis.
func (b *RedisBus) writeLoop() {
	defer b.wg.Done()
	for msg := range b.queue {
		if err := b.client.Publish(context.Background(), msg.topic, msg.payload).Err(); err != nil {
			b.logger.Warn("bus publish failed", "topic", msg.topic, "err", err)
		}
	}
}

// Publish implements domain.MessageBus.
func (b *RedisBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.closed.Load() || !b.connected.Load() {
		return domain.NewDomainError("bus.publish", domain.ErrTransportUnavailable, topic)
	}
	select {
	case b.queue <- outbound{topic: topic, payload: payload}:
		return nil
	default:
		return domain.NewDomainError("bus.publish", domain.ErrBusy, "outbound queue full")
	}
}

// Subscribe implements domain.MessageBus. The handler runs on the
// subscription's delivery goroutine; it must hand real work off quickly.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler domain.BusHandler) (func(), error) {
	if b.closed.Load() || !b.connected.Load() {
		return nil, domain.NewDomainError("bus.subscribe", domain.ErrTransportUnavailable, topic)
	}

	sub := b.client.Subscribe(ctx, topic)
	// Force the subscription to be established before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransportUnavailable, topic, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range sub.Channel() {
			b.deliver(handler, msg.Channel, []byte(msg.Payload))
		}
	}()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		_ = sub.Close()
	}
	return unsubscribe, nil
}

func (b *RedisBus) deliver(handler domain.BusHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	handler(topic, payload)
}

// Close implements domain.MessageBus.
func (b *RedisBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.connected.Swap(false) {
		close(b.queue)
	}

	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.Close()
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}

var _ domain.MessageBus = (*RedisBus)(nil)
