package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// BrokerMessage is a payload received on a subscribed channel.
type BrokerMessage struct {
	Channel string
	Payload []byte
}

// Broker is the pub/sub transport between instances.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages delivers every message received on subscribed channels. It is
	// closed by Close.
	Messages() <-chan BrokerMessage
	Ping(ctx context.Context) error
	Close() error
}

// RedisBroker relays messages through Redis pub/sub.
type RedisBroker struct {
	client    *redis.Client
	pubsub    *redis.PubSub
	messages  chan BrokerMessage
	once      sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBroker connects lazily to the Redis server at url, for example
// redis://localhost:6379/0.
func NewRedisBroker(url string) (*RedisBroker, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	broker := &RedisBroker{
		client:   client,
		pubsub:   client.Subscribe(context.Background()),
		messages: make(chan BrokerMessage, 256),
		done:     make(chan struct{}),
	}
	return broker, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) error {
	b.startPump()
	return b.pubsub.Subscribe(ctx, channels...)
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channels ...string) error {
	return b.pubsub.Unsubscribe(ctx, channels...)
}

func (b *RedisBroker) Messages() <-chan BrokerMessage {
	return b.messages
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = errors.Join(b.pubsub.Close(), b.client.Close())
	})
	return err
}

// startPump converts go-redis messages once the first subscription exists.
func (b *RedisBroker) startPump() {
	b.once.Do(func() {
		source := b.pubsub.Channel()
		go func() {
			defer close(b.messages)
			for {
				select {
				case <-b.done:
					return
				case message, ok := <-source:
					if !ok {
						return
					}
					select {
					case b.messages <- BrokerMessage{Channel: message.Channel, Payload: []byte(message.Payload)}:
					case <-b.done:
						return
					}
				}
			}
		}()
	})
}

// MemoryHub connects MemoryBrokers inside one process, standing in for a
// shared Redis server.
type MemoryHub struct {
	mu      sync.RWMutex
	brokers map[*MemoryBroker]struct{}
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{brokers: make(map[*MemoryBroker]struct{})}
}

// NewBroker attaches a new broker to the hub.
func (h *MemoryHub) NewBroker() *MemoryBroker {
	broker := &MemoryBroker{
		hub:      h,
		channels: make(map[string]struct{}),
		messages: make(chan BrokerMessage, 1024),
	}
	h.mu.Lock()
	h.brokers[broker] = struct{}{}
	h.mu.Unlock()
	return broker
}

func (h *MemoryHub) publish(channel string, payload []byte) {
	h.mu.RLock()
	targets := make([]*MemoryBroker, 0, len(h.brokers))
	for broker := range h.brokers {
		targets = append(targets, broker)
	}
	h.mu.RUnlock()
	for _, broker := range targets {
		broker.deliver(channel, payload)
	}
}

func (h *MemoryHub) detach(broker *MemoryBroker) {
	h.mu.Lock()
	delete(h.brokers, broker)
	h.mu.Unlock()
}

// MemoryBroker is an in-process Broker. Like Redis, a publisher subscribed
// to a channel receives its own messages.
type MemoryBroker struct {
	hub      *MemoryHub
	mu       sync.RWMutex
	channels map[string]struct{}
	messages chan BrokerMessage
	closed   bool
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return errBrokerClosed
	}
	b.hub.publish(channel, append([]byte(nil), payload...))
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	for _, channel := range channels {
		b.channels[channel] = struct{}{}
	}
	return nil
}

func (b *MemoryBroker) Unsubscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, channel := range channels {
		delete(b.channels, channel)
	}
	return nil
}

// Subscribed reports whether the broker listens on the channel.
func (b *MemoryBroker) Subscribed(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.channels[channel]
	return ok
}

func (b *MemoryBroker) Messages() <-chan BrokerMessage {
	return b.messages
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBrokerClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.hub.detach(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.messages)
	}
	return nil
}

func (b *MemoryBroker) deliver(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if _, ok := b.channels[channel]; !ok {
		return
	}
	select {
	case b.messages <- BrokerMessage{Channel: channel, Payload: payload}:
	default:
	}
}
