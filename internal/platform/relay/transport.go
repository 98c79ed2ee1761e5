package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transport is the pub/sub backend the relay runs on.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription delivers raw payloads until closed. The channel is closed
// when the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

const (
	minRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff = 2 * time.Second
)

// RedisTransport keeps separate connections for publishing and subscribing;
// a connection in subscribe mode cannot issue PUBLISH.
type RedisTransport struct {
	pub *redis.Client
	sub *redis.Client
}

// RedisOptions returns client options for a relay connection: reconnects use
// exponential backoff starting at 50ms and capped at 2s.
func RedisOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MinRetryBackoff = minRetryBackoff
	opts.MaxRetryBackoff = maxRetryBackoff
	return opts, nil
}

// NewRedisTransport opens the publish and subscribe clients for url.
func NewRedisTransport(url string) (*RedisTransport, error) {
	pubOpts, err := RedisOptions(url)
	if err != nil {
		return nil, err
	}
	subOpts, err := RedisOptions(url)
	if err != nil {
		return nil, err
	}
	pubOpts.ClientName = "clinic-relay-pub"
	subOpts.ClientName = "clinic-relay-sub"
	return &RedisTransport{
		pub: redis.NewClient(pubOpts),
		sub: redis.NewClient(subOpts),
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.pub.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the subscription to be confirmed so that envelopes
// published after it returns are not missed.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.sub.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &redisSubscription{ps: ps, out: make(chan []byte, 256), done: make(chan struct{})}
	go s.forward()
	return s, nil
}

// Ping checks both connections.
func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.pub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	if err := t.sub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("subscriber: %w", err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	perr := t.pub.Close()
	serr := t.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	// go-redis re-subscribes on reconnect; Channel is closed only by Close.
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// ---------------------------------------------------------------------------
// In-process
// ---------------------------------------------------------------------------

// MemoryBroker is a process-local Transport. Several relays sharing one
// broker behave like instances sharing one Redis channel.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	for s := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.out <- msg:
		default:
			// Slow subscriber; drop like a lossy pub/sub would.
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker closed")
	}
	s := &memorySubscription{broker: b, channel: channel, out: make(chan []byte, 256)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers reports the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			close(s.out)
		}
	}
	b.subs = nil
	return nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	out     chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			close(s.out)
		}
	}
	return nil
}
