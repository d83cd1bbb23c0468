package mesh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Nisugi/clusterfuck/internal/logging"
)

// SubscriptionHandle identifies a live subscription created by
// Transport.Subscribe. It is opaque to callers beyond being a value that
// can be handed back to Unsubscribe.
type SubscriptionHandle uint64

// Transport is a thin abstraction over a pub/sub + key/value backend.
// RedisTransport is the only implementation shipped here; the package
// tests run it against an in-process miniredis server.
type Transport interface {
	// Publish sends payload on channel. Fails with a *TransportFailure if
	// the backend rejects the call.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers onMessage to be invoked for every message
	// matching channelPattern. A pattern containing a wildcard
	// (*, ?, or a [ ] class) is matched with the backend's pattern
	// subscribe; anything else is an exact-channel subscribe.
	// onMessage runs on the transport's own reader goroutine and MUST
	// NOT block on user code — implementations only ever pass it a fast,
	// non-blocking enqueue function.
	Subscribe(ctx context.Context, channelPattern string, onMessage func(channel string, payload []byte)) (SubscriptionHandle, error)

	// Unsubscribe idempotently tears down a subscription.
	Unsubscribe(handle SubscriptionHandle) error

	KVGet(ctx context.Context, key string) ([]byte, error)
	KVPut(ctx context.Context, key string, value []byte) error
	KVDelete(ctx context.Context, key string) error
	KVExists(ctx context.Context, key string) (bool, error)

	// Close tears down every live subscription and the underlying
	// connection.
	Close() error
}

// RedisTransport implements Transport directly over *redis.Client.
type RedisTransport struct {
	rdb *redis.Client
	log *logging.Logger

	mu     sync.Mutex
	nextID SubscriptionHandle
	subs   map[SubscriptionHandle]func()
}

// NewRedisTransport dials Redis using opts and returns a ready Transport.
// It does not verify connectivity; callers should Ping (via the returned
// client, or by issuing any operation) if they need an early failure.
func NewRedisTransport(opts *redis.Options, log *logging.Logger) *RedisTransport {
	return &RedisTransport{
		rdb:  redis.NewClient(opts),
		log:  log,
		subs: make(map[SubscriptionHandle]func()),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return &TransportFailure{Op: "publish:" + channel, Err: err}
	}
	return nil
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func (t *RedisTransport) Subscribe(ctx context.Context, channelPattern string, onMessage func(channel string, payload []byte)) (SubscriptionHandle, error) {
	var pubsub *redis.PubSub
	if isPattern(channelPattern) {
		pubsub = t.rdb.PSubscribe(ctx, channelPattern)
	} else {
		pubsub = t.rdb.Subscribe(ctx, channelPattern)
	}

	// Confirm the subscribe actually landed before handing back a handle;
	// a bad pattern or a down backend surfaces here rather than silently
	// inside the reader goroutine.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return 0, &TransportFailure{Op: "subscribe:" + channelPattern, Err: err}
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	go t.readLoop(readerCtx, channelPattern, pubsub, onMessage)

	t.mu.Lock()
	t.nextID++
	handle := t.nextID
	t.subs[handle] = func() {
		cancel()
		pubsub.Close()
	}
	t.mu.Unlock()

	return handle, nil
}

// readLoop pumps messages off one subscription and into onMessage. It
// never decodes or runs handler code itself — that is onMessage's job.
func (t *RedisTransport) readLoop(ctx context.Context, pattern string, pubsub *redis.PubSub, onMessage func(channel string, payload []byte)) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				// The backend closed the subscription out from under us
				// (connection drop, server restart). Log and stop rather
				// than spin; re-establishing the subscription is left to
				// the caller.
				t.log.Warnf("subscription closed for %s, not auto-reconnecting", pattern)
				return
			}
			onMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) Unsubscribe(handle SubscriptionHandle) error {
	t.mu.Lock()
	cancel, ok := t.subs[handle]
	if ok {
		delete(t.subs, handle)
	}
	t.mu.Unlock()

	if !ok {
		return nil // idempotent
	}
	cancel()
	return nil
}

func (t *RedisTransport) KVGet(ctx context.Context, key string) ([]byte, error) {
	val, err := t.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMissing
		}
		return nil, &TransportFailure{Op: "kv_get:" + key, Err: err}
	}
	return val, nil
}

func (t *RedisTransport) KVPut(ctx context.Context, key string, value []byte) error {
	if err := t.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return &TransportFailure{Op: "kv_put:" + key, Err: err}
	}
	return nil
}

func (t *RedisTransport) KVDelete(ctx context.Context, key string) error {
	if err := t.rdb.Del(ctx, key).Err(); err != nil {
		return &TransportFailure{Op: "kv_delete:" + key, Err: err}
	}
	return nil
}

func (t *RedisTransport) KVExists(ctx context.Context, key string) (bool, error) {
	n, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, &TransportFailure{Op: "kv_exists:" + key, Err: err}
	}
	return n > 0, nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	for handle, cancel := range t.subs {
		cancel()
		delete(t.subs, handle)
	}
	t.mu.Unlock()
	return t.rdb.Close()
}

// connectWithTimeout pings Redis, bounding the wait by timeout.
func connectWithTimeout(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return &TransportFailure{Op: "connect", Err: err}
	}
	return nil
}
