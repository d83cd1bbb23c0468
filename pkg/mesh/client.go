package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Nisugi/clusterfuck/internal/logging"
)

// Client is the long-lived handle to the messaging fabric. There is no
// process-wide default instance; callers construct and own a *Client,
// typically one per game-automation script process.
type Client struct {
	cfg       Config
	transport Transport
	redis     *RedisTransport
	log       *logging.Logger

	handlers *handlerRegistry
	requests *requestCoordinator
	auction  *auctioneer
	group    *groupManager
	dispatch *dispatcher
	publish  func(channel string, payload []byte) error

	pubSub  SubscriptionHandle
	selfSub SubscriptionHandle

	mu     sync.Mutex
	closed bool
}

// New constructs a Client, verifies Redis connectivity within
// cfg.ConnectTimeout, and subscribes to this identity's public and
// per-identity channel families. The returned Client is ready to send
// and receive immediately.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logging.New("mesh")
	rt := NewRedisTransport(cfg.RedisOptions, log)

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := connectWithTimeout(connectCtx, rt.rdb, cfg.ConnectTimeout); err != nil {
		rt.Close()
		return nil, err
	}

	publish := func(channel string, payload []byte) error {
		return rt.Publish(context.Background(), channel, payload)
	}

	handlers := newHandlerRegistry()
	requests := newRequestCoordinator(cfg.Identity, publish, cfg.RequestTimeout, log)
	auction := newAuctioneer(cfg.Identity, publish, cfg.ContractTimeout, log)
	disp := newDispatcher(cfg.Identity, handlers, requests, auction, publish, log, cfg.WorkerPoolSize, cfg.WorkerQueueSize)
	group := newGroupManager(cfg.Identity, rt, disp.onMessage, publish)

	c := &Client{
		cfg:       cfg,
		transport: rt,
		redis:     rt,
		log:       log,
		handlers:  handlers,
		requests:  requests,
		auction:   auction,
		group:     group,
		dispatch:  disp,
		publish:   publish,
	}

	pubHandle, err := rt.Subscribe(context.Background(), publicPattern, disp.onMessage)
	if err != nil {
		rt.Close()
		return nil, err
	}
	selfHandle, err := rt.Subscribe(context.Background(), identityPattern(cfg.Identity), disp.onMessage)
	if err != nil {
		rt.Unsubscribe(pubHandle)
		rt.Close()
		return nil, err
	}
	c.pubSub = pubHandle
	c.selfSub = selfHandle

	c.warnOnIdentityCollision()

	// Default liveness handler for the reserved __alive__ topic: any
	// non-empty reply means the probed identity is alive. A caller
	// registering its own OnRequest(reservedAliveTopic, ...) silently
	// replaces this, same as any other re-registration.
	handlers.registerRequest(reservedAliveTopic, func(Metadata, json.RawMessage) (any, error) {
		return map[string]bool{"alive": true}, nil
	})

	return c, nil
}

// Shutdown cancels every pending request with ErrShutdown, closes every
// open contract without a winner, leaves any active group, tears down
// subscriptions, and closes the transport. Safe to call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.group.shutdown()
	c.requests.shutdown()
	c.auction.shutdown()
	c.dispatch.shutdown()

	_ = c.transport.Unsubscribe(c.pubSub)
	_ = c.transport.Unsubscribe(c.selfSub)

	return c.transport.Close()
}

// Identity returns the identity this client was constructed with.
func (c *Client) Identity() string {
	return c.cfg.Identity
}

// Connected reports whether the underlying transport currently reaches
// its backend.
func (c *Client) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.redis.rdb.Ping(ctx).Err() == nil
}

// warnOnIdentityCollision claims a marker key for this client's identity
// and logs a warning if another client already holds it. It never blocks
// startup: two clients sharing an identity will still both run, just with
// indistinguishable channel routing between them.
func (c *Client) warnOnIdentityCollision() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := identityMarkerKey(c.cfg.Identity)
	if exists, err := c.transport.KVExists(ctx, key); err == nil && exists {
		c.log.Warnf("identity %q is already registered by another client; channel routing between them will collide", c.cfg.Identity)
		return
	}
	if err := c.transport.KVPut(ctx, key, []byte("1")); err != nil {
		c.log.Warnf("failed to register identity marker for %q: %v", c.cfg.Identity, err)
	}
}

// --- Messaging ---

// Broadcast publishes payload on the public channel for topic. The
// sender's own OnBroadcast handler for topic is never invoked, so a
// client never sees its own broadcasts.
func (c *Client) Broadcast(topic string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	env := &Envelope{Kind: KindBroadcast, Topic: topic, From: c.cfg.Identity, Payload: raw}
	encoded, err := env.encode()
	if err != nil {
		return err
	}
	return c.publish(publicChannel(topic), encoded)
}

// Cast publishes payload directly to identity's channel for topic. A
// cast addressed to self is delivered normally (no self-filter).
func (c *Client) Cast(identity, topic string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	env := &Envelope{Kind: KindCast, Topic: topic, From: c.cfg.Identity, To: identity, Payload: raw}
	encoded, err := env.encode()
	if err != nil {
		return err
	}
	return c.publish(identityChannel(identity, topic), encoded)
}

// Request sends a single-target request and blocks until the matching
// response arrives, the deadline elapses, or ctx is cancelled. timeout <
// 0 uses Config.RequestTimeout; timeout == 0 still publishes the request,
// it just times out immediately afterward instead of waiting.
func (c *Client) Request(ctx context.Context, identity, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return c.requests.request(ctx, identity, topic, payload, timeout)
}

// AsyncRequest is Request's non-blocking form: it publishes immediately
// and returns a Future that resolves on the same terms.
func (c *Client) AsyncRequest(identity, topic string, payload any, timeout time.Duration) (*Future, error) {
	return c.requests.asyncRequest(topic, payload, timeout, identity)
}

// Map fans a request out to every identity in targets under one
// correlation ID and blocks until all have replied or the deadline
// elapses. Identities that never reply are reported with ErrTimeout.
func (c *Client) Map(ctx context.Context, targets []string, topic string, payload any, timeout time.Duration) (map[string]Result, error) {
	return c.requests.mapRequest(ctx, targets, topic, payload, timeout)
}

// Alive is a bounded-timeout liveness probe on the reserved __alive__
// topic. It reports false (not an error) if the probe times out, and
// reports true for any non-empty reply.
func (c *Client) Alive(ctx context.Context, identity string, timeout time.Duration) (bool, error) {
	raw, err := c.requests.request(ctx, identity, reservedAliveTopic, nil, timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		return false, err
	}
	return len(raw) > 0 && string(raw) != "null", nil
}

// --- Groups ---

// JoinGroup subscribes to groupID's channel family, implicitly leaving
// any previously active group. Idempotent if already a member of groupID.
func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	return c.group.join(ctx, groupID)
}

// LeaveGroup unsubscribes from the active group, if any. Idempotent.
func (c *Client) LeaveGroup() error {
	return c.group.leave()
}

// GroupBroadcast publishes a group_msg to the active group, or returns
// ErrNotInGroup if there is none.
func (c *Client) GroupBroadcast(topic string, payload any) error {
	return c.group.broadcast(topic, payload)
}

// CurrentGroup returns the active group ID and whether one is active.
func (c *Client) CurrentGroup() (string, bool) {
	return c.group.current()
}

// InGroup reports whether the client currently has an active group.
func (c *Client) InGroup() bool {
	_, ok := c.group.current()
	return ok
}

// --- Contracts ---

// OnContract registers this topic's auction behavior for the bidder
// role: onOpen evaluates an opened contract (return < 0 to decline),
// onWin is invoked if this client is awarded the contract.
func (c *Client) OnContract(topic string, onOpen OnOpenFunc, onWin OnWinFunc) {
	c.auction.onContract(topic, onOpen, onWin)
}

// CollectBids runs the auctioneer role of a sealed-bid contract: it
// opens bidding on topic, waits for the deadline, and returns every
// eligible bid received plus the selected winner (empty if none).
func (c *Client) CollectBids(ctx context.Context, topic string, opts AuctionOptions) (AuctionResult, error) {
	return c.auction.collectBids(ctx, topic, opts)
}

// --- Registry ---

// Registry returns a namespaced key/value façade. The empty namespace
// uses keys directly under Config.RegistryPrefix.
func (c *Client) Registry(namespace string) *Registry {
	return newRegistry(namespace, c.cfg.RegistryPrefix, c.transport)
}

// --- Handlers ---

// OnBroadcast registers topic's broadcast handler, replacing any prior
// registration for the same topic.
func (c *Client) OnBroadcast(topic string, h BroadcastHandler) {
	c.handlers.registerBroadcast(topic, h)
}

// OnCast registers topic's cast handler.
func (c *Client) OnCast(topic string, h BroadcastHandler) {
	c.handlers.registerCast(topic, h)
}

// OnRequest registers topic's request handler. Its return value becomes
// the response payload.
func (c *Client) OnRequest(topic string, h RequestHandler) {
	c.handlers.registerRequest(topic, h)
}

// OnGroup registers topic's group-message handler.
func (c *Client) OnGroup(topic string, h BroadcastHandler) {
	c.handlers.registerGroup(topic, h)
}
