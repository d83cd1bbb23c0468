package mesh

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFabric starts one shared miniredis instance and returns a helper
// that mints identity-scoped clients against it, so a test can spin up
// several clients sharing one backend.
func newTestFabric(t *testing.T) (*miniredis.Miniredis, func(identity string) *Client) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	newClient := func(identity string) *Client {
		c, err := New(Config{
			Identity:     identity,
			RedisOptions: &redis.Options{Addr: mr.Addr()},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
		return c
	}
	return mr, newClient
}

// waitFor polls cond until it returns true or the deadline elapses,
// avoiding fixed sleeps in tests that wait on background dispatch workers.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestNewRejectsEmptyIdentity(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	_, err := New(Config{RedisOptions: &redis.Options{Addr: mr.Addr()}})
	assert.Error(t, err)
}

func TestNewRejectsNilRedisOptions(t *testing.T) {
	_, err := New(Config{Identity: "scout-1"})
	assert.Error(t, err)
}

func TestConnected(t *testing.T) {
	_, newClient := newTestFabric(t)
	c := newClient("scout-1")
	assert.True(t, c.Connected())
}

// TestBroadcast_SenderExcluded checks that a broadcast reaches every
// other subscriber of the topic but never the sender itself.
func TestBroadcast_SenderExcluded(t *testing.T) {
	_, newClient := newTestFabric(t)
	sender := newClient("scout-1")
	receiver := newClient("scout-2")

	var received Metadata
	var selfReceived bool
	receiver.OnBroadcast("scout.sighting", func(meta Metadata, _ json.RawMessage) {
		received = meta
	})
	sender.OnBroadcast("scout.sighting", func(Metadata, json.RawMessage) {
		selfReceived = true
	})

	require.NoError(t, sender.Broadcast("scout.sighting", map[string]int{"x": 1, "y": 2}))

	waitFor(t, time.Second, func() bool { return received.From == "scout-1" })
	time.Sleep(50 * time.Millisecond) // give a false-positive self-delivery a chance to land
	assert.False(t, selfReceived, "sender should never receive its own broadcast")
}

// TestCast_DeliversDirectlyIncludingSelf covers cast's per-identity routing
// and its documented lack of a self-filter.
func TestCast_DeliversDirectlyIncludingSelf(t *testing.T) {
	_, newClient := newTestFabric(t)
	a := newClient("miner-1")
	b := newClient("miner-2")

	var toB, toSelf bool
	b.OnCast("ore.deliver", func(Metadata, json.RawMessage) { toB = true })
	a.OnCast("ore.deliver", func(Metadata, json.RawMessage) { toSelf = true })

	require.NoError(t, a.Cast("miner-2", "ore.deliver", nil))
	require.NoError(t, a.Cast("miner-1", "ore.deliver", nil))

	waitFor(t, time.Second, func() bool { return toB })
	waitFor(t, time.Second, func() bool { return toSelf })
}

// TestRequest_HappyPath checks a single request/response round trip.
func TestRequest_HappyPath(t *testing.T) {
	_, newClient := newTestFabric(t)
	requester := newClient("requester-1")
	responder := newClient("responder-1")

	responder.OnRequest("ore.request", func(_ Metadata, payload json.RawMessage) (any, error) {
		var req struct{ Qty int }
		_ = json.Unmarshal(payload, &req)
		return map[string]int{"granted": req.Qty}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := requester.Request(ctx, "responder-1", "ore.request", map[string]int{"Qty": 5}, -1)
	require.NoError(t, err)

	var resp struct{ Granted int }
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, 5, resp.Granted)
}

// TestRequest_TimeoutWhenNoHandler checks that a request to an identity
// with no registered handler for the topic times out rather than hanging.
func TestRequest_TimeoutWhenNoHandler(t *testing.T) {
	_, newClient := newTestFabric(t)
	requester := newClient("requester-1")
	_ = newClient("responder-1") // alive, but registers no handler for the topic

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := requester.Request(ctx, "responder-1", "ore.request", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

// TestRequest_ZeroTimeoutStillPublishes checks the zero-timeout boundary:
// a timeout of exactly 0 still publishes the request envelope before
// timing out, so the remote handler runs even though the caller never
// waits around for its answer.
func TestRequest_ZeroTimeoutStillPublishes(t *testing.T) {
	_, newClient := newTestFabric(t)
	requester := newClient("requester-1")
	responder := newClient("responder-1")

	var calls int32
	responder.OnRequest("ore.request", func(Metadata, json.RawMessage) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := requester.Request(ctx, "responder-1", "ore.request", nil, 0)
	assert.ErrorIs(t, err, ErrTimeout)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "handler should run exactly once")
}

// TestRequest_HandlerErrorRoundTrips checks that a request handler's error
// return value reconstructs as a *HandlerError on the caller side.
func TestRequest_HandlerErrorRoundTrips(t *testing.T) {
	_, newClient := newTestFabric(t)
	requester := newClient("requester-1")
	responder := newClient("responder-1")

	responder.OnRequest("ore.request", func(Metadata, json.RawMessage) (any, error) {
		return nil, assertingError{"smelter offline"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := requester.Request(ctx, "responder-1", "ore.request", nil, -1)

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "smelter offline", handlerErr.Message)
}

type assertingError struct{ msg string }

func (e assertingError) Error() string { return e.msg }

// TestMap_FanOutMixedOutcomes checks that Map returns a per-identity map
// of outcomes when some targets answer and one never does.
func TestMap_FanOutMixedOutcomes(t *testing.T) {
	_, newClient := newTestFabric(t)
	requester := newClient("requester-1")
	a := newClient("worker-a")
	b := newClient("worker-b")
	_ = newClient("worker-c") // never registers a handler

	a.OnRequest("status.check", func(Metadata, json.RawMessage) (any, error) {
		return "ok-a", nil
	})
	b.OnRequest("status.check", func(Metadata, json.RawMessage) (any, error) {
		return "ok-b", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := requester.Map(ctx, []string{"worker-a", "worker-b", "worker-c"}, "status.check", nil, 200*time.Millisecond)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.NoError(t, results["worker-a"].Err)
	assert.NoError(t, results["worker-b"].Err)
	assert.ErrorIs(t, results["worker-c"].Err, ErrTimeout)
}

// TestCollectBids_HighestValueWins checks that the highest bid wins and
// decliners never appear in the returned bid map.
func TestCollectBids_HighestValueWins(t *testing.T) {
	_, newClient := newTestFabric(t)
	auctioneer := newClient("auctioneer-1")
	bidderHigh := newClient("bidder-high")
	bidderLow := newClient("bidder-low")
	bidderDecline := newClient("bidder-decline")

	var won string
	bidderHigh.OnContract("hauling.contract", func(Metadata) float64 { return 10 }, func(Metadata) { won = "bidder-high" })
	bidderLow.OnContract("hauling.contract", func(Metadata) float64 { return 5 }, nil)
	bidderDecline.OnContract("hauling.contract", func(Metadata) float64 { return DeclineBid }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := auctioneer.CollectBids(ctx, "hauling.contract", AuctionOptions{Deadline: 300 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, "bidder-high", result.Winner)
	assert.Len(t, result.Bids, 2) // decline never submits a bid
	waitFor(t, time.Second, func() bool { return won == "bidder-high" })
}

// TestCollectBids_TieBreakByArrivalThenIdentity checks that when two
// bidders submit the same value, the earlier arrival wins regardless of
// identity ordering.
func TestCollectBids_TieBreakByArrivalThenIdentity(t *testing.T) {
	_, newClient := newTestFabric(t)
	auctioneer := newClient("auctioneer-1")
	bidderZ := newClient("bidder-z") // lexicographically last, but arrives first
	bidderA := newClient("bidder-a")

	var won string
	bidderZ.OnContract("hauling.contract", func(Metadata) float64 { return 7 }, func(Metadata) { won = "bidder-z" })
	bidderA.OnContract("hauling.contract", func(Metadata) float64 {
		time.Sleep(30 * time.Millisecond)
		return 7
	}, func(Metadata) { won = "bidder-a" })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := auctioneer.CollectBids(ctx, "hauling.contract", AuctionOptions{Deadline: 300 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, "bidder-z", result.Winner, "earlier arrival should win a value tie despite losing identity order")
	assert.Len(t, result.Bids, 2)
	waitFor(t, time.Second, func() bool { return won == "bidder-z" })
}

// TestCollectBids_NoEligibleBidsNoWinner checks the documented boundary:
// zero eligible bids yields an empty winner and an empty bid map.
func TestCollectBids_NoEligibleBidsNoWinner(t *testing.T) {
	_, newClient := newTestFabric(t)
	auctioneer := newClient("auctioneer-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := auctioneer.CollectBids(ctx, "hauling.contract", AuctionOptions{Deadline: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, result.Winner)
	assert.Empty(t, result.Bids)
}

// TestGroup_IsolatedFromNonMembers checks that a group broadcast never
// reaches a client outside the group.
func TestGroup_IsolatedFromNonMembers(t *testing.T) {
	_, newClient := newTestFabric(t)
	member1 := newClient("raider-1")
	member2 := newClient("raider-2")
	outsider := newClient("raider-3")

	groupID := NewGroupID()
	ctx := context.Background()
	require.NoError(t, member1.JoinGroup(ctx, groupID))
	require.NoError(t, member2.JoinGroup(ctx, groupID))

	var got Metadata
	var outsiderGot bool
	member2.OnGroup("loot.split", func(meta Metadata, _ json.RawMessage) { got = meta })
	outsider.OnGroup("loot.split", func(Metadata, json.RawMessage) { outsiderGot = true })

	require.NoError(t, member1.GroupBroadcast("loot.split", map[string]int{"share": 3}))

	waitFor(t, time.Second, func() bool { return got.From == "raider-1" })
	time.Sleep(50 * time.Millisecond)
	assert.False(t, outsiderGot, "non-member must never receive a group message")
}

func TestGroup_LeaveMakesBroadcastReturnErrNotInGroup(t *testing.T) {
	_, newClient := newTestFabric(t)
	member := newClient("raider-1")

	assert.ErrorIs(t, member.GroupBroadcast("loot.split", nil), ErrNotInGroup)

	groupID := NewGroupID()
	require.NoError(t, member.JoinGroup(context.Background(), groupID))
	require.NoError(t, member.LeaveGroup())
	assert.ErrorIs(t, member.GroupBroadcast("loot.split", nil), ErrNotInGroup)
}

func TestGroup_JoinImplicitlyLeavesPrevious(t *testing.T) {
	_, newClient := newTestFabric(t)
	member := newClient("raider-1")
	witnessOld := newClient("raider-2")
	witnessNew := newClient("raider-3")

	oldGroup, newGroup := NewGroupID(), NewGroupID()
	ctx := context.Background()
	require.NoError(t, member.JoinGroup(ctx, oldGroup))
	require.NoError(t, witnessOld.JoinGroup(ctx, oldGroup))
	require.NoError(t, witnessNew.JoinGroup(ctx, newGroup))

	require.NoError(t, member.JoinGroup(ctx, newGroup))

	var oldGot, newGot bool
	witnessOld.OnGroup("ping", func(Metadata, json.RawMessage) { oldGot = true })
	witnessNew.OnGroup("ping", func(Metadata, json.RawMessage) { newGot = true })

	require.NoError(t, member.GroupBroadcast("ping", nil))
	waitFor(t, time.Second, func() bool { return newGot })
	time.Sleep(50 * time.Millisecond)
	assert.False(t, oldGot, "member should no longer publish into the group it left")
}

func TestRegistry_PutGetDeleteExists(t *testing.T) {
	_, newClient := newTestFabric(t)
	c := newClient("scout-1")
	reg := c.Registry("zones")
	ctx := context.Background()

	exists, err := reg.Exists(ctx, "east-gate")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = reg.Get(ctx, "east-gate")
	assert.ErrorIs(t, err, ErrMissing)

	require.NoError(t, reg.Put(ctx, "east-gate", map[string]int{"danger": 4}))

	exists, err = reg.Exists(ctx, "east-gate")
	require.NoError(t, err)
	assert.True(t, exists)

	raw, err := reg.Get(ctx, "east-gate")
	require.NoError(t, err)
	var v struct{ Danger int }
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, 4, v.Danger)

	require.NoError(t, reg.Delete(ctx, "east-gate"))
	_, err = reg.Get(ctx, "east-gate")
	assert.ErrorIs(t, err, ErrMissing)
}

// TestInstanceNamespacing checks that two clients sharing one Redis
// instance never see each other's per-identity traffic.
func TestInstanceNamespacing(t *testing.T) {
	_, newClient := newTestFabric(t)
	a := newClient("miner-1")
	b := newClient("miner-2")

	var aGot, bGot bool
	a.OnCast("ore.deliver", func(Metadata, json.RawMessage) { aGot = true })
	b.OnCast("ore.deliver", func(Metadata, json.RawMessage) { bGot = true })

	require.NoError(t, a.Cast("miner-1", "ore.deliver", nil))

	waitFor(t, time.Second, func() bool { return aGot })
	time.Sleep(50 * time.Millisecond)
	assert.False(t, bGot, "cast addressed to miner-1 must not reach miner-2")
}

func TestShutdownIsIdempotentAndCancelsPendingRequests(t *testing.T) {
	_, newClient := newTestFabric(t)
	requester := newClient("requester-1")
	_ = newClient("responder-1")

	fut, err := requester.AsyncRequest("responder-1", "ore.request", nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, requester.Shutdown(context.Background()))
	require.NoError(t, requester.Shutdown(context.Background())) // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestAlive_ReturnsFalseNotErrorOnTimeout(t *testing.T) {
	_, newClient := newTestFabric(t)
	prober := newClient("prober-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	alive, err := prober.Alive(ctx, "ghost-1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestAlive_DefaultHandlerRespondsTrue(t *testing.T) {
	_, newClient := newTestFabric(t)
	prober := newClient("prober-1")
	_ = newClient("responder-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	alive, err := prober.Alive(ctx, "responder-1", -1)
	require.NoError(t, err)
	assert.True(t, alive)
}
