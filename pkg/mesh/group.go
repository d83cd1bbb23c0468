package mesh

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// NewGroupID returns a fresh randomly-chosen group identifier, suitable
// for passing to Client.JoinGroup. Groups are ephemeral, so callers
// typically mint one at formation time and share it out-of-band.
func NewGroupID() string {
	return uuid.New().String()
}

// groupManager tracks membership in at-most-one group at a time.
type groupManager struct {
	identity  string
	transport Transport
	onMessage func(channel string, payload []byte)
	publish   func(channel string, payload []byte) error

	mu        sync.Mutex
	inGroup   bool
	groupID   string
	subHandle SubscriptionHandle
}

func newGroupManager(identity string, transport Transport, onMessage func(channel string, payload []byte), publish func(channel string, payload []byte) error) *groupManager {
	return &groupManager{
		identity:  identity,
		transport: transport,
		onMessage: onMessage,
		publish:   publish,
	}
}

// join subscribes to groupID's channel family, leaving any previously
// active group first. Idempotent if already a member of groupID.
func (g *groupManager) join(ctx context.Context, groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inGroup && g.groupID == groupID {
		return nil
	}
	if g.inGroup {
		_ = g.transport.Unsubscribe(g.subHandle)
		g.inGroup = false
		g.groupID = ""
	}

	handle, err := g.transport.Subscribe(ctx, groupPattern(groupID), g.onMessage)
	if err != nil {
		return err
	}

	g.groupID = groupID
	g.subHandle = handle
	g.inGroup = true
	return nil
}

// leave unsubscribes and clears group state. Idempotent if not currently
// in a group.
func (g *groupManager) leave() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.inGroup {
		return nil
	}
	err := g.transport.Unsubscribe(g.subHandle)
	g.inGroup = false
	g.groupID = ""
	return err
}

// broadcast publishes a group_msg on the current group's channel, or
// ErrNotInGroup if there is no active membership.
func (g *groupManager) broadcast(topic string, payload any) error {
	g.mu.Lock()
	groupID := g.groupID
	inGroup := g.inGroup
	g.mu.Unlock()

	if !inGroup {
		return ErrNotInGroup
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	env := &Envelope{
		Kind:    KindGroupMsg,
		Topic:   topic,
		From:    g.identity,
		To:      groupID,
		Payload: raw,
	}
	encoded, err := env.encode()
	if err != nil {
		return err
	}
	return g.publish(groupChannel(groupID, topic), encoded)
}

func (g *groupManager) current() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupID, g.inGroup
}

// shutdown leaves any active group.
func (g *groupManager) shutdown() {
	_ = g.leave()
}
