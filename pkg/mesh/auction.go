package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Nisugi/clusterfuck/internal/logging"
)

// DeclineBid is the canonical decline sentinel for a contract's on_open
// callback. Any value below 0 is treated as a decline; callers may return
// any negative float, but DeclineBid documents the convention.
const DeclineBid = -1.0

// OnOpenFunc evaluates an opened contract and returns a bid value, or a
// value < 0 to decline. Declining publishes nothing onto the wire.
type OnOpenFunc func(meta Metadata) float64

// OnWinFunc is invoked on the winning bidder when a contract is awarded.
type OnWinFunc func(meta Metadata)

// contractHandler is one topic's registered auction behavior on the
// bidder side.
type contractHandler struct {
	onOpen OnOpenFunc
	onWin  OnWinFunc
}

// contractRegistry is the bidder-side (topic -> contractHandler) table.
type contractRegistry struct {
	mu       sync.RWMutex
	handlers map[string]*contractHandler
}

func newContractRegistry() *contractRegistry {
	return &contractRegistry{handlers: make(map[string]*contractHandler)}
}

func (r *contractRegistry) register(topic string, onOpen OnOpenFunc, onWin OnWinFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = &contractHandler{onOpen: onOpen, onWin: onWin}
}

func (r *contractRegistry) lookup(topic string) (*contractHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

// bidPayload is the wire payload of a bid_submit envelope.
type bidPayload struct {
	Value float64 `json:"value"`
}

// bidRecord is one accepted bid, retained for winner selection.
type bidRecord struct {
	from       string
	value      float64
	receivedAt time.Time
}

// openContract tracks one contract this client has opened for bidding,
// until it is finalized by deadline or explicit close.
type openContract struct {
	correlationID string
	topic         string
	validBidders  map[string]bool // nil means no whitelist
	minBid        float64

	mu        sync.Mutex
	bids      map[string]bidRecord
	finalized bool
	winner    string
	done      chan struct{}
	timer     *time.Timer
}

// AuctionOptions configures CollectBids. Deadline < 0 uses the
// configured default; Deadline == 0 closes bidding immediately after
// bid_open is published, mirroring Request's timeout convention.
type AuctionOptions struct {
	ValidBidders []string
	MinBid       float64
	Deadline     time.Duration
}

// AuctionResult is CollectBids' outcome: every eligible bid received, and
// the winning identity (empty if no eligible bids arrived).
type AuctionResult struct {
	Winner string
	Bids   map[string]float64
}

// auctioneer plays both sides of a sealed-bid contract: auctioneer
// (collecting bids for contracts this client opened) and bidder
// (responding to contracts other clients opened).
type auctioneer struct {
	identity        string
	contracts       *contractRegistry
	open            *correlationTable[openContract]
	publish         func(channel string, payload []byte) error
	defaultDeadline time.Duration
	log             *logging.Logger
}

func newAuctioneer(identity string, publish func(channel string, payload []byte) error, defaultDeadline time.Duration, log *logging.Logger) *auctioneer {
	return &auctioneer{
		identity:        identity,
		contracts:       newContractRegistry(),
		open:            newCorrelationTable[openContract](),
		publish:         publish,
		defaultDeadline: defaultDeadline,
		log:             log,
	}
}

func (a *auctioneer) onContract(topic string, onOpen OnOpenFunc, onWin OnWinFunc) {
	a.contracts.register(topic, onOpen, onWin)
}

func (a *auctioneer) resolveDeadline(d time.Duration) time.Duration {
	if d < 0 {
		return a.defaultDeadline
	}
	return d
}

// collectBids opens a contract, waits for bids until the deadline, and
// selects a winner.
func (a *auctioneer) collectBids(ctx context.Context, topic string, opts AuctionOptions) (AuctionResult, error) {
	var validSet map[string]bool
	if opts.ValidBidders != nil {
		validSet = make(map[string]bool, len(opts.ValidBidders))
		for _, id := range opts.ValidBidders {
			validSet[id] = true
		}
	}

	corrID := newCorrelationID()
	oc := &openContract{
		correlationID: corrID,
		topic:         topic,
		validBidders:  validSet,
		minBid:        opts.MinBid,
		bids:          make(map[string]bidRecord),
		done:          make(chan struct{}),
	}
	a.open.put(corrID, oc)

	deadline := a.resolveDeadline(opts.Deadline)
	deadlineMs := time.Now().Add(deadline).UnixMilli()
	env := &Envelope{
		Kind:          KindBidOpen,
		Topic:         topic,
		From:          a.identity,
		CorrelationID: corrID,
		DeadlineMs:    &deadlineMs,
	}
	raw, err := env.encode()
	if err != nil {
		a.open.delete(corrID)
		return AuctionResult{}, err
	}
	if err := a.publish(publicChannel(topic), raw); err != nil {
		a.open.delete(corrID)
		return AuctionResult{}, err
	}

	timer := time.AfterFunc(deadline, func() { a.finalize(oc) })
	oc.mu.Lock()
	if oc.finalized {
		timer.Stop()
	} else {
		oc.timer = timer
	}
	oc.mu.Unlock()

	select {
	case <-oc.done:
	case <-ctx.Done():
		return AuctionResult{}, ctx.Err()
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()
	result := AuctionResult{Winner: oc.winner, Bids: make(map[string]float64, len(oc.bids))}
	for id, rec := range oc.bids {
		result.Bids[id] = rec.value
	}
	return result, nil
}

// finalize closes bidding on oc: selects a winner (if any eligible bids
// arrived) and publishes bid_award. Idempotent.
func (a *auctioneer) finalize(oc *openContract) {
	oc.mu.Lock()
	if oc.finalized {
		oc.mu.Unlock()
		return
	}
	oc.finalized = true
	a.open.delete(oc.correlationID)

	if len(oc.bids) == 0 {
		oc.mu.Unlock()
		close(oc.done)
		return
	}

	winner := selectWinner(oc.bids)
	oc.winner = winner
	oc.mu.Unlock()

	awardEnv := &Envelope{
		Kind:          KindBidAward,
		Topic:         oc.topic,
		From:          a.identity,
		To:            winner,
		CorrelationID: oc.correlationID,
	}
	raw, err := awardEnv.encode()
	if err != nil {
		a.log.Errorf("failed to encode bid_award for contract %s: %v", oc.correlationID, err)
	} else if err := a.publish(identityChannel(winner, oc.topic), raw); err != nil {
		a.log.Errorf("failed to publish bid_award for contract %s: %v", oc.correlationID, err)
	}

	close(oc.done)
}

// selectWinner picks the winning bid: highest value first, then
// earliest arrival, then lexicographically smallest identity.
func selectWinner(bids map[string]bidRecord) string {
	records := make([]bidRecord, 0, len(bids))
	for _, r := range bids {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].value != records[j].value {
			return records[i].value > records[j].value
		}
		if !records[i].receivedAt.Equal(records[j].receivedAt) {
			return records[i].receivedAt.Before(records[j].receivedAt)
		}
		return records[i].from < records[j].from
	})
	return records[0].from
}

// handleBidOpen runs the bidder side's response to an opened contract:
// evaluate it, and submit a bid unless declined.
func (a *auctioneer) handleBidOpen(env *Envelope, publish func(channel string, payload []byte) error) {
	handler, ok := a.contracts.lookup(env.Topic)
	if !ok {
		return
	}

	meta := Metadata{From: env.From, Topic: env.Topic, CorrelationID: env.CorrelationID}
	bidValue, err := a.safeOnOpen(handler.onOpen, meta)
	if err != nil {
		a.log.Errorf("on_open panicked for topic=%s: %v", env.Topic, err)
		return
	}
	if bidValue < 0 {
		return // decline: publish nothing
	}

	payload, err := json.Marshal(bidPayload{Value: bidValue})
	if err != nil {
		a.log.Errorf("failed to marshal bid payload for topic=%s: %v", env.Topic, err)
		return
	}
	submit := &Envelope{
		Kind:          KindBidSubmit,
		Topic:         env.Topic,
		From:          a.identity,
		CorrelationID: env.CorrelationID,
		Payload:       payload,
	}
	raw, err := submit.encode()
	if err != nil {
		a.log.Errorf("failed to encode bid_submit for topic=%s: %v", env.Topic, err)
		return
	}
	if err := publish(publicChannel(env.Topic), raw); err != nil {
		a.log.Errorf("failed to publish bid_submit for topic=%s: %v", env.Topic, err)
	}
}

func (a *auctioneer) safeOnOpen(f OnOpenFunc, meta Metadata) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(meta), nil
}

// handleBidSubmit records an incoming bid, ignoring ineligible bidders,
// bids below the contract's minimum, repeat bids from the same bidder,
// and bids on contracts this client did not open or that already closed.
func (a *auctioneer) handleBidSubmit(env *Envelope, receivedAt time.Time) {
	oc, ok := a.open.get(env.CorrelationID)
	if !ok {
		return
	}

	var payload bidPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		a.log.Warnf("dropping malformed bid_submit from %s: %v", env.From, err)
		return
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.finalized {
		return
	}
	if oc.validBidders != nil && !oc.validBidders[env.From] {
		return
	}
	if payload.Value < oc.minBid {
		return
	}
	if _, dup := oc.bids[env.From]; dup {
		return
	}
	oc.bids[env.From] = bidRecord{from: env.From, value: payload.Value, receivedAt: receivedAt}
}

// handleBidAward notifies a winning bidder's registered handler.
func (a *auctioneer) handleBidAward(env *Envelope) {
	handler, ok := a.contracts.lookup(env.Topic)
	if !ok {
		return // no handler registered for that topic: drop
	}
	meta := Metadata{From: env.From, Topic: env.Topic, CorrelationID: env.CorrelationID}
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("on_win panicked for topic=%s: %v", env.Topic, r)
		}
	}()
	handler.onWin(meta)
}

// shutdown closes every open contract without selecting a winner.
func (a *auctioneer) shutdown() {
	for _, oc := range a.open.drain() {
		oc.mu.Lock()
		if !oc.finalized {
			oc.finalized = true
			if oc.timer != nil {
				oc.timer.Stop()
			}
			close(oc.done)
		}
		oc.mu.Unlock()
	}
}
