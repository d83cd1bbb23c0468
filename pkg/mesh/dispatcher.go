package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nisugi/clusterfuck/internal/logging"
)

// dispatchTask is the unit handed from a transport reader goroutine to a
// dispatcher worker: a decoded envelope plus the time it was received,
// used by the auctioneer to break bid ties by arrival order.
type dispatchTask struct {
	env        *Envelope
	receivedAt time.Time
}

// dispatcher is the single point through which every inbound envelope
// flows: one bounded queue drained by a fixed pool of workers, so
// handler bodies never run on a transport reader goroutine.
type dispatcher struct {
	identity string
	log      *logging.Logger

	handlers *handlerRegistry
	requests *requestCoordinator
	auction  *auctioneer

	publish func(channel string, payload []byte) error

	queue      chan dispatchTask
	queueSize  int
	numWorkers int
	done       chan struct{}
}

func newDispatcher(identity string, handlers *handlerRegistry, requests *requestCoordinator, auction *auctioneer, publish func(channel string, payload []byte) error, log *logging.Logger, numWorkers, queueSize int) *dispatcher {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 1 {
		queueSize = defaultWorkerQueueSize
	}
	d := &dispatcher{
		identity:   identity,
		log:        log,
		handlers:   handlers,
		requests:   requests,
		auction:    auction,
		publish:    publish,
		queue:      make(chan dispatchTask, queueSize),
		queueSize:  queueSize,
		numWorkers: numWorkers,
		done:       make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		go d.runWorker()
	}
	return d
}

// onMessage is handed to Transport.Subscribe as the reader callback. It
// decodes the envelope and enqueues it; it never invokes handler code,
// so it is always fast and non-blocking from the reader's perspective.
// The queue send itself is non-blocking too — a full queue drops the
// message and logs an overflow warning rather than stalling the reader.
func (d *dispatcher) onMessage(channel string, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		d.log.Warnf("dropping malformed envelope on %s: %v", channel, err)
		return
	}

	task := dispatchTask{env: env, receivedAt: time.Now()}
	select {
	case d.queue <- task:
	default:
		d.log.Warnf("worker queue full (cap=%d), dropping envelope kind=%s topic=%s from=%s", d.queueSize, env.Kind, env.Topic, env.From)
	}
}

func (d *dispatcher) runWorker() {
	for {
		select {
		case <-d.done:
			return
		case task := <-d.queue:
			d.handle(task)
		}
	}
}

func (d *dispatcher) shutdown() {
	close(d.done)
}

// handle classifies and routes one decoded envelope. It recovers from
// panics in user handler bodies: an unexpected worker exception is
// logged with envelope metadata and the worker continues.
func (d *dispatcher) handle(task dispatchTask) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("handler panic for kind=%s topic=%s from=%s: %v", task.env.Kind, task.env.Topic, task.env.From, r)
		}
	}()

	env := task.env
	meta := Metadata{From: env.From, Topic: env.Topic, CorrelationID: env.CorrelationID}

	switch env.Kind {
	case KindBroadcast:
		if env.From == d.identity {
			return // never deliver a client's own broadcasts back to it
		}
		if h, ok := d.handlers.lookupBroadcast(env.Topic); ok {
			h(meta, env.Payload)
		}

	case KindCast:
		// Casts addressed to self are delivered normally (no self-filter).
		if h, ok := d.handlers.lookupCast(env.Topic); ok {
			h(meta, env.Payload)
		}

	case KindGroupMsg:
		if env.From == d.identity {
			return // same self-delivery rule applies to group messages
		}
		if h, ok := d.handlers.lookupGroup(env.Topic); ok {
			h(meta, env.Payload)
		}

	case KindRequest:
		d.handleRequest(env, meta)

	case KindResponse:
		d.requests.handleResponse(env, task.receivedAt)

	case KindBidOpen:
		d.auction.handleBidOpen(env, d.publish)

	case KindBidSubmit:
		d.auction.handleBidSubmit(env, task.receivedAt)

	case KindBidAward:
		d.auction.handleBidAward(env)

	default:
		d.log.Warnf("dropping envelope with unknown kind=%q from=%s", env.Kind, env.From)
	}
}

// handleRequest runs the local request handler (if any) and publishes
// the response envelope on the requester's reserved response channel.
func (d *dispatcher) handleRequest(env *Envelope, meta Metadata) {
	handler, ok := d.handlers.lookupRequest(env.Topic)
	if !ok {
		// No handler for this topic: the requester will see a Timeout.
		return
	}

	var responsePayload json.RawMessage
	result, err := func() (res any, hErr error) {
		defer func() {
			if r := recover(); r != nil {
				hErr = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(meta, env.Payload)
	}()

	if err != nil {
		d.log.Warnf("request handler error for topic=%s from=%s: %v", env.Topic, env.From, err)
		responsePayload = encodeHandlerError(err)
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			d.log.Errorf("failed to marshal response payload for topic=%s: %v", env.Topic, mErr)
			responsePayload = encodeHandlerError(mErr)
		} else {
			responsePayload = raw
		}
	}

	resp := &Envelope{
		Kind:          KindResponse,
		Topic:         reservedResponseTopic,
		From:          d.identity,
		To:            env.From,
		CorrelationID: env.CorrelationID,
		Payload:       responsePayload,
	}
	raw, err := resp.encode()
	if err != nil {
		d.log.Errorf("failed to encode response envelope: %v", err)
		return
	}
	if err := d.publish(responseChannel(env.From), raw); err != nil {
		d.log.Errorf("failed to publish response to %s: %v", env.From, err)
	}
}
