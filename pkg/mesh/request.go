package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Nisugi/clusterfuck/internal/logging"
)

// Result is one identity's outcome from a fan-out Map call: either a
// decoded payload (Err == nil), or a sentinel error (ErrTimeout for a
// missing reply, or a *HandlerError if the remote handler failed).
type Result struct {
	Payload json.RawMessage
	Err     error
}

// pendingRequest tracks one in-flight request (or fan-out) until every
// expected reply has arrived or the deadline elapses.
type pendingRequest struct {
	correlationID string
	expected      int

	mu        sync.Mutex
	results   map[string]Result
	completed bool
	shutdown  bool
	done      chan struct{}
	timer     *time.Timer
}

func newPendingRequest(correlationID string, expected int) *pendingRequest {
	return &pendingRequest{
		correlationID: correlationID,
		expected:      expected,
		results:       make(map[string]Result),
		done:          make(chan struct{}),
	}
}

// recordResponse stores env's payload keyed by sender, honoring the "only
// the first response per (correlation, from) is recorded" tie-break rule.
// Returns true if this response completed the pending request.
func (p *pendingRequest) recordResponse(env *Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return false // deadline already fired; late response dropped
	}
	if _, dup := p.results[env.From]; dup {
		return false // duplicate response for this correlation+from
	}

	outcome := Result{Payload: env.Payload}
	if hErr, ok := asHandlerError(env.Payload); ok {
		outcome = Result{Err: hErr}
	}
	p.results[env.From] = outcome

	if len(p.results) >= p.expected {
		p.completed = true
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		return true
	}
	return false
}

// completeOnTimeout marks the request complete due to deadline elapsing,
// unless it already completed via responses. Idempotent.
func (p *pendingRequest) completeOnTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	p.completed = true
	close(p.done)
}

// completeOnShutdown marks the request complete due to client shutdown.
func (p *pendingRequest) completeOnShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	p.completed = true
	p.shutdown = true
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
}

// snapshot returns a copy of the results collected so far. Safe to call
// after done has fired.
func (p *pendingRequest) snapshot() map[string]Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Result, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

// Future is returned by Client.AsyncRequest: a handle to a single
// in-flight request that resolves on the same terms a synchronous Request
// would (matching response, or ErrTimeout, or ErrShutdown).
type Future struct {
	pending *pendingRequest
	target  string
}

// Wait blocks until the future resolves or ctx is cancelled. Discarding a
// Future without calling Wait is safe: the underlying correlation entry
// still cleans itself up at its deadline.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.pending.done:
		return resolveSingle(f.pending, f.target)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resolveSingle(p *pendingRequest, target string) (json.RawMessage, error) {
	results := p.snapshot()
	outcome, ok := results[target]
	if !ok {
		p.mu.Lock()
		shutdown := p.shutdown
		p.mu.Unlock()
		if shutdown {
			return nil, ErrShutdown
		}
		return nil, ErrTimeout
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Payload, nil
}

// requestCoordinator owns every in-flight request and its correlation
// bookkeeping.
type requestCoordinator struct {
	identity       string
	table          *correlationTable[pendingRequest]
	publish        func(channel string, payload []byte) error
	defaultTimeout time.Duration
	log            *logging.Logger
}

func newRequestCoordinator(identity string, publish func(channel string, payload []byte) error, defaultTimeout time.Duration, log *logging.Logger) *requestCoordinator {
	return &requestCoordinator{
		identity:       identity,
		table:          newCorrelationTable[pendingRequest](),
		publish:        publish,
		defaultTimeout: defaultTimeout,
		log:            log,
	}
}

// resolveTimeout turns a caller-supplied timeout into an actual deadline:
// negative means "use the configured default", zero means "time out
// immediately after publishing", and any positive duration is used
// verbatim.
func (rc *requestCoordinator) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return rc.defaultTimeout
	}
	return timeout
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// start installs a pending request for targets, publishes one
// request envelope per target, and arms the deadline timer. Used by both
// Request/AsyncRequest (single target) and Map (fan-out).
func (rc *requestCoordinator) start(topic string, payload any, timeout time.Duration, targets []string) (*pendingRequest, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	corrID := newCorrelationID()
	pr := newPendingRequest(corrID, len(targets))
	rc.table.put(corrID, pr)

	env := &Envelope{
		Kind:          KindRequest,
		From:          rc.identity,
		CorrelationID: corrID,
		Payload:       raw,
	}

	for _, target := range targets {
		env.Topic = topic
		env.To = target
		encoded, encErr := env.encode()
		if encErr != nil {
			rc.table.delete(corrID)
			return nil, encErr
		}
		if pubErr := rc.publish(identityChannel(target, topic), encoded); pubErr != nil {
			rc.table.delete(corrID)
			return nil, pubErr
		}
	}

	deadline := rc.resolveTimeout(timeout)
	timer := time.AfterFunc(deadline, func() {
		pr.completeOnTimeout()
		rc.table.delete(corrID)
	})
	pr.mu.Lock()
	if pr.completed {
		timer.Stop()
	} else {
		pr.timer = timer
	}
	pr.mu.Unlock()

	return pr, nil
}

// request sends a single-target request and blocks until the response
// arrives or the deadline elapses.
func (rc *requestCoordinator) request(ctx context.Context, target, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	pr, err := rc.start(topic, payload, timeout, []string{target})
	if err != nil {
		return nil, err
	}
	select {
	case <-pr.done:
		return resolveSingle(pr, target)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// asyncRequest sends a single-target request and returns immediately
// with a Future.
func (rc *requestCoordinator) asyncRequest(topic string, payload any, timeout time.Duration, target string) (*Future, error) {
	pr, err := rc.start(topic, payload, timeout, []string{target})
	if err != nil {
		return nil, err
	}
	return &Future{pending: pr, target: target}, nil
}

// mapRequest fans a request out to every target under one correlation ID
// and blocks until every target has replied or the deadline elapses.
// Targets that never respond are reported with ErrTimeout.
func (rc *requestCoordinator) mapRequest(ctx context.Context, targets []string, topic string, payload any, timeout time.Duration) (map[string]Result, error) {
	if len(targets) == 0 {
		return map[string]Result{}, nil
	}

	unique := make([]string, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, target := range targets {
		if !seen[target] {
			seen[target] = true
			unique = append(unique, target)
		}
	}

	pr, err := rc.start(topic, payload, timeout, unique)
	if err != nil {
		return nil, err
	}

	select {
	case <-pr.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	results := pr.snapshot()
	pr.mu.Lock()
	shutdown := pr.shutdown
	pr.mu.Unlock()

	out := make(map[string]Result, len(unique))
	for _, target := range unique {
		if r, ok := results[target]; ok {
			out[target] = r
		} else if shutdown {
			out[target] = Result{Err: ErrShutdown}
		} else {
			out[target] = Result{Err: ErrTimeout}
		}
	}
	return out, nil
}

// handleResponse is invoked by the dispatcher for every inbound response
// envelope.
func (rc *requestCoordinator) handleResponse(env *Envelope, _ time.Time) {
	pr, ok := rc.table.get(env.CorrelationID)
	if !ok {
		return // unknown or already-completed correlation: drop silently
	}
	if pr.recordResponse(env) {
		rc.table.delete(env.CorrelationID)
	}
}

// shutdown cancels every pending request with ErrShutdown.
func (rc *requestCoordinator) shutdown() {
	for _, pr := range rc.table.drain() {
		pr.completeOnShutdown()
	}
}
