package mesh

import "encoding/json"

// Kind identifies the wire role of an Envelope. The set is closed and
// stable across implementations.
type Kind string

const (
	KindBroadcast  Kind = "broadcast"
	KindCast       Kind = "cast"
	KindRequest    Kind = "request"
	KindResponse   Kind = "response"
	KindBidOpen    Kind = "bid_open"
	KindBidSubmit  Kind = "bid_submit"
	KindBidAward   Kind = "bid_award"
	KindGroupMsg   Kind = "group_msg"
)

// reservedResponseTopic is the topic every response is published under,
// on the requester's per-identity channel.
const reservedResponseTopic = "__response__"

// reservedAliveTopic is the reserved liveness-probe topic: any non-empty
// reply means the probed identity is alive.
const reservedAliveTopic = "__alive__"

// Envelope is the self-describing record wrapping every message placed on
// the wire. Field names and JSON tags are part of the cross-implementation
// wire contract and must not change.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	Topic         string          `json:"topic"`
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DeadlineMs    *int64          `json:"deadline_ms,omitempty"`
}

// encode marshals the envelope to its wire form.
func (e *Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

// decodeEnvelope unmarshals a wire message into an Envelope. A decode
// failure here is always logged and dropped by the caller, never
// surfaced to user code.
func decodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// errorPayload is the structured representation of a failed request
// handler, placed on the wire in a response envelope's payload so the
// requester can reconstruct the failure instead of just timing out.
type errorPayload struct {
	ErrorKind string `json:"__error__"`
	Message   string `json:"message"`
}

// encodeHandlerError builds the JSON payload for a response envelope that
// reports a HandlerError to the requester. A *HandlerError keeps its
// Message as is, so it round-trips unchanged through asHandlerError.
func encodeHandlerError(err error) json.RawMessage {
	msg := err.Error()
	if hErr, ok := err.(*HandlerError); ok {
		msg = hErr.Message
	}
	p := errorPayload{ErrorKind: "HandlerError", Message: msg}
	raw, mErr := json.Marshal(p)
	if mErr != nil {
		// Marshaling a string-only struct cannot realistically fail;
		// fall back to a minimal literal so the wire always carries
		// *something* decodable.
		return json.RawMessage(`{"__error__":"HandlerError","message":"unknown error"}`)
	}
	return raw
}

// asHandlerError reports whether payload is an encoded errorPayload, and
// if so returns the reconstructed error.
func asHandlerError(payload json.RawMessage) (*HandlerError, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var p errorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, false
	}
	if p.ErrorKind != "HandlerError" {
		return nil, false
	}
	return &HandlerError{Message: p.Message}, true
}

// Metadata is the handler-facing description of an inbound message,
// supplied by the dispatcher alongside the decoded payload.
type Metadata struct {
	From          string
	Topic         string
	CorrelationID string
}
