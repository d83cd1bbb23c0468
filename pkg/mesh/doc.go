// Package mesh provides a client-side messaging fabric for fleets of
// game-automation scripts that need to cooperate in real time over a
// shared pub/sub backend.
//
// # Overview
//
// Every participant is a Client identified by a self-declared, printable
// identity string. Clients exchange JSON envelopes over three channel
// families layered on the transport's namespace:
//
//   - Public broadcasts: gs.pub.<topic>
//   - Per-identity casts, requests and responses: gs.<identity>.<topic>
//   - Secure group messages: gs.grp.<group_id>.<topic>
//
// On top of plain addressing the package implements a correlated
// request/response protocol (with single-target and fan-out variants), a
// sealed-bid single-winner contract auction, at-most-one group membership,
// and a namespaced JSON key/value registry.
//
// # Multi-Client Support
//
// Channel names are derived purely from identity/topic/group-id, so any
// number of clients can share one Redis instance without interference as
// long as identities don't collide. Collision detection is best-effort:
// New claims a marker key for its identity and logs a warning if another
// client already holds it, but does not refuse to start.
//
// # Usage Example
//
//	cfg := mesh.Config{Identity: "healer-01", RedisOptions: &redis.Options{Addr: "localhost:6379"}}
//	client, err := mesh.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Shutdown(context.Background())
//
//	client.OnRequest("status", func(meta mesh.Metadata, payload json.RawMessage) (any, error) {
//		return map[string]bool{"ok": true}, nil
//	})
//
//	reply, err := client.Request(ctx, "healer-02", "status", nil, -1)
//
// # Wire Schema
//
// Every message is a self-describing Envelope (see envelope.go) JSON
// encoded and published on one of the channel families above. The schema
// is intentionally stable across implementations so that mixed-language
// fleets can interoperate.
//
// # Design Principles
//
//   - Addressing is pure and stateless: channel names are computed, never stored.
//   - The transport reader never runs user code; all handler bodies run on
//     a bounded worker pool.
//   - Deadlines are authoritative: late responses and bids are dropped
//     silently rather than racing completed operations.
package mesh
