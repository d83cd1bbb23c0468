package mesh

import (
	"context"
	"encoding/json"
)

// Registry is a namespaced JSON key/value façade over the transport's
// key/value primitives. Namespace + key compose to
// "<prefix><namespace>.<key>"; the empty namespace uses the key directly
// under the configured prefix.
type Registry struct {
	namespace string
	prefix    string
	transport Transport
}

func newRegistry(namespace, prefix string, transport Transport) *Registry {
	return &Registry{namespace: namespace, prefix: prefix, transport: transport}
}

func (r *Registry) fullKey(key string) string {
	return registryKey(r.prefix, r.namespace, key)
}

// Put JSON-encodes value and writes it under key. Writes are
// last-writer-wins per the backend; there is no locking.
func (r *Registry) Put(ctx context.Context, key string, value any) error {
	raw, err := encodePayload(value)
	if err != nil {
		return err
	}
	return r.transport.KVPut(ctx, r.fullKey(key), raw)
}

// Get returns the JSON-encoded value stored at key, or ErrMissing if key
// does not exist. Callers decode with json.Unmarshal into their own type.
func (r *Registry) Get(ctx context.Context, key string) (json.RawMessage, error) {
	raw, err := r.transport.KVGet(ctx, r.fullKey(key))
	if err != nil {
		return nil, err // KVGet already returns ErrMissing for absent keys
	}
	return json.RawMessage(raw), nil
}

// Delete removes key. No error is raised if key was already absent.
func (r *Registry) Delete(ctx context.Context, key string) error {
	return r.transport.KVDelete(ctx, r.fullKey(key))
}

// Exists reports whether key is present without fetching its value.
func (r *Registry) Exists(ctx context.Context, key string) (bool, error) {
	return r.transport.KVExists(ctx, r.fullKey(key))
}
