package mesh

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// newCorrelationID mints a fresh correlation ID: 16 lowercase hex
// characters from a cryptographically strong RNG. Correlation IDs are
// never reused within a process lifetime — the RNG makes reuse
// astronomically unlikely without needing a shared counter.
func newCorrelationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing indicates a broken host; there is no sane
		// fallback that preserves the "cryptographically strong" and
		// "never reused" invariants, so surface it loudly instead of
		// silently degrading to a weaker source.
		panic("mesh: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// correlationTable is the concurrent map used by both pending requests
// and open contracts: frequent concurrent mutation keyed by correlation
// ID, entries removed on completion. A single mutex is sufficient at the
// scale (hundreds, not millions, of in-flight correlations) this fabric
// is sized for.
type correlationTable[T any] struct {
	mu      sync.Mutex
	entries map[string]*T
}

func newCorrelationTable[T any]() *correlationTable[T] {
	return &correlationTable[T]{entries: make(map[string]*T)}
}

func (c *correlationTable[T]) put(id string, v *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = v
}

func (c *correlationTable[T]) get(id string) (*T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	return v, ok
}

func (c *correlationTable[T]) delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// drain removes and returns every entry currently in the table, used on
// shutdown to cancel all pending requests / open contracts at once.
func (c *correlationTable[T]) drain() []*T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*T, 0, len(c.entries))
	for id, v := range c.entries {
		out = append(out, v)
		delete(c.entries, id)
	}
	return out
}
