package mesh

import (
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts and pool sizing. 1024 gives the worker queue enough
// headroom to absorb a burst of broadcasts without dropping messages
// under normal load.
const (
	defaultRequestTimeout  = 5 * time.Second
	defaultContractTimeout = 2 * time.Second
	defaultConnectTimeout  = 5 * time.Second
	defaultWorkerQueueSize = 1024
)

// Config configures a Client. It is a plain validated struct rather than
// a file loader — callers construct one directly and pass it to New.
type Config struct {
	// Identity is this client's self-declared name. Must be non-empty;
	// uniqueness across the fleet is not enforced.
	Identity string

	// RedisOptions configures the underlying Redis connection. Required.
	RedisOptions *redis.Options

	// RequestTimeout is the default deadline for Request/AsyncRequest/Map
	// when the caller passes a negative timeout. Zero uses the default
	// of 5s.
	RequestTimeout time.Duration

	// ContractTimeout is the default deadline for CollectBids when the
	// caller passes a negative deadline. Zero uses the default of 2s.
	ContractTimeout time.Duration

	// ConnectTimeout bounds the initial connectivity check performed by
	// New. Zero uses the default of 5s.
	ConnectTimeout time.Duration

	// WorkerPoolSize is the number of dispatcher workers executing
	// handler bodies. Zero uses runtime.GOMAXPROCS(0).
	WorkerPoolSize int

	// WorkerQueueSize bounds the dispatcher's inbound task queue. Zero
	// uses the default of 1024.
	WorkerQueueSize int

	// RegistryPrefix is prepended to every registry key
	// ("<prefix><namespace>.<key>"). Empty by default.
	RegistryPrefix string
}

// withDefaults returns a copy of c with every zero-valued tunable field
// replaced by its default.
func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ContractTimeout <= 0 {
		c.ContractTimeout = defaultContractTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = runtime.GOMAXPROCS(0)
	}
	if c.WorkerQueueSize <= 0 {
		c.WorkerQueueSize = defaultWorkerQueueSize
	}
	return c
}

// Validate reports an error if a required field was left unset.
func (c Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("mesh: Config.Identity must not be empty")
	}
	if c.RedisOptions == nil {
		return fmt.Errorf("mesh: Config.RedisOptions must not be nil")
	}
	return nil
}
