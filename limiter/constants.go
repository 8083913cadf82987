package limiter

import "time"

// Scope determines how the storage key is composed from the caller identifier.
type Scope string

// Scopes
const (
	ScopeIP           Scope = "ip"
	ScopeUser         Scope = "user"
	ScopeUserResource Scope = "user_resource"
)

// Valid scopes
var validScopes = map[Scope]bool{
	ScopeIP:           true,
	ScopeUser:         true,
	ScopeUserResource: true,
}

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const (
	// DefaultKeyPrefix namespaces every bucket key written to Redis.
	DefaultKeyPrefix = "ratelimit:"
	// DefaultStorageTimeout bounds a single storage round trip.
	DefaultStorageTimeout = 50 * time.Millisecond
	// DefaultCost is charged when a rule does not set one.
	DefaultCost uint = 1
	// MaxWindow caps the time an empty bucket may take to refill. Twice the
	// window must still fit in a time.Duration to be used as the bucket TTL.
	MaxWindow = 100 * 365 * 24 * time.Hour
)
