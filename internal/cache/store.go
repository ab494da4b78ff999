// Package cache provides the two cache tiers backing resource resolution:
// a persistent Badger store for cross-run identity caching and a small
// in-memory TTL map for hot view and zone listings.
package cache

import (
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the persistent tier. Values are JSON-encoded by the caller.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Close() error
}
