// Package storage provides the string-keyed store the bot keeps its trade
// records, configuration snapshots and scoring state in. It abstracts the
// backing key/value engine from the rest of the application.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no value (or the value expired).
var ErrNotFound = errors.New("storage: key not found")

// Store is a string-keyed byte store with optional per-key expiration.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores the value under key. A ttl of 0 means no expiration.
	Set(key string, value []byte, ttl time.Duration) error

	// GetOrSet returns the value for key if present; otherwise it stores
	// and returns the value produced by fn.
	GetOrSet(key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error

	// Close releases the underlying resources.
	Close() error
}
