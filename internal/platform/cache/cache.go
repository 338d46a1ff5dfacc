// Package cache provides the key/value caches shared by adapters and the snapshot
// store: an in-memory LRU, a Redis client and a two-tier combination of both.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in cache
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when cache value is invalid
	ErrInvalidValue = errors.New("cache: invalid value")
)

// Cache defines the interface for cache operations. In-process caches return the
// stored value itself; remote caches return the encoded json.RawMessage. Use Decode
// to read either form as a concrete type.
type Cache interface {
	// Get retrieves a value from cache
	Get(ctx context.Context, key string) (interface{}, error)

	// Set stores a value in cache with TTL. A non-positive TTL never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache
	Delete(ctx context.Context, key string) error

	// Close closes the cache connection
	Close() error
}

// Decode converts a cached value into T, unmarshalling encoded values from remote layers.
func Decode[T any](value interface{}) (T, error) {
	var out T
	switch v := value.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return out, ErrInvalidValue
		}
		return *v, nil
	case json.RawMessage:
		if err := json.Unmarshal(v, &out); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return out, nil
	case []byte:
		if err := json.Unmarshal(v, &out); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return out, nil
	default:
		return out, fmt.Errorf("%w: unexpected %T", ErrInvalidValue, value)
	}
}

// GetAs is Get followed by Decode.
func GetAs[T any](ctx context.Context, c Cache, key string) (T, error) {
	value, err := c.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](value)
}
