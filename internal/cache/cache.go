// Package cache provides the TTL key-value cache used for whale views.
// Values are stored as JSON.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key-value store.
type Cache interface {
	// Get decodes the value at key into dest. It reports false on a miss.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set stores value under key for ttl. A ttl of 0 never expires.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
