// Package cache holds short-lived derived data in Redis: assembled analysis
// contexts and the reconciliation sweep lock.
package cache

import (
	"context"
	"time"
)

// Cache stores JSON values. A decode failure on read is reported as a miss.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
