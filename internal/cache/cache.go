// Package cache holds the best-effort, TTL-bounded copy of recently used links.
//
// Nothing in the cache is authoritative. A miss means "unknown", never "does
// not exist", and callers on the redirect and shorten paths must treat
// ErrUnavailable exactly like ErrMiss.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned when the key is absent.
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable is returned when the backend failed, timed out or the
	// circuit breaker is open.
	ErrUnavailable = errors.New("cache unavailable")
)

// Cache maps short codes to target URLs and keeps an advisory visit counter
// per code. Entries and counters expire independently.
type Cache interface {
	Get(ctx context.Context, code string) (string, error)
	Set(ctx context.Context, code, targetURL string, ttl time.Duration) error
	Delete(ctx context.Context, code string) (bool, error)
	IncrementVisits(ctx context.Context, code string) (int64, error)
	GetVisits(ctx context.Context, code string) (int64, error)
	Ping(ctx context.Context) error
}

func urlKey(code string) string    { return "url:" + code }
func visitsKey(code string) string { return "visits:" + code }
