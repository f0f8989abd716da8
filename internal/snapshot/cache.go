// Package snapshot caches values loaded from slow sources, such as the
// controls row and the instrument catalog, for a short TTL.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"otcmarket/pkg/exception"
)

// Loader fetches a fresh value.
type Loader[T any] func(ctx context.Context) (T, error)

// Cache returns the last loaded value until it is older than the TTL. When a
// reload fails, the previous value is kept and served; before any successful
// load the fallback is served instead.
type Cache[T any] struct {
	name     string
	load     Loader[T]
	ttl      time.Duration
	fallback T
	now      func() time.Time

	mu       sync.Mutex
	value    T
	loadedAt time.Time
	loaded   bool
	lastErr  error
}

// Option customizes a Cache.
type Option[T any] func(*Cache[T])

// WithFallback sets the value served when nothing was ever loaded.
func WithFallback[T any](v T) Option[T] {
	return func(c *Cache[T]) { c.fallback = v }
}

// WithClock replaces time.Now.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

func New[T any](name string, ttl time.Duration, load Loader[T], opts ...Option[T]) (*Cache[T], error) {
	if load == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "snapshot loader").With("name", name)
	}
	if ttl <= 0 {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "ttl %s", ttl).With("name", name)
	}
	c := &Cache[T]{name: name, load: load, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached value, reloading it when stale. The returned error
// reports a failed reload; the value is still usable.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.loaded && now.Sub(c.loadedAt) < c.ttl {
		return c.value, nil
	}

	v, err := c.load(ctx)
	if err != nil {
		if c.lastErr == nil {
			logs.Warnf("snapshot %s: reload failed, serving previous value: %+v", c.name, err)
		}
		c.lastErr = err
		if c.loaded {
			return c.value, errors.Wrap(err, "reload snapshot").With("name", c.name)
		}
		return c.fallback, errors.Wrap(err, "load snapshot").With("name", c.name)
	}
	if c.lastErr != nil {
		logs.Infof("snapshot %s: reload recovered", c.name)
	}
	c.value, c.loadedAt, c.loaded, c.lastErr = v, now, true, nil
	return v, nil
}

// Invalidate forces the next Get to reload.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
