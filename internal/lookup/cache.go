package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSize        = 256
	DefaultTTL         = 5 * time.Minute
	DefaultNegativeTTL = 30 * time.Second
)

// LoadFunc fetches the value for a key when it is not cached.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	value V
	err   error
}

// Cache memoizes a slow lookup. Concurrent misses for the same key share one
// call; successes live for ttl and failures for negativeTTL.
type Cache[V any] struct {
	load     LoadFunc[V]
	group    singleflight.Group
	hits     *expirable.LRU[string, entry[V]]
	failures *expirable.LRU[string, entry[V]]
}

func NewCache[V any](load LoadFunc[V], size int, ttl, negativeTTL time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Cache[V]{
		load:     load,
		hits:     expirable.NewLRU[string, entry[V]](size, nil, ttl),
		failures: expirable.NewLRU[string, entry[V]](size, nil, negativeTTL),
	}
}

// Get returns the cached value or loads it.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if e, ok := c.hits.Get(key); ok {
		return e.value, nil
	}
	if e, ok := c.failures.Get(key); ok {
		return e.value, e.err
	}
	ch := c.group.DoChan(key, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		v, err := c.load(context.WithoutCancel(ctx), key)
		if err != nil {
			c.failures.Add(key, entry[V]{value: v, err: err})
		} else {
			c.hits.Add(key, entry[V]{value: v})
		}
		return v, err
	})
	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			if v, ok := res.Val.(V); ok {
				zero = v
			}
			return zero, res.Err
		}
		return res.Val.(V), nil //nolint:forcetypeassert // set by the loader above
	}
}

// Forget drops any cached result for key.
func (c *Cache[V]) Forget(key string) {
	c.hits.Remove(key)
	c.failures.Remove(key)
	c.group.Forget(key)
}

// Len reports cached successes and failures.
func (c *Cache[V]) Len() (hits, failures int) {
	return c.hits.Len(), c.failures.Len()
}

// ErrNotFound is returned by directories for unknown ids.
var ErrNotFound = errors.New("not found")
