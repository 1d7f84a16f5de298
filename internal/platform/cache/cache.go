// Package cache provides an unbounded, process-lifetime key/value cache that
// runs at most one computation per key.
//
// Entries are never invalidated or evicted. A failed computation is not
// stored, so the next caller for that key computes again.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Observer receives cache events. Implementations must be safe for
// concurrent use.
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheSize(cache string, entries int)
}

type noopObserver struct{}

func (noopObserver) CacheHit(string) {}
func (noopObserver) CacheMiss(string) {}
func (noopObserver) CacheSize(string, int) {}

// Option configures a Cache.
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver reports hits, misses and size to o.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observer = o
		}
	}
}

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	name     string
	entries  sync.Map
	size     atomic.Int64
	group    singleflight.Group
	observer Observer
}

// New creates an empty cache. name labels the cache in observer events.
func New[V any](name string, opts ...Option) *Cache[V] {
	o := options{observer: noopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{name: name, observer: o.observer}
}

// Get returns the stored value for key, if any.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	val, _ := v.(V)
	return val, true
}

// Len returns the number of stored entries.
func (c *Cache[V]) Len() int {
	return int(c.size.Load())
}

// GetOrCompute returns the value stored for key, computing and storing it on
// a miss. Concurrent callers for the same missing key share one call to
// compute and all receive its result or its error.
//
// compute runs with a context detached from ctx's cancellation, so one caller
// giving up does not fail the others; it should bound itself with a timeout.
// A caller whose ctx ends while waiting gets ctx.Err() and the computation
// keeps running for the remaining waiters.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		c.observer.CacheHit(c.name)
		return v, nil
	}

	computeCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A flight that finished between the Get above and DoChan has
		// already stored the value.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		c.observer.CacheMiss(c.name)

		v, err := safeCompute(computeCtx, compute)
		if err != nil {
			return nil, err
		}
		if _, loaded := c.entries.LoadOrStore(key, v); !loaded {
			c.observer.CacheSize(c.name, int(c.size.Add(1)))
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// safeCompute turns a panic in compute into an error; DoChan would otherwise
// re-panic on a goroutine no middleware can recover.
func safeCompute[V any](ctx context.Context, compute func(context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache compute panicked: %v", r)
		}
	}()
	return compute(ctx)
}
