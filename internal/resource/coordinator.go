// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package resource

import (
	"context"
	"sync"

	"github.com/azure/fetchcache/internal/cache"
	"github.com/azure/fetchcache/internal/dispatch"
	"github.com/azure/fetchcache/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// DefaultLimitBytes is the default byte budget of a coordinator's memory cache.
	DefaultLimitBytes int64 = 32 * 1024 * 1024

	// DefaultLimitCount is the default entry budget of a coordinator's memory cache.
	DefaultLimitCount = 512
)

// Options configures a Coordinator.
type Options[V any] struct {
	// Name identifies the coordinator in logs and metrics.
	Name string

	LimitBytes int64
	LimitCount int
	TinyBytes  int64

	// Size computes the footprint of a fetched value.
	Size cache.SizeFunc[V]

	// Dispatcher runs consumer callbacks. Defaults to dispatch.Inline.
	Dispatcher dispatch.Dispatcher
}

// slot is a cache entry of the coordinator. A nil slot marks a fetch in flight.
type slot[V any] struct {
	value V
}

// pending is a consumer waiting for key.
type pending[K comparable, V any] struct {
	key      K
	consumer Consumer[V]
}

// Coordinator caches fetched resources, de-duplicates fetches and hands results to waiting consumers.
// At most one fetch batch runs at a time; keys requested while a batch runs are fetched by the next one.
// A failed fetch is cached and is not retried until the key is invalidated.
type Coordinator[K comparable, V any] struct {
	name     string
	fetcher  Fetcher[K, V]
	dispatch dispatch.Dispatcher

	lock     sync.Mutex
	cache    *cache.Bounded[K, *slot[V]]
	failed   *slot[V]
	pending  []pending[K, V]
	queue    []K
	inflight map[K]struct{}
	running  bool
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
	metrics metrics.Metrics
}

// New creates a new coordinator that fetches with fetcher.
func New[K comparable, V any](ctx context.Context, fetcher Fetcher[K, V], opts Options[V]) *Coordinator[K, V] {
	if opts.Name == "" {
		opts.Name = "resource"
	}
	if opts.LimitBytes == 0 {
		opts.LimitBytes = DefaultLimitBytes
	}
	if opts.LimitCount == 0 {
		opts.LimitCount = DefaultLimitCount
	}
	if opts.TinyBytes == 0 {
		opts.TinyBytes = cache.DefaultTinyBytes
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.Inline
	}

	ctx, cancel := context.WithCancel(ctx)
	m := metrics.FromContext(ctx)

	c := &Coordinator[K, V]{
		name:     opts.Name,
		fetcher:  fetcher,
		dispatch: opts.Dispatcher,
		failed:   &slot[V]{},
		inflight: map[K]struct{}{},
		ctx:      ctx,
		cancel:   cancel,
		log:      zerolog.Ctx(ctx).With().Str("component", "coordinator").Str("name", opts.Name).Logger(),
		metrics:  m,
	}

	size := func(s *slot[V]) int64 {
		if s == nil || s == c.failed || opts.Size == nil {
			return 0
		}
		return opts.Size(s.value)
	}

	c.cache = cache.New(opts.LimitBytes, opts.LimitCount, size,
		cache.WithTinyBytes[K, *slot[V]](opts.TinyBytes),
		cache.WithOnEvict[K, *slot[V]](func(K, *slot[V]) { m.RecordEviction(opts.Name, 1) }),
	)

	return c
}

// Attach applies the resource for key to consumer.
// A cached value or cached failure is applied before Attach returns. Otherwise, unless skipIfAbsent is set,
// the consumer is registered and applied once the fetch completes. A consumer waits for at most one key:
// attaching it again replaces its previous registration.
func (c *Coordinator[K, V]) Attach(key K, consumer Consumer[V], skipIfAbsent bool) {
	var zero K
	var apply func()

	c.lock.Lock()
	c.detachLocked(consumer)

	switch {
	case c.closed || key == zero:
		apply = fallback(consumer)

	default:
		s, present := c.cache.Get(key)
		hit := present && s != nil
		c.metrics.RecordCacheLookup(c.name, "memory", hit)

		if hit {
			apply = c.applyFunc(consumer, s)
		} else if skipIfAbsent {
			apply = fallback(consumer)
		} else {
			c.pending = append(c.pending, pending[K, V]{key: key, consumer: consumer})
			c.prefetchLocked(key)
		}
	}
	c.lock.Unlock()

	if apply != nil {
		c.dispatch.Dispatch(apply)
	}
}

// Detach removes the pending registration of consumer, if any. The fetch for its key is not cancelled.
func (c *Coordinator[K, V]) Detach(consumer Consumer[V]) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.detachLocked(consumer)
}

// Prefetch starts fetching key unless it is cached, failed, queued or in flight.
func (c *Coordinator[K, V]) Prefetch(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.prefetchLocked(key)
}

// Get returns the cached value for key.
// It reports false for keys that are missing, in flight, or failed.
func (c *Coordinator[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	s, ok := c.cache.Get(key)
	if !ok || s == nil || s == c.failed {
		var zero V
		return zero, false
	}
	return s.value, true
}

// Invalidate forgets the cached value or failure for key so that the next request fetches it again.
// A fetch already in flight for key is not affected.
func (c *Coordinator[K, V]) Invalidate(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if s, ok := c.cache.Peek(key); ok && s != nil {
		c.cache.Remove(key)
	}
}

// Clear forgets every cached value and failure. Fetches in flight are not affected.
func (c *Coordinator[K, V]) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.cache.Clear()
	for _, k := range c.queue {
		c.cache.Put(k, nil)
	}
	for k := range c.inflight {
		c.cache.Put(k, nil)
	}
}

// Len returns the number of cached entries, including in-flight markers and failures.
func (c *Coordinator[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cache.Len()
}

// Close tears the coordinator down. The running batch stops early, pending consumers receive the
// fallback and later calls apply the fallback immediately.
func (c *Coordinator[K, V]) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	c.cancel()

	applies := []func(){}
	for i := len(c.pending) - 1; i >= 0; i-- {
		if alive(c.pending[i].consumer) {
			applies = append(applies, fallback(c.pending[i].consumer))
		}
	}
	c.pending = nil
	c.queue = nil
	c.inflight = map[K]struct{}{}
	c.cache.Clear()
	c.lock.Unlock()

	c.log.Debug().Int("pending", len(applies)).Msg("coordinator closed")
	c.run(applies)
}

// prefetchLocked marks key as in flight and starts a batch if none is running.
func (c *Coordinator[K, V]) prefetchLocked(key K) {
	var zero K
	if c.closed || key == zero {
		return
	}

	if c.cache.Contains(key) {
		return
	}
	if _, ok := c.inflight[key]; ok {
		return
	}
	for _, k := range c.queue {
		if k == key {
			return
		}
	}

	c.cache.Put(key, nil)
	c.queue = append(c.queue, key)

	if !c.running {
		c.startLocked()
	}
}

// startLocked hands every queued key to a new batch.
func (c *Coordinator[K, V]) startLocked() {
	if len(c.queue) == 0 {
		return
	}

	keys := c.queue
	c.queue = nil
	for _, k := range keys {
		c.inflight[k] = struct{}{}
	}
	c.running = true

	c.log.Debug().Int("keys", len(keys)).Msg("coordinator batch start")
	results := c.fetcher.Fetch(c.ctx, keys)
	go c.consume(results)
}

// consume delivers the results of one batch.
func (c *Coordinator[K, V]) consume(results <-chan Result[K, V]) {
	for r := range results {
		c.complete(r.Key, r.Value, r.OK)
	}
	c.batchFinished()
}

// complete stores the outcome of one fetch and applies it to every consumer waiting for key.
func (c *Coordinator[K, V]) complete(key K, value V, ok bool) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	applies := c.completeLocked(key, value, ok)
	c.lock.Unlock()

	c.run(applies)
}

func (c *Coordinator[K, V]) completeLocked(key K, value V, ok bool) []func() {
	delete(c.inflight, key)

	s := c.failed
	if ok {
		s = &slot[V]{value: value}
	} else {
		c.log.Debug().Interface("key", key).Msg("coordinator fetch failed")
	}
	c.cache.Put(key, s)

	applies := []func(){}
	kept := make([]pending[K, V], 0, len(c.pending))
	matched := []Consumer[V]{}
	for _, p := range c.pending {
		switch {
		case !alive(p.consumer):
		case p.key == key:
			matched = append(matched, p.consumer)
		default:
			kept = append(kept, p)
		}
	}
	c.pending = kept

	// Newest registrations first.
	for i := len(matched) - 1; i >= 0; i-- {
		applies = append(applies, c.applyFunc(matched[i], s))
	}
	return applies
}

// batchFinished starts the next batch if keys were queued while the last one ran.
// Keys the batch did not report are treated as failed.
// A coordinator whose context ended without Close is closed here.
func (c *Coordinator[K, V]) batchFinished() {
	c.lock.Lock()
	c.running = false
	if c.closed {
		c.lock.Unlock()
		return
	}
	if err := c.ctx.Err(); err != nil {
		c.lock.Unlock()
		c.log.Debug().Err(err).Msg("coordinator context done")
		c.Close()
		return
	}

	var zero V
	applies := []func(){}
	for k := range c.inflight {
		applies = append(applies, c.completeLocked(k, zero, false)...)
	}

	c.startLocked()
	c.lock.Unlock()

	c.log.Debug().Msg("coordinator batch finished")
	c.run(applies)
}

// detachLocked removes the registration of consumer.
func (c *Coordinator[K, V]) detachLocked(consumer Consumer[V]) {
	for i, p := range c.pending {
		if p.consumer == consumer {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// applyFunc returns a callback that applies s to consumer.
func (c *Coordinator[K, V]) applyFunc(consumer Consumer[V], s *slot[V]) func() {
	if s == c.failed {
		return fallback(consumer)
	}
	v := s.value
	return func() { consumer.Apply(v, true) }
}

func (c *Coordinator[K, V]) run(applies []func()) {
	for _, fn := range applies {
		c.dispatch.Dispatch(fn)
	}
}

func fallback[V any](consumer Consumer[V]) func() {
	return func() {
		var zero V
		consumer.Apply(zero, false)
	}
}

func alive[V any](consumer Consumer[V]) bool {
	if l, ok := consumer.(Liveness); ok {
		return l.Alive()
	}
	return true
}
