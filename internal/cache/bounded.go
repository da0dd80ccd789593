// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// DefaultTinyBytes is the size at or below which an entry is exempt from byte budget eviction.
// It is the decoded footprint of a 64x64 ARGB thumbnail.
const DefaultTinyBytes int64 = 64 * 64 * 4

// SizeFunc computes the tracked footprint of a value in bytes.
type SizeFunc[V any] func(V) int64

// Option configures a Bounded cache.
type Option[K comparable, V any] func(*Bounded[K, V])

// WithTinyBytes overrides the tiny threshold.
func WithTinyBytes[K comparable, V any](n int64) Option[K, V] {
	return func(b *Bounded[K, V]) {
		b.tiny = n
	}
}

// WithOnEvict registers a callback invoked for every entry removed by the eviction passes.
// The callback runs with the cache lock held and must not call back into the cache.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(b *Bounded[K, V]) {
		b.onEvict = fn
	}
}

// entry is a cached value with the size it was accounted with.
type entry[V any] struct {
	value V
	size  int64
}

// Bounded is an access ordered map bounded by both a byte budget and an entry count.
// After every mutation the count is at most the count limit, and the tracked bytes are at most the
// byte limit unless every remaining entry is at or below the tiny threshold.
type Bounded[K comparable, V any] struct {
	lock       sync.Mutex
	lru        *simplelru.LRU
	size       SizeFunc[V]
	bytes      int64
	limitBytes int64
	limitCount int
	tiny       int64
	onEvict    func(K, V)
}

// New creates a cache with the given limits.
// A non positive count limit is set to 1.
func New[K comparable, V any](limitBytes int64, limitCount int, size SizeFunc[V], opts ...Option[K, V]) *Bounded[K, V] {
	if limitCount <= 0 {
		limitCount = 1
	}

	// Eviction is driven by this type, never by the list itself.
	lru, err := simplelru.NewLRU(math.MaxInt, nil)
	if err != nil {
		panic(err)
	}

	b := &Bounded[K, V]{
		lru:        lru,
		size:       size,
		limitBytes: limitBytes,
		limitCount: limitCount,
		tiny:       DefaultTinyBytes,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Put inserts or replaces the value for key, marks it most recently used and runs eviction.
// It returns the value it replaced, if any.
func (b *Bounded[K, V]) Put(key K, value V) (prev V, replaced bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if old, ok := b.lru.Peek(key); ok {
		e := old.(entry[V])
		b.bytes -= e.size
		prev, replaced = e.value, true
	}

	e := entry[V]{value: value, size: b.sizeOf(value)}
	b.lru.Add(key, e)
	b.bytes += e.size

	b.trim()
	return prev, replaced
}

// Get returns the value for key and marks it most recently used.
func (b *Bounded[K, V]) Get(key K) (V, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	val, ok := b.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(entry[V]).value, true
}

// Peek returns the value for key without changing its recency.
func (b *Bounded[K, V]) Peek(key K) (V, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	val, ok := b.lru.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(entry[V]).value, true
}

// Contains reports whether key is present without changing its recency.
func (b *Bounded[K, V]) Contains(key K) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.lru.Contains(key)
}

// Remove deletes key and returns the removed value, if any.
func (b *Bounded[K, V]) Remove(key K) (V, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	val, ok := b.lru.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}

	e := val.(entry[V])
	b.lru.Remove(key)
	b.bytes -= e.size
	return e.value, true
}

// Clear removes every entry and resets the byte accounting.
func (b *Bounded[K, V]) Clear() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.lru.Purge()
	b.bytes = 0
}

// Len returns the number of entries.
func (b *Bounded[K, V]) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.lru.Len()
}

// Bytes returns the tracked size of all entries.
func (b *Bounded[K, V]) Bytes() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.bytes
}

// Keys returns the keys from least to most recently used.
func (b *Bounded[K, V]) Keys() []K {
	b.lock.Lock()
	defer b.lock.Unlock()

	raw := b.lru.Keys()
	keys := make([]K, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k.(K))
	}
	return keys
}

// Range calls fn for each entry from least to most recently used until fn returns false.
// Recency is not changed. fn runs with the cache lock held and must not call back into the cache.
func (b *Bounded[K, V]) Range(fn func(K, V) bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, k := range b.lru.Keys() {
		val, ok := b.lru.Peek(k)
		if !ok {
			continue
		}
		if !fn(k.(K), val.(entry[V]).value) {
			return
		}
	}
}

// trim runs both eviction passes. The caller must hold the lock.
func (b *Bounded[K, V]) trim() {
	// Pass 1: byte budget. Tiny entries are skipped so a working set of small values survives.
	if b.bytes > b.limitBytes {
		for _, k := range b.lru.Keys() {
			if b.bytes <= b.limitBytes {
				break
			}
			val, ok := b.lru.Peek(k)
			if !ok {
				continue
			}
			e := val.(entry[V])
			if e.size <= b.tiny {
				continue
			}
			b.lru.Remove(k)
			b.bytes -= e.size
			b.evicted(k.(K), e.value)
		}
	}

	// Pass 2: hard count cap, regardless of size.
	for b.lru.Len() > b.limitCount {
		k, val, ok := b.lru.RemoveOldest()
		if !ok {
			break
		}
		e := val.(entry[V])
		b.bytes -= e.size
		b.evicted(k.(K), e.value)
	}
}

func (b *Bounded[K, V]) evicted(key K, value V) {
	if b.onEvict != nil {
		b.onEvict(key, value)
	}
}

func (b *Bounded[K, V]) sizeOf(value V) int64 {
	if b.size == nil {
		return 0
	}
	if n := b.size(value); n > 0 {
		return n
	}
	return 0
}
