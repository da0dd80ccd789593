// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package resource

import (
	"context"
	"sync"
)

// Future is a Consumer that can be waited on. Only the first application is kept.
type Future[V any] struct {
	once  sync.Once
	done  chan struct{}
	value V
	ok    bool
}

var _ Consumer[int] = &Future[int]{}

// NewFuture creates an unresolved future.
func NewFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Apply resolves the future.
func (f *Future[V]) Apply(value V, ok bool) {
	f.once.Do(func() {
		f.value, f.ok = value, ok
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done.
func (f *Future[V]) Wait(ctx context.Context) (V, bool, error) {
	select {
	case <-f.done:
		return f.value, f.ok, nil
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}
