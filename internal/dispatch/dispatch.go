// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package dispatch

import (
	"context"
	"sync"
)

// Dispatcher runs callbacks on behalf of a component that must not invoke them on its own goroutine.
type Dispatcher interface {
	Dispatch(fn func())
}

type inline struct{}

// Dispatch runs fn immediately.
func (inline) Dispatch(fn func()) { fn() }

// Inline runs every callback on the calling goroutine.
var Inline Dispatcher = inline{}

// Loop queues callbacks and runs them one at a time on the goroutine that calls Run.
// Dispatch never blocks.
type Loop struct {
	lock   sync.Mutex
	queue  []func()
	notify chan struct{}
}

var _ Dispatcher = &Loop{}

// NewLoop creates an empty loop.
func NewLoop() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Dispatch queues fn.
func (l *Loop) Dispatch(fn func()) {
	l.lock.Lock()
	l.queue = append(l.queue, fn)
	l.lock.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run executes queued callbacks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.drain()

		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}
	}
}

// drain runs callbacks until the queue is empty.
func (l *Loop) drain() {
	for {
		l.lock.Lock()
		if len(l.queue) == 0 {
			l.lock.Unlock()
			return
		}
		fns := l.queue
		l.queue = nil
		l.lock.Unlock()

		for _, fn := range fns {
			fn()
		}
	}
}
