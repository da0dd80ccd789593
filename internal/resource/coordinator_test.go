// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFetcher resolves a key to its length. Batches block on gate, if set, before emitting.
type fakeFetcher struct {
	lock    sync.Mutex
	calls   map[string]int
	batches [][]string
	fail    map[string]bool
	drop    map[string]bool
	gate    chan struct{}
	aborted atomic.Bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, fail: map[string]bool{}, drop: map[string]bool{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, keys []string) <-chan Result[string, int] {
	f.lock.Lock()
	f.batches = append(f.batches, append([]string{}, keys...))
	for _, k := range keys {
		f.calls[k]++
	}
	gate := f.gate
	f.lock.Unlock()

	ch := make(chan Result[string, int])
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				f.aborted.Store(true)
				return
			}
		}
		for _, k := range keys {
			if ctx.Err() != nil {
				f.aborted.Store(true)
				return
			}
			if f.drop[k] {
				continue
			}
			ch <- Result[string, int]{Key: k, Value: len(k), OK: !f.fail[k]}
		}
	}()
	return ch
}

func (f *fakeFetcher) callsFor(k string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[k]
}

type outcome struct {
	value int
	ok    bool
}

// recorder is a consumer that records every application.
type recorder struct {
	name  string
	ch    chan outcome
	order *[]string
	lock  *sync.Mutex
	dead  bool
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan outcome, 8)}
}

func (r *recorder) Apply(v int, ok bool) {
	if r.order != nil {
		r.lock.Lock()
		*r.order = append(*r.order, r.name)
		r.lock.Unlock()
	}
	r.ch <- outcome{value: v, ok: ok}
}

func (r *recorder) Alive() bool { return !r.dead }

// now returns an outcome that must already have been applied.
func (r *recorder) now(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	default:
		t.Fatal("expected a synchronous application")
		return outcome{}
	}
}

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for application")
		return outcome{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case o := <-r.ch:
		t.Fatalf("unexpected application: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestCoordinator(t *testing.T, f *fakeFetcher) *Coordinator[string, int] {
	t.Helper()
	c := New[string, int](context.Background(), f, Options[int]{
		Name: "test",
		Size: func(v int) int64 { return int64(v) },
	})
	t.Cleanup(c.Close)
	return c
}

func TestAttachZeroKeyAppliesFallback(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCoordinator(t, f)
	r := newRecorder()

	c.Attach("", r, false)
	require.Equal(t, outcome{}, r.now(t))
	require.Empty(t, f.batches)
}

func TestAttachFetchesThenServesFromCache(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCoordinator(t, f)

	r := newRecorder()
	c.Attach("abc", r, false)
	require.Equal(t, outcome{value: 3, ok: true}, r.wait(t))

	v, ok := c.Get("abc")
	require.True(t, ok)
	require.Equal(t, 3, v)

	r2 := newRecorder()
	c.Attach("abc", r2, false)
	require.Equal(t, outcome{value: 3, ok: true}, r2.now(t))
	require.Equal(t, 1, f.callsFor("abc"))
}

func TestPrefetchDeduplicates(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newTestCoordinator(t, f)

	c.Prefetch("abc")
	c.Prefetch("abc")
	r := newRecorder()
	c.Attach("abc", r, false)

	_, ok := c.Get("abc")
	require.False(t, ok, "in-flight keys have no value")

	close(f.gate)
	require.Equal(t, outcome{value: 3, ok: true}, r.wait(t))
	require.Equal(t, 1, f.callsFor("abc"))
}

func TestFailedFetchIsNegativelyCached(t *testing.T) {
	f := newFakeFetcher()
	f.fail["bad"] = true
	c := newTestCoordinator(t, f)

	r := newRecorder()
	c.Attach("bad", r, false)
	require.Equal(t, outcome{}, r.wait(t))

	_, ok := c.Get("bad")
	require.False(t, ok)

	r2 := newRecorder()
	c.Attach("bad", r2, false)
	require.Equal(t, outcome{}, r2.now(t))
	c.Prefetch("bad")
	require.Equal(t, 1, f.callsFor("bad"))

	// Invalidation allows a retry.
	c.Invalidate("bad")
	c.Attach("bad", r2, false)
	require.Equal(t, outcome{}, r2.wait(t))
	require.Equal(t, 2, f.callsFor("bad"))

	c.Clear()
	c.Prefetch("bad")
	require.Eventually(t, func() bool { return f.callsFor("bad") == 3 }, time.Second, 5*time.Millisecond)
}

func TestCompletionSatisfiesAllConsumersNewestFirst(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newTestCoordinator(t, f)

	var lock sync.Mutex
	order := []string{}
	recs := []*recorder{}
	for _, name := range []string{"first", "second", "third"} {
		r := newRecorder()
		r.name, r.order, r.lock = name, &order, &lock
		recs = append(recs, r)
		c.Attach("abc", r, false)
	}

	close(f.gate)
	for _, r := range recs {
		require.Equal(t, outcome{value: 3, ok: true}, r.wait(t))
	}

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []string{"third", "second", "first"}, order)
}

func TestKeysQueuedDuringBatchRunInNextBatch(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newTestCoordinator(t, f)

	ra, rb, rc := newRecorder(), newRecorder(), newRecorder()
	c.Attach("a", ra, false)
	c.Attach("bb", rb, false)
	c.Attach("ccc", rc, false)

	close(f.gate)
	require.Equal(t, outcome{value: 1, ok: true}, ra.wait(t))
	require.Equal(t, outcome{value: 2, ok: true}, rb.wait(t))
	require.Equal(t, outcome{value: 3, ok: true}, rc.wait(t))

	f.lock.Lock()
	defer f.lock.Unlock()
	require.Equal(t, [][]string{{"a"}, {"bb", "ccc"}}, f.batches)
}

func TestSkipIfAbsentDoesNotFetch(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCoordinator(t, f)

	r := newRecorder()
	c.Attach("abc", r, true)
	require.Equal(t, outcome{}, r.now(t))
	require.Equal(t, 0, f.callsFor("abc"))
	require.Equal(t, 0, c.Len())
}

func TestReattachReplacesRegistration(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newTestCoordinator(t, f)

	r := newRecorder()
	c.Attach("a", r, false)
	c.Attach("bb", r, false)

	close(f.gate)
	require.Equal(t, outcome{value: 2, ok: true}, r.wait(t))
	r.none(t)

	// The abandoned fetch still populated the cache.
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestDetachedAndDeadConsumersAreNotApplied(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newTestCoordinator(t, f)

	detached, dead, live := newRecorder(), newRecorder(), newRecorder()
	c.Attach("abc", detached, false)
	c.Attach("abc", dead, false)
	c.Attach("abc", live, false)
	c.Detach(detached)
	c.Detach(detached)
	dead.dead = true

	close(f.gate)
	require.Equal(t, outcome{value: 3, ok: true}, live.wait(t))
	detached.none(t)
	dead.none(t)
}

func TestUnreportedKeysFail(t *testing.T) {
	f := newFakeFetcher()
	f.drop["lost"] = true
	c := newTestCoordinator(t, f)

	r := newRecorder()
	c.Attach("lost", r, false)
	require.Equal(t, outcome{}, r.wait(t))
	require.Equal(t, 1, f.callsFor("lost"))
}

func TestCloseAbortsBatch(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := New[string, int](context.Background(), f, Options[int]{})

	r := newRecorder()
	c.Attach("abc", r, false)
	c.Close()
	require.Equal(t, outcome{}, r.wait(t))
	require.Eventually(t, f.aborted.Load, time.Second, 5*time.Millisecond)

	r2 := newRecorder()
	c.Attach("abc", r2, false)
	require.Equal(t, outcome{}, r2.now(t))
	c.Close()
}

func TestCacheBoundsApply(t *testing.T) {
	f := newFakeFetcher()
	c := New[string, int](context.Background(), f, Options[int]{LimitCount: 2})
	defer c.Close()

	for _, k := range []string{"a", "bb", "ccc"} {
		r := newRecorder()
		c.Attach(k, r, false)
		r.wait(t)
	}
	require.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestCancelledContextDoesNotCacheFailures(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	c := New[string, int](ctx, f, Options[int]{})
	defer c.Close()

	r := newRecorder()
	c.Attach("abc", r, false)
	cancel()
	require.Equal(t, outcome{}, r.wait(t))
	require.Eventually(t, f.aborted.Load, time.Second, 5*time.Millisecond)

	require.Equal(t, 0, c.Len())
	_, ok := c.Get("abc")
	require.False(t, ok)

	// The coordinator behaves as closed: no new fetch is started.
	r2 := newRecorder()
	c.Attach("abc", r2, false)
	require.Equal(t, outcome{}, r2.now(t))
	require.Equal(t, 1, f.callsFor("abc"))
}
