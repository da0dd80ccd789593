// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func byteLen(b []byte) int64 {
	return int64(len(b))
}

func TestBoundedRoundTrip(t *testing.T) {
	c := New[string, []byte](1024, 10, byteLen)

	c.Put("a", []byte("hello"))
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "hello", string(got))
	require.Equal(t, int64(5), c.Bytes())

	prev, replaced := c.Put("a", []byte("hi"))
	require.True(t, replaced)
	require.Equal(t, "hello", string(prev))
	require.Equal(t, int64(2), c.Bytes())
	require.Equal(t, 1, c.Len())
}

func TestBoundedCountBound(t *testing.T) {
	c := New[int, []byte](1<<30, 3, byteLen)
	for i := 0; i < 10; i++ {
		c.Put(i, make([]byte, 1))
		if c.Len() > 3 {
			t.Fatalf("unexpected length of cache after put %d: %d", i, c.Len())
		}
	}

	require.Equal(t, []int{7, 8, 9}, c.Keys())
	require.Equal(t, int64(3), c.Bytes())
}

func TestBoundedGetTouchesOrder(t *testing.T) {
	c := New[string, []byte](1<<30, 3, byteLen)
	c.Put("a", nil)
	c.Put("b", nil)
	c.Put("c", nil)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", nil)
	require.False(t, c.Contains("b"), "least recently used entry should be evicted")
	require.True(t, c.Contains("a"))
	require.Equal(t, []string{"c", "a", "d"}, c.Keys())
}

func TestBoundedPeekDoesNotTouch(t *testing.T) {
	c := New[string, []byte](1<<30, 2, byteLen)
	c.Put("a", nil)
	c.Put("b", nil)

	_, ok := c.Peek("a")
	require.True(t, ok)

	c.Put("c", nil)
	require.False(t, c.Contains("a"))
}

func TestBoundedTinyEntriesSurviveBytePressure(t *testing.T) {
	c := New[string, []byte](100, 100, byteLen, WithTinyBytes[string, []byte](10))

	c.Put("tiny-1", make([]byte, 8))
	c.Put("big-1", make([]byte, 60))
	c.Put("tiny-2", make([]byte, 8))
	c.Put("big-2", make([]byte, 60))

	require.True(t, c.Contains("tiny-1"))
	require.True(t, c.Contains("tiny-2"))
	require.False(t, c.Contains("big-1"))
	require.True(t, c.Contains("big-2"))
	require.Equal(t, int64(76), c.Bytes())
}

func TestBoundedOnlyTinyEntriesMayExceedBudget(t *testing.T) {
	c := New[int, []byte](20, 100, byteLen, WithTinyBytes[int, []byte](10))
	for i := 0; i < 5; i++ {
		c.Put(i, make([]byte, 10))
	}

	// Every entry is tiny, so the byte pass removes nothing.
	require.Equal(t, 5, c.Len())
	require.Equal(t, int64(50), c.Bytes())
}

func TestBoundedCountPassEvictsTinyEntries(t *testing.T) {
	c := New[int, []byte](1<<30, 2, byteLen)
	c.Put(1, make([]byte, 1))
	c.Put(2, make([]byte, 1))
	c.Put(3, make([]byte, 1))

	require.Equal(t, 2, c.Len())
	require.False(t, c.Contains(1))
}

func TestBoundedOnEvict(t *testing.T) {
	var evicted []int
	c := New[int, []byte](1<<30, 2, byteLen, WithOnEvict[int, []byte](func(k int, _ []byte) {
		evicted = append(evicted, k)
	}))

	for i := 0; i < 5; i++ {
		c.Put(i, nil)
	}
	require.Equal(t, []int{0, 1, 2}, evicted)
}

func TestBoundedRemoveAndClear(t *testing.T) {
	c := New[string, []byte](1024, 10, byteLen)
	c.Put("a", make([]byte, 10))
	c.Put("b", make([]byte, 20))

	v, ok := c.Remove("a")
	require.True(t, ok)
	require.Len(t, v, 10)
	require.Equal(t, int64(20), c.Bytes())

	_, ok = c.Remove("a")
	require.False(t, ok)

	c.Clear()
	require.Equal(t, 0, c.Len())
	require.Equal(t, int64(0), c.Bytes())
}

func TestBoundedRangeOldestFirst(t *testing.T) {
	c := New[int, []byte](1<<30, 10, byteLen)
	for i := 0; i < 4; i++ {
		c.Put(i, nil)
	}

	seen := []int{}
	c.Range(func(k int, _ []byte) bool {
		seen = append(seen, k)
		return k < 2
	})
	require.Equal(t, []int{0, 1, 2}, seen)
}

func TestBoundedRandomPutsHonorBounds(t *testing.T) {
	const (
		limitBytes = 4096
		limitCount = 50
		tiny       = 64
	)
	r := rand.New(rand.NewSource(7))
	c := New[int, []byte](limitBytes, limitCount, byteLen, WithTinyBytes[int, []byte](tiny))

	for i := 0; i < 5000; i++ {
		c.Put(r.Intn(200), make([]byte, r.Intn(512)))

		if c.Len() > limitCount {
			t.Fatalf("count bound violated after put %d: %d", i, c.Len())
		}

		if c.Bytes() > limitBytes {
			c.Range(func(k int, v []byte) bool {
				if int64(len(v)) > tiny {
					t.Fatalf("byte bound violated after put %d: %d bytes with non tiny entry %d (%d bytes)", i, c.Bytes(), k, len(v))
				}
				return true
			})
		}

		var sum int64
		c.Range(func(_ int, v []byte) bool {
			sum += int64(len(v))
			return true
		})
		if sum != c.Bytes() {
			t.Fatalf("byte accounting drifted after put %d: tracked %d, actual %d", i, c.Bytes(), sum)
		}
	}
}

func TestBoundedConcurrentAccess(t *testing.T) {
	c := New[string, []byte](1<<20, 100, byteLen)
	var wg sync.WaitGroup

	wg.Add(200)
	for i := 0; i < 100; i++ {
		go func(i int) {
			defer wg.Done()
			c.Put(fmt.Sprintf("%d", i), make([]byte, i))
		}(i)
		go func(i int) {
			defer wg.Done()
			c.Get(fmt.Sprintf("%d", i))
		}(i)
	}
	wg.Wait()

	if l := c.Len(); l != 100 {
		t.Fatalf("unexpected length of cache: %d", l)
	}
	require.Equal(t, int64(99*100/2), c.Bytes())
}
