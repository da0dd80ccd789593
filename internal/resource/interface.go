// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package resource

import (
	"context"
)

// Consumer receives the outcome of an attach.
// ok is false when no resource is available and the consumer should show its fallback.
// Consumers are compared with ==, so implementations must be comparable (typically pointers).
type Consumer[V any] interface {
	Apply(value V, ok bool)
}

// Liveness is implemented by consumers that can be torn down without detaching.
// A consumer that reports false is dropped from the pending list and never applied.
type Liveness interface {
	Alive() bool
}

// Result is the outcome of fetching one key.
type Result[K comparable, V any] struct {
	Key   K
	Value V
	OK    bool
}

// Fetcher fetches a batch of keys.
type Fetcher[K comparable, V any] interface {
	// Fetch starts fetching keys and returns immediately.
	// One result is sent per completed key, in completion order, and the channel is closed after the last one.
	// When ctx is done the fetcher stops without sending results for the remaining keys.
	Fetch(ctx context.Context, keys []K) <-chan Result[K, V]
}
