// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines an interface to collect cache and fetch metrics.
type Metrics interface {
	// RecordRequest records the time it takes to process a request.
	RecordRequest(method, handler string, duration float64)

	// RecordCacheLookup records a lookup against one tier of a cache.
	RecordCacheLookup(cache, tier string, hit bool)

	// RecordEviction records entries evicted from a cache.
	RecordEviction(cache string, count int)

	// RecordFetch records the time it takes to fetch a resource from a source and the bytes it returned.
	RecordFetch(source, op string, duration float64, count int64, ok bool)

	// RecordDiskWrite records a write attempt by a persistence worker.
	RecordDiskWrite(cache string, ok bool)

	// RecordReap records files deleted by a quota reaper.
	RecordReap(cache string, deleted int)
}

type ctxKey struct{}

// Global is the metrics collector used when none is attached to a context.
var Global Metrics = NewMemoryMetrics()

// WithContext returns a new context with a prometheus metrics recorder registered on the default registerer.
func WithContext(ctx context.Context, name, prefix string) (context.Context, error) {
	pm := NewPromMetrics(prometheus.DefaultRegisterer, name, prefix)
	if pm == nil {
		return nil, errors.New("failed to create prometheus metrics")
	}

	return WithMetrics(ctx, pm), nil
}

// WithMetrics returns a new context carrying the given recorder.
func WithMetrics(ctx context.Context, m Metrics) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the metrics recorder from the context, or Global.
func FromContext(ctx context.Context) Metrics {
	if m, ok := ctx.Value(ctxKey{}).(Metrics); ok {
		return m
	}
	return Global
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func hitOrMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
