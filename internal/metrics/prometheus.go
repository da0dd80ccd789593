// Package metrics provides metrics collectors backed by Prometheus or by memory.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics is a metrics collector that stores metrics in Prometheus.
type promMetrics struct {
	name            string
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchBytes      *prometheus.CounterVec
	diskWrites      *prometheus.CounterVec
	reaped          *prometheus.CounterVec
}

var _ Metrics = &promMetrics{}

// RecordRequest records the duration of a request for a specific method and handler.
func (m *promMetrics) RecordRequest(method string, handler string, duration float64) {
	m.requestDuration.WithLabelValues(m.name, method, handler).Observe(duration)
}

// RecordCacheLookup counts a hit or a miss on a cache tier.
func (m *promMetrics) RecordCacheLookup(cache, tier string, hit bool) {
	m.cacheLookups.WithLabelValues(m.name, cache, tier, hitOrMiss(hit)).Inc()
}

// RecordEviction counts evicted entries.
func (m *promMetrics) RecordEviction(cache string, count int) {
	m.evictions.WithLabelValues(m.name, cache).Add(float64(count))
}

// RecordFetch records the duration of a fetch and the bytes it returned.
func (m *promMetrics) RecordFetch(source, op string, duration float64, count int64, ok bool) {
	m.fetchDuration.WithLabelValues(m.name, source, op, result(ok)).Observe(duration)
	m.fetchBytes.WithLabelValues(m.name, source, op).Add(float64(count))
}

// RecordDiskWrite counts a write attempt.
func (m *promMetrics) RecordDiskWrite(cache string, ok bool) {
	m.diskWrites.WithLabelValues(m.name, cache, result(ok)).Inc()
}

// RecordReap counts files deleted by a reaper.
func (m *promMetrics) RecordReap(cache string, deleted int) {
	m.reaped.WithLabelValues(m.name, cache).Add(float64(deleted))
}

// NewPromMetrics creates a new instance of promMetrics.
func NewPromMetrics(reg prometheus.Registerer, name, prefix string) *promMetrics {

	requestDurationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_request_duration_seconds",
		Help:    "Duration of requests in seconds.",
		Buckets: prometheus.LinearBuckets(0.005, 0.025, 200),
	}, []string{"self", "method", "handler"})
	reg.MustRegister(requestDurationHist)

	cacheLookupsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_cache_lookups_total",
		Help: "Cache lookups by cache, tier and result.",
	}, []string{"self", "cache", "tier", "result"})
	reg.MustRegister(cacheLookupsCounter)

	evictionsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_cache_evictions_total",
		Help: "Entries evicted from memory caches.",
	}, []string{"self", "cache"})
	reg.MustRegister(evictionsCounter)

	fetchDurationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_fetch_duration_seconds",
		Help:    "Duration of resource fetches in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"self", "source", "op", "result"})
	reg.MustRegister(fetchDurationHist)

	fetchBytesCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_fetch_bytes_total",
		Help: "Bytes returned by resource fetches.",
	}, []string{"self", "source", "op"})
	reg.MustRegister(fetchBytesCounter)

	diskWritesCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_disk_writes_total",
		Help: "Background disk writes by result.",
	}, []string{"self", "cache", "result"})
	reg.MustRegister(diskWritesCounter)

	reapedCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_reaped_files_total",
		Help: "Files deleted by disk quota reapers.",
	}, []string{"self", "cache"})
	reg.MustRegister(reapedCounter)

	return &promMetrics{
		name:            name,
		requestDuration: requestDurationHist,
		cacheLookups:    cacheLookupsCounter,
		evictions:       evictionsCounter,
		fetchDuration:   fetchDurationHist,
		fetchBytes:      fetchBytesCounter,
		diskWrites:      diskWritesCounter,
		reaped:          reapedCounter,
	}
}
