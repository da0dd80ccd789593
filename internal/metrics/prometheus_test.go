// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromMetricsRecordCacheLookup(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg, "test", "fetchcache")

	m.RecordCacheLookup("http", "memory", true)
	m.RecordCacheLookup("http", "memory", true)
	m.RecordCacheLookup("http", "disk", false)

	require.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("test", "http", "memory", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("test", "http", "disk", "miss")))
}

func TestPromMetricsCounters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg, "test", "fetchcache")

	m.RecordEviction("images", 4)
	m.RecordDiskWrite("http", true)
	m.RecordDiskWrite("http", false)
	m.RecordReap("http", 51)
	m.RecordFetch("example.com", "remote", 0.5, 2048, true)

	require.Equal(t, 4.0, testutil.ToFloat64(m.evictions.WithLabelValues("test", "images")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.diskWrites.WithLabelValues("test", "http", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.diskWrites.WithLabelValues("test", "http", "error")))
	require.Equal(t, 51.0, testutil.ToFloat64(m.reaped.WithLabelValues("test", "http")))
	require.Equal(t, 2048.0, testutil.ToFloat64(m.fetchBytes.WithLabelValues("test", "example.com", "remote")))
	require.Equal(t, 1, testutil.CollectAndCount(m.fetchDuration))
}

func TestPromMetricsRecordRequest(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg, "test", "fetchcache")

	m.RecordRequest("GET", "resources", 0.25)
	m.RecordRequest("GET", "thumbnails", 0.25)

	require.Equal(t, 2, testutil.CollectAndCount(m.requestDuration))
}
