// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	hmetrics "github.com/hashicorp/go-metrics"
)

var (
	// Path is the default path to write metrics.
	Path = "/var/log/fetchcache/metrics"

	// ReportInterval is the interval to report metrics.
	ReportInterval = 3 * time.Minute

	// AggregationInterval is the interval to aggregate metrics.
	AggregationInterval = 2 * time.Minute

	// RetentionPeriod is the retention period of metrics.
	RetentionPeriod = 10 * time.Minute
)

// memoryMetrics is a metrics collector that stores metrics in memory.
type memoryMetrics struct {
	sink *hmetrics.InmemSink

	reportingInterval time.Duration
	reportFilePath    string
}

var _ Metrics = &memoryMetrics{}

// RecordRequest records the time it takes to process a request.
func (m *memoryMetrics) RecordRequest(method string, handler string, duration float64) {
	m.sink.AddSample([]string{"latency", "server", method + "_" + handler}, float32(duration))
}

// RecordCacheLookup counts a hit or a miss on a cache tier.
func (m *memoryMetrics) RecordCacheLookup(cache, tier string, hit bool) {
	m.sink.IncrCounter([]string{"lookup", cache, tier, hitOrMiss(hit)}, 1)
}

// RecordEviction counts evicted entries.
func (m *memoryMetrics) RecordEviction(cache string, count int) {
	m.sink.IncrCounter([]string{"eviction", cache}, float32(count))
}

// RecordFetch records the time it takes to fetch from a source and the bytes it returned.
func (m *memoryMetrics) RecordFetch(source, op string, duration float64, count int64, ok bool) {
	m.recordLatency(duration, source, op)
	m.recordBytes(count, source, op)
	m.sink.IncrCounter([]string{"fetch", source, op, result(ok)}, 1)

	if duration > 0 {
		m.recordSpeed(float64(count)/duration, source, op)
	}
}

// RecordDiskWrite counts a write attempt.
func (m *memoryMetrics) RecordDiskWrite(cache string, ok bool) {
	m.sink.IncrCounter([]string{"write", cache, result(ok)}, 1)
}

// RecordReap counts files deleted by a reaper.
func (m *memoryMetrics) RecordReap(cache string, deleted int) {
	m.sink.IncrCounter([]string{"reap", cache}, float32(deleted))
}

// recordLatency records the time it takes to perform an operation.
func (m *memoryMetrics) recordLatency(duration float64, host, op string) {
	m.sink.AddSample([]string{"latency", host, op}, float32(duration))
}

// recordSpeed records the speed of a download from a source.
func (m *memoryMetrics) recordSpeed(speed float64, host, op string) {
	m.sink.AddSample([]string{"speed", host, op}, float32(speed))
}

// recordBytes records the number of bytes downloaded from a source.
func (m *memoryMetrics) recordBytes(bytes int64, host, op string) {
	m.sink.AddSample([]string{"bytes", host, op}, float32(bytes))
}

// report writes the current intervals to w, one metric per line.
func (m *memoryMetrics) report(w io.Writer) error {
	for _, interval := range m.sink.Data() {
		interval.RLock()
		lines := []string{}
		for name, c := range interval.Counters {
			lines = append(lines, fmt.Sprintf("[%v][C] %s: count=%d sum=%s", interval.Interval.Format(time.RFC3339), name, c.Count, strconv.FormatFloat(c.Sum, 'f', -1, 64)))
		}
		for name, s := range interval.Samples {
			lines = append(lines, fmt.Sprintf("[%v][S] %s: count=%d mean=%s", interval.Interval.Format(time.RFC3339), name, s.Count, strconv.FormatFloat(s.AggregateSample.Mean(), 'f', -1, 64)))
		}
		interval.RUnlock()

		sort.Strings(lines)
		for _, l := range lines {
			if _, err := fmt.Fprintln(w, l); err != nil {
				return err
			}
		}
	}
	return nil
}

// reportPeriodically reports the current metrics to a file every reporting interval until ctx is done.
func (m *memoryMetrics) reportPeriodically(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.reportingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			f, err := os.OpenFile(m.reportFilePath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
			if err == nil {
				_ = m.report(f)
				_ = f.Sync()
				f.Close()
			}
		}
	}()
}

// NewMemoryMetrics returns a new memory metrics collector.
func NewMemoryMetrics() Metrics {
	return newMemoryMetrics()
}

// NewReportingMemoryMetrics returns a new memory metrics collector that writes its data to Path every
// ReportInterval until ctx is done.
func NewReportingMemoryMetrics(ctx context.Context) Metrics {
	m := newMemoryMetrics()
	m.reportPeriodically(ctx)
	return m
}

func newMemoryMetrics() *memoryMetrics {
	sink := hmetrics.NewInmemSink(AggregationInterval, RetentionPeriod)
	return &memoryMetrics{sink, ReportInterval, Path}
}
