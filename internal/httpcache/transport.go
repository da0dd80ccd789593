// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package httpcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/azure/fetchcache/internal/cache"
	"github.com/azure/fetchcache/internal/files/quota"
	"github.com/azure/fetchcache/internal/files/writer"
	"github.com/azure/fetchcache/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spaolacci/murmur3"
	"github.com/spf13/afero"
)

const (
	cacheName = "http"
	filePrefix = "response"
	fileSuffix = ".bin"
)

var (
	// Path is the default directory for persisted responses.
	Path = "/var/cache/fetchcache/http"

	// MemoryMaxBytes is the default byte budget of the in-memory tier.
	MemoryMaxBytes int64 = 8 * 1024 * 1024

	// MemoryMaxCount is the default entry budget of the in-memory tier.
	MemoryMaxCount = 256

	// DiskUpperLimit is the file count above which the disk tier is reaped.
	DiskUpperLimit = 200

	// DiskLowerLimit is the file count the disk tier is reaped down to.
	DiskLowerLimit = 150
)

// KeyFunc maps a request identity to a cache key.
type KeyFunc func(method, url string) uint32

// Key is the default KeyFunc, a 32-bit murmur3 hash of the method and url.
// Collisions are tolerated because every record carries the identity it was stored for.
func Key(method, url string) uint32 {
	return murmur3.Sum32([]byte(method + " " + url))
}

// Options configures a Transport. Zero values select the package defaults.
type Options struct {
	Fs          afero.Fs
	Dir         string
	MemoryBytes int64
	MemoryCount int
	DiskUpper   int
	DiskLower   int
	KeyFunc     KeyFunc
}

// Transport is an http.RoundTripper that caches successful GET responses in memory and on disk.
type Transport struct {
	base   http.RoundTripper
	fs     afero.Fs
	dir    string
	key    KeyFunc
	memory *cache.Bounded[uint32, *Record]
	writer *writer.Worker
	reaper *quota.Reaper

	log     zerolog.Logger
	metrics metrics.Metrics
}

var _ http.RoundTripper = &Transport{}

// New creates a caching transport wrapping base. A nil base uses http.DefaultTransport.
func New(ctx context.Context, base http.RoundTripper, opts Options) (*Transport, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Dir == "" {
		opts.Dir = Path
	}
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = MemoryMaxBytes
	}
	if opts.MemoryCount == 0 {
		opts.MemoryCount = MemoryMaxCount
	}
	if opts.DiskUpper == 0 && opts.DiskLower == 0 {
		opts.DiskUpper, opts.DiskLower = DiskUpperLimit, DiskLowerLimit
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = Key
	}

	log := zerolog.Ctx(ctx).With().Str("component", "httpcache").Logger()
	m := metrics.FromContext(ctx)

	r, err := quota.New(ctx, opts.Fs, opts.Dir, opts.DiskUpper, opts.DiskLower, isResponseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create http cache reaper: %w", err)
	}
	r.OnReap(func(deleted int) { m.RecordReap(cacheName, deleted) })

	w := writer.New(ctx, opts.Fs, encodeRecord, r)
	w.OnWrite(func(_ string, err error) { m.RecordDiskWrite(cacheName, err == nil) })

	t := &Transport{
		base:    base,
		fs:      opts.Fs,
		dir:     opts.Dir,
		key:     opts.KeyFunc,
		writer:  w,
		reaper:  r,
		log:     log,
		metrics: m,
	}

	t.memory = cache.New(opts.MemoryBytes, opts.MemoryCount, (*Record).Size,
		cache.WithOnEvict[uint32, *Record](func(uint32, *Record) { m.RecordEviction(cacheName, 1) }))

	return t, nil
}

// RoundTrip serves GET requests from the memory tier, then the disk tier, then the base transport.
// Other methods are passed through unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	method, u := req.Method, req.URL.String()
	k := t.key(method, u)
	log := t.log.With().Str("url", u).Uint32("key", k).Logger()

	if rec, ok := t.memory.Get(k); ok && rec.Matches(method, u) {
		t.metrics.RecordCacheLookup(cacheName, "memory", true)
		log.Debug().Msg("http cache memory hit")
		return rec.Response(req), nil
	} else if ok {
		log.Debug().Str("stored", rec.URL).Msg("http cache key collision")
	}
	t.metrics.RecordCacheLookup(cacheName, "memory", false)

	if rec := t.load(k); rec != nil {
		t.memory.Put(k, rec)
		if rec.Matches(method, u) {
			t.metrics.RecordCacheLookup(cacheName, "disk", true)
			log.Debug().Msg("http cache disk hit")
			return rec.Response(req), nil
		}
		log.Debug().Str("stored", rec.URL).Msg("http cache key collision")
	}
	t.metrics.RecordCacheLookup(cacheName, "disk", false)

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.metrics.RecordFetch("remote", "roundtrip", time.Since(start).Seconds(), 0, false)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	t.metrics.RecordFetch("remote", "roundtrip", time.Since(start).Seconds(), int64(len(body)), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	rec := newRecord(req, resp, body)
	if cacheable(resp.StatusCode) {
		t.memory.Put(k, rec)
		t.writer.Enqueue(t.path(k), rec)
	}

	return rec.Response(req), nil
}

// Flush blocks until pending disk writes have completed.
func (t *Transport) Flush() {
	t.writer.Flush()
}

// Close stops the disk writer. Pending writes are dropped.
func (t *Transport) Close() {
	t.writer.Close()
}

// load reads the persisted record for k. Corrupt files are deleted.
func (t *Transport) load(k uint32) *Record {
	p := t.path(k)
	b, err := afero.ReadFile(t.fs, p)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Error().Err(err).Str("path", p).Msg("http cache read failed")
		}
		return nil
	}

	rec, err := decodeRecord(b)
	if err != nil {
		t.log.Warn().Err(err).Str("path", p).Msg("http cache discarding corrupt record")
		if rerr := t.fs.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			t.log.Error().Err(rerr).Str("path", p).Msg("http cache remove failed")
		}
		t.reaper.Invalidate()
		return nil
	}

	return rec
}

func (t *Transport) path(k uint32) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s%d%s", filePrefix, k, fileSuffix))
}

func isResponseFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

// cacheable reports whether a response with the given status is retained.
func cacheable(status int) bool {
	return status >= 200 && status < 300
}
