// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/azure/fetchcache/internal/dispatch"
	"github.com/azure/fetchcache/internal/files/writer"
	"github.com/azure/fetchcache/internal/metrics"
	"github.com/dgraph-io/ristretto"
	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const cacheName = "thumbnails"

// Options configures a blob store. Zero values select the package defaults.
type Options struct {
	Fs         afero.Fs
	Dir        string
	Dispatcher dispatch.Dispatcher
}

// blobStore stores renditions as {id}_s.jpg and {id}_l.jpg in one directory.
type blobStore struct {
	fs       afero.Fs
	dir      string
	writer   *writer.Worker
	exists   *ristretto.Cache
	dispatch dispatch.Dispatcher

	// direct is set when the filesystem cannot be watched; the store then reports its own changes.
	direct bool

	lock      sync.Mutex
	queued    map[string]*queuedOp
	version   uint64
	observers []Observer
	watcher   *fsnotify.Watcher
	blobsChan chan Key

	log     zerolog.Logger
	metrics metrics.Metrics
}

var _ BlobStore = &blobStore{}

// queuedOp is the outcome of the writes and removals of one path still in the writer queue.
type queuedOp struct {
	count  int
	exists bool
}

// NewBlobStore creates a new store.
func NewBlobStore(ctx context.Context, opts Options) (BlobStore, error) {
	return newBlobStore(ctx, opts)
}

func newBlobStore(ctx context.Context, opts Options) (*blobStore, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Dir == "" {
		opts.Dir = Path
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.Inline
	}

	c, err := ristretto.NewCache(&ristretto.Config{NumCounters: 1e5, MaxCost: 1e4, BufferItems: 64})
	if err != nil {
		return nil, fmt.Errorf("failed to create existence cache: %w", err)
	}

	_, watchable := opts.Fs.(*afero.OsFs)
	m := metrics.FromContext(ctx)

	s := &blobStore{
		fs:        opts.Fs,
		dir:       filepath.Clean(opts.Dir),
		exists:    c,
		dispatch:  opts.Dispatcher,
		direct:    !watchable,
		queued:    map[string]*queuedOp{},
		blobsChan: make(chan Key, 1000),
		log:       zerolog.Ctx(ctx).With().Str("component", "store").Str("dir", opts.Dir).Logger(),
		metrics:   m,
	}

	s.writer = writer.New(ctx, opts.Fs, encodeImage, nil)
	s.writer.OnWrite(func(path string, err error) {
		s.lock.Lock()
		if op := s.queued[path]; op != nil {
			op.count--
			if op.count <= 0 {
				delete(s.queued, path)
			}
		}
		s.version++
		s.lock.Unlock()
		s.exists.Del(path)

		m.RecordDiskWrite(cacheName, err == nil || os.IsNotExist(err))
		if err != nil {
			return
		}
		if s.direct {
			s.notify(path)
		}
	})

	return s, nil
}

// Path returns the location of the given rendition.
func (s *blobStore) Path(entityID int64, variant Variant) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%s%s", entityID, variant.suffix(), ext))
}

// Store persists img as the given rendition.
func (s *blobStore) Store(entityID int64, variant Variant, img image.Image) {
	s.StoreForced(entityID, variant, img, false)
}

// StoreForced persists img and, for the large rendition, derives the small one if missing or forced.
func (s *blobStore) StoreForced(entityID int64, variant Variant, img image.Image, forceSmall bool) {
	if img == nil {
		s.log.Debug().Int64("id", entityID).Msg("store skipping empty image")
		return
	}

	s.enqueue(s.Path(entityID, variant), img)

	if variant != Large || (!forceSmall && s.smallExists(entityID)) {
		return
	}

	small := imaging.Fit(img, SmallSize, SmallSize, imaging.Lanczos)
	s.enqueue(s.Path(entityID, Small), small)
}

// Delete removes both renditions of entityID once the writes queued before it have landed.
// Missing files are not an error.
func (s *blobStore) Delete(entityID int64) {
	for _, v := range []Variant{Small, Large} {
		s.enqueue(s.Path(entityID, v), nil)
	}
}

// enqueue schedules a write of img to p, or its removal when img is nil, and records the pending outcome.
func (s *blobStore) enqueue(p string, img image.Image) {
	s.lock.Lock()
	op := s.queued[p]
	if op == nil {
		op = &queuedOp{}
		s.queued[p] = op
	}
	op.count++
	op.exists = img != nil
	s.version++
	s.lock.Unlock()
	s.exists.Del(p)

	if img == nil {
		s.writer.Remove(p)
		return
	}
	s.writer.Enqueue(p, img)
}

// Open opens the given rendition for reading.
func (s *blobStore) Open(entityID int64, variant Variant) (afero.File, error) {
	return s.fs.Open(s.Path(entityID, variant))
}

// AddObserver registers o. The first observer starts the directory watch.
func (s *blobStore) AddObserver(o Observer) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, existing := range s.observers {
		if existing == o {
			return
		}
	}
	s.observers = append(s.observers, o)

	if len(s.observers) == 1 && !s.direct && s.watcher == nil {
		if err := s.startWatchLocked(); err != nil {
			s.log.Error().Err(err).Msg("store watch failed")
		}
	}
}

// RemoveObserver unregisters o. The last observer stops the directory watch.
func (s *blobStore) RemoveObserver(o Observer) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			break
		}
	}

	if len(s.observers) == 0 {
		s.stopWatchLocked()
	}
}

// Subscribe returns a channel that will be notified when a blob changes.
func (s *blobStore) Subscribe() chan Key {
	return s.blobsChan
}

// Flush blocks until pending writes have completed.
func (s *blobStore) Flush() {
	s.writer.Flush()
}

// Close stops watching and writing.
func (s *blobStore) Close() {
	s.lock.Lock()
	s.observers = nil
	s.stopWatchLocked()
	s.lock.Unlock()

	s.writer.Close()
	s.exists.Close()
}

// smallExists reports whether the small rendition of entityID is on disk or will be once queued jobs land.
func (s *blobStore) smallExists(entityID int64) bool {
	p := s.Path(entityID, Small)

	s.lock.Lock()
	version := s.version
	if op := s.queued[p]; op != nil {
		exists := op.exists
		s.lock.Unlock()
		return exists
	}
	s.lock.Unlock()

	if val, ok := s.exists.Get(p); ok {
		s.metrics.RecordCacheLookup(cacheName, "exists", true)
		return val.(bool)
	}
	s.metrics.RecordCacheLookup(cacheName, "exists", false)

	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		s.log.Error().Err(err).Str("path", p).Msg("store stat failed")
		return false
	}

	// Only cache the stat when no job for the store landed or was queued meanwhile.
	s.lock.Lock()
	if s.version == version {
		s.exists.SetWithTTL(p, ok, 1, ExistsTTL)
	}
	s.lock.Unlock()
	return ok
}

// notify fans a change of path out to observers and subscribers.
func (s *blobStore) notify(path string) {
	if filepath.Dir(path) != s.dir {
		return
	}
	id, variant, ok := parseName(filepath.Base(path))
	if !ok {
		return
	}

	s.lock.Lock()
	live := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		if l, ok := o.(interface{ Alive() bool }); ok && !l.Alive() {
			continue
		}
		live = append(live, o)
	}
	s.observers = live
	observers := append([]Observer{}, live...)
	s.lock.Unlock()

	s.log.Debug().Int64("id", id).Str("variant", variant.String()).Int("observers", len(observers)).Msg("store changed")

	for _, o := range observers {
		o := o
		s.dispatch.Dispatch(func() { o.OnResourceChanged(id, variant, path) })
	}

	select {
	case s.blobsChan <- Key{EntityID: id, Variant: variant}:
	default:
		s.log.Debug().Int64("id", id).Msg("store subscriber channel full")
	}
}

// parseName extracts the entity id and variant from a file name like 42_s.jpg.
func parseName(name string) (int64, Variant, bool) {
	base, found := strings.CutSuffix(name, ext)
	if !found {
		return 0, 0, false
	}

	i := strings.LastIndexByte(base, '_')
	if i <= 0 {
		return 0, 0, false
	}

	id, err := strconv.ParseInt(base[:i], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	v := base[i+1:]
	if len(v) != 1 {
		return 0, 0, false
	}
	variant, err := ParseVariant(v)
	if err != nil {
		return 0, 0, false
	}

	return id, variant, true
}

// encodeImage writes an image as JPEG. It satisfies writer.Encoder.
func encodeImage(w io.Writer, obj any) error {
	img, ok := obj.(image.Image)
	if !ok {
		return fmt.Errorf("unexpected object type %T", obj)
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
}
