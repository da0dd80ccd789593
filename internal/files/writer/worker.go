// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package writer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// IdleInterval is how long an idle worker waits for new work before it exits.
var IdleInterval = 30 * time.Second

// Encoder serializes obj to w.
type Encoder func(w io.Writer, obj any) error

// Reaper is notified of written files and runs after each drain.
type Reaper interface {
	// OnFileAdded is called after path was written successfully.
	OnFileAdded(path string)

	// RunIfNeeded enforces the disk quota and reports whether it deleted anything.
	RunIfNeeded() bool
}

// job is a pending write, or a removal when remove is set.
type job struct {
	path   string
	obj    any
	remove bool
}

// Worker persists objects to disk on a single background goroutine.
// Bursts of writes are coalesced onto one goroutine, the reaper runs once per drain, and the goroutine
// exits after being idle for IdleInterval.
type Worker struct {
	fs     afero.Fs
	encode Encoder
	reaper Reaper
	idle   time.Duration

	lock        sync.Mutex
	drained     *sync.Cond
	queue       []job
	outstanding int
	running     bool
	closed      bool
	wake        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	onWrite func(path string, err error)
	written int
	failed  int
}

// New creates a new worker. The reaper may be nil.
func New(ctx context.Context, fs afero.Fs, encode Encoder, reaper Reaper) *Worker {
	log := zerolog.Ctx(ctx).With().Str("component", "writer").Logger()
	ctx, cancel := context.WithCancel(ctx)

	w := &Worker{
		fs:     fs,
		encode: encode,
		reaper: reaper,
		idle:   IdleInterval,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	w.drained = sync.NewCond(&w.lock)

	return w
}

// OnWrite registers a callback invoked after every write attempt.
func (w *Worker) OnWrite(fn func(path string, err error)) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.onWrite = fn
}

// Enqueue schedules obj to be written to path.
func (w *Worker) Enqueue(path string, obj any) {
	w.push(job{path: path, obj: obj})
}

// Remove schedules path to be deleted after every write queued before it.
// A missing file is reported to OnWrite with an error matching os.ErrNotExist and is not counted as a failure.
func (w *Worker) Remove(path string) {
	w.push(job{path: path, remove: true})
}

func (w *Worker) push(j job) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		w.log.Debug().Str("path", j.path).Msg("writer closed, dropping job")
		return
	}

	w.queue = append(w.queue, j)
	w.outstanding++

	if !w.running {
		w.running = true
		go w.run()
		return
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every enqueued write has been processed and reported to the OnWrite callback.
func (w *Worker) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()

	for w.outstanding > 0 {
		w.drained.Wait()
	}
}

// Running reports whether the background goroutine is alive.
func (w *Worker) Running() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.running
}

// Stats returns the number of successful and failed jobs.
func (w *Worker) Stats() (written, failed int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.written, w.failed
}

// Close stops the worker. Queued writes that have not started are dropped.
func (w *Worker) Close() {
	w.lock.Lock()
	w.closed = true
	w.outstanding -= len(w.queue)
	w.queue = nil
	w.drained.Broadcast()
	w.lock.Unlock()

	w.cancel()
}

// run is the worker loop.
func (w *Worker) run() {
	w.log.Debug().Msg("writer start")
	defer w.log.Debug().Msg("writer stop")

	for {
		worked := w.drain()
		if w.reaper != nil && w.reaper.RunIfNeeded() {
			worked = true
		}
		if worked {
			continue
		}

		timer := time.NewTimer(w.idle)
		select {
		case <-w.wake:
			timer.Stop()
			continue
		case <-w.ctx.Done():
			timer.Stop()
			w.lock.Lock()
			if len(w.queue) > 0 && !w.closed {
				w.lock.Unlock()
				continue
			}
			w.running = false
			w.lock.Unlock()
			return
		case <-timer.C:
		}

		w.lock.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.lock.Unlock()
			return
		}
		w.lock.Unlock()
	}
}

// drain writes queued jobs until the queue is empty. It reports whether any job was processed.
func (w *Worker) drain() bool {
	worked := false
	for {
		w.lock.Lock()
		if len(w.queue) == 0 || w.closed {
			w.lock.Unlock()
			return worked
		}
		j := w.queue[0]
		w.queue[0] = job{}
		w.queue = w.queue[1:]
		w.lock.Unlock()

		err := w.write(j)
		worked = true

		w.lock.Lock()
		if err != nil && !(j.remove && errors.Is(err, os.ErrNotExist)) {
			w.failed++
		} else if err == nil {
			w.written++
		}
		onWrite := w.onWrite
		w.lock.Unlock()

		if onWrite != nil {
			onWrite(j.path, err)
		}

		w.lock.Lock()
		w.outstanding--
		if w.outstanding <= 0 {
			w.outstanding = 0
			w.drained.Broadcast()
		}
		w.lock.Unlock()
	}
}

// write encodes a job to a temporary file and renames it into place.
func (w *Worker) write(j job) error {
	log := w.log.With().Str("path", j.path).Logger()

	if j.remove {
		err := w.fs.Remove(j.path)
		if err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).Msg("writer remove failed")
		} else if err == nil {
			log.Debug().Msg("writer removed")
		}
		return err
	}

	if err := w.fs.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		log.Error().Err(err).Msg("writer mkdir failed")
		return err
	}

	tmp := j.path + ".tmp-" + uuid.NewString()
	f, err := w.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		log.Error().Err(err).Msg("writer create failed")
		return err
	}

	err = w.encode(f, j.obj)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = w.fs.Rename(tmp, j.path)
	}
	if err != nil {
		if rerr := w.fs.Remove(tmp); rerr != nil && !os.IsNotExist(rerr) {
			log.Error().Err(rerr).Msg("writer cleanup failed")
		}
		log.Error().Err(err).Msg("writer write failed")
		return err
	}

	if w.reaper != nil {
		w.reaper.OnFileAdded(j.path)
	}

	log.Debug().Msg("writer wrote")
	return nil
}
