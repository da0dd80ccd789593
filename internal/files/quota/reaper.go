// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// unknown marks a tracked count that has not been established by a directory scan yet.
const unknown = -1

// ErrInvalidWatermarks is returned when the lower watermark is not below the upper one.
var ErrInvalidWatermarks = errors.New("lower limit must be non negative and below upper limit")

// Filter selects the files in the watched directory that count towards the quota.
type Filter func(name string) bool

// All is a Filter that accepts every regular file.
func All(string) bool { return true }

// Reaper keeps the number of matching files in a directory under an upper watermark by deleting the
// oldest files, by modification time, down to a lower watermark.
type Reaper struct {
	fs     afero.Fs
	dir    string
	upper  int
	lower  int
	filter Filter

	lock  sync.Mutex
	count int

	log     zerolog.Logger
	onReap  func(deleted int)
	removed int
}

// New creates a new reaper for dir.
func New(ctx context.Context, fs afero.Fs, dir string, upper, lower int, filter Filter) (*Reaper, error) {
	if lower < 0 || lower >= upper {
		return nil, fmt.Errorf("%w: upper %d, lower %d", ErrInvalidWatermarks, upper, lower)
	}

	if filter == nil {
		filter = All
	}

	return &Reaper{
		fs:     fs,
		dir:    filepath.Clean(dir),
		upper:  upper,
		lower:  lower,
		filter: filter,
		count:  unknown,
		log:    zerolog.Ctx(ctx).With().Str("component", "reaper").Str("dir", dir).Logger(),
	}, nil
}

// OnReap registers a callback that receives the number of files deleted by each eviction.
func (r *Reaper) OnReap(fn func(deleted int)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.onReap = fn
}

// OnFileAdded tells the reaper that path was written.
// It only counts when the count is already known; otherwise the next run scans.
func (r *Reaper) OnFileAdded(path string) {
	if filepath.Dir(filepath.Clean(path)) != r.dir || !r.filter(filepath.Base(path)) {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.count != unknown {
		r.count++
	}
}

// Invalidate forgets the tracked count so the next run scans the directory.
func (r *Reaper) Invalidate() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.count = unknown
}

// Tracked returns the tracked file count, or -1 if it is not known.
func (r *Reaper) Tracked() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.count
}

// RunIfNeeded evicts the oldest files when the upper watermark is exceeded.
// It reports whether anything was evicted.
func (r *Reaper) RunIfNeeded() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.count != unknown && r.count <= r.upper {
		return false
	}

	files, err := r.list()
	if err != nil {
		r.log.Error().Err(err).Msg("reaper list failed")
		r.count = unknown
		return false
	}

	r.count = len(files)
	if r.count <= r.upper {
		return false
	}

	// Newest first; everything past the lower watermark goes.
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime().After(files[j].ModTime())
	})

	deleted := 0
	for _, fi := range files[r.lower:] {
		p := filepath.Join(r.dir, fi.Name())
		if err := r.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			r.log.Error().Err(err).Str("name", p).Msg("reaper remove failed")
			continue
		}
		deleted++
	}

	r.count = r.lower
	r.removed += deleted
	r.log.Debug().Int("deleted", deleted).Int("remaining", r.lower).Msg("reaper evicted")

	if r.onReap != nil {
		r.onReap(deleted)
	}

	return true
}

// Removed returns the total number of files deleted by this reaper.
func (r *Reaper) Removed() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.removed
}

func (r *Reaper) list() ([]os.FileInfo, error) {
	infos, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]os.FileInfo, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || !r.filter(fi.Name()) {
			continue
		}
		files = append(files, fi)
	}
	return files, nil
}
