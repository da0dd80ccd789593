// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// changeOps are the filesystem events that invalidate a stored blob.
const changeOps = fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// startWatchLocked installs the directory watch.
func (s *blobStore) startWatchLocked() error {
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %v: %w", s.dir, err)
	}

	s.watcher = w
	go s.watch(w)

	s.log.Debug().Msg("store watch start")
	return nil
}

// stopWatchLocked removes the directory watch, if any.
func (s *blobStore) stopWatchLocked() {
	if s.watcher == nil {
		return
	}

	if err := s.watcher.Close(); err != nil {
		s.log.Error().Err(err).Msg("store watch close failed")
	}
	s.watcher = nil

	s.log.Debug().Msg("store watch stop")
}

// watch forwards events from w until it is closed.
func (s *blobStore) watch(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&changeOps == 0 {
				continue
			}
			s.lock.Lock()
			s.version++
			s.lock.Unlock()
			s.exists.Del(ev.Name)
			s.notify(ev.Name)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("store watch error")
		}
	}
}
