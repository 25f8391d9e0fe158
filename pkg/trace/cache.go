// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package trace

import (
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
)

// Source provides the trace for a newly created connection.
type Source interface {
	Entries() ([]Entry, error)
}

// File is a Source which reads the trace file anew for every call.
type File string

// Entries loads the trace file.
func (f File) Entries() ([]Entry, error) {
	return Load(string(f))
}

// Cache is a Source keeping the last successfully parsed trace in memory.
// The cached entries are dropped whenever the file is written, replaced, or
// removed, so the next connection sees the trace's current content.
//
// Entries are immutable and therefore shared between all callers.
type Cache struct {
	filename string

	mutex   sync.Mutex
	entries []Entry

	watcher *fsnotify.Watcher
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewCache creates a Cache for the given trace file and starts watching its
// directory for changes. The file itself is not read before the first call
// to Entries.
func NewCache(filename string) (c *Cache, err error) {
	c = &Cache{
		filename: filepath.Clean(filename),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	if c.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}
	if err = c.watcher.Add(filepath.Dir(c.filename)); err != nil {
		_ = c.watcher.Close()
		return nil, err
	}

	go c.handler()

	return c, nil
}

// Entries returns the cached trace or loads it from disk.
func (c *Cache) Entries() ([]Entry, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.entries != nil {
		return c.entries, nil
	}

	entries, err := Load(c.filename)
	if err != nil {
		return nil, err
	}

	c.entries = entries
	return entries, nil
}

// Invalidate drops the cached entries.
func (c *Cache) Invalidate() {
	c.mutex.Lock()
	c.entries = nil
	c.mutex.Unlock()
}

// Close stops watching the trace file.
func (c *Cache) Close() error {
	close(c.stopSyn)
	<-c.stopAck
	return c.watcher.Close()
}

func (c *Cache) handler() {
	defer close(c.stopAck)

	for {
		select {
		case <-c.stopSyn:
			return

		case e, ok := <-c.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != c.filename {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			log.WithFields(log.Fields{
				"file":      e.Name,
				"operation": e.Op.String(),
			}).Info("Trace file changed, dropping cached entries")
			c.Invalidate()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")
		}
	}
}
