// Package watcher monitors the watched folder for dropped NZB files and
// hands them to a job receiver. It combines fsnotify events with a slow
// periodic rescan so files that arrive while the process is down are
// still picked up.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rescanInterval is the fallback full-directory scan period.
const rescanInterval = 60 * time.Second

// settleDelay gives a dropped file time to finish being written.
const settleDelay = 2 * time.Second

// JobReceiver accepts discovered NZB files. The receiver owns parsing;
// the watcher only reports paths.
type JobReceiver interface {
	AddNzbFile(path string) error
}

// Watcher scans one directory for *.nzb files.
type Watcher struct {
	dir      string
	receiver JobReceiver

	mux  sync.Mutex
	seen map[string]time.Time // path -> first sighting, for settle delay

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher over dir. An empty dir disables it.
func NewWatcher(dir string, receiver JobReceiver) *Watcher {
	return &Watcher{
		dir:      dir,
		receiver: receiver,
		seen:     make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
}

// Run watches until stopped. One goroutine.
func (w *Watcher) Run() {
	if w.dir == "" {
		return
	}
	w.wg.Add(1)
	defer w.wg.Done()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		log.Printf("[WATCHER] Cannot create watched dir %s: %v", w.dir, err)
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WATCHER] fsnotify unavailable, polling only: %v", err)
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.dir); err != nil {
			log.Printf("[WATCHER] Cannot watch %s: %v", w.dir, err)
		}
	}
	log.Printf("[WATCHER] Watching %s", w.dir)

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	settle := time.NewTicker(settleDelay)
	defer settle.Stop()

	w.scan()
	for {
		var events chan fsnotify.Event
		if fsw != nil {
			events = fsw.Events
		}
		select {
		case <-w.stopChan:
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.notice(ev.Name)
			}
		case <-ticker.C:
			w.scan()
		case <-settle.C:
			w.flushSettled()
		}
	}
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// scan walks the directory once, noticing every NZB present.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.notice(filepath.Join(w.dir, e.Name()))
		}
	}
}

// notice records a candidate file; it is handed over once it settled.
func (w *Watcher) notice(path string) {
	if !isNzbLike(path) {
		return
	}
	w.mux.Lock()
	if _, known := w.seen[path]; !known {
		w.seen[path] = time.Now()
	}
	w.mux.Unlock()
}

// flushSettled delivers files that stopped changing.
func (w *Watcher) flushSettled() {
	now := time.Now()
	w.mux.Lock()
	var ready []string
	for path, first := range w.seen {
		if now.Sub(first) >= settleDelay {
			ready = append(ready, path)
			delete(w.seen, path)
		}
	}
	w.mux.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			continue // vanished before pickup
		}
		if err := w.receiver.AddNzbFile(path); err != nil {
			log.Printf("[WATCHER] Failed to add %s: %v", path, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Printf("[WATCHER] Could not remove %s after pickup: %v", path, err)
		}
		log.Printf("[WATCHER] Picked up %s", filepath.Base(path))
	}
}

// isNzbLike accepts plain NZBs and the archive types that may wrap them.
func isNzbLike(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nzb", ".gz", ".bz2", ".zip", ".rar", ".7z":
		return true
	}
	return false
}
