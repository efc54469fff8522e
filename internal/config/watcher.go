// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// debounceDelay batches rapid write events. Editors typically emit several
// events per save (write, chmod, rename).
const debounceDelay = 250 * time.Millisecond

// Watcher watches the config file for changes and reloads it. Each
// successful reload is delivered to the registered callback.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	onLoad  func(*Config)
	mu      sync.Mutex
	pending *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for the given config path. onLoad is invoked
// with each successfully reloaded config; parse failures are logged and the
// previous config stays in effect.
func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the containing directory: editors that save via rename replace
	// the file inode, which would silently drop a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:   path,
		fsw:    fsw,
		onLoad: onLoad,
		done:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for the event loop to exit. No reload
// callback fires after Close returns.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	close(w.done)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher: %v", err)
		}
	}
}

// scheduleReload debounces reloads so a burst of save events produces one.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(debounceDelay, w.reload)
}

// reload runs on the debounce timer goroutine. It holds the mutex for the
// whole reload so Close, which takes the same mutex before marking done,
// acts as a barrier: no callback is delivered after Close returns.
func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := LoadFrom(w.path)
	if err != nil {
		log.Printf("config reload failed, keeping previous: %v", err)
		return
	}
	w.onLoad(cfg)
}
