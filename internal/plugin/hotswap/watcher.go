// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package hotswap

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

// DefaultDebounce is how long a plugin's files must stay quiet before a
// change event is emitted. Editors and copies touch several files in a
// burst; one event per burst is enough.
const DefaultDebounce = time.Second

// Change reports that a plugin's directory was modified on disk.
type Change struct {
	PluginID string
	At       time.Time
}

// Watcher observes a plugins root directory and emits one debounced
// Change per plugin per write burst. It only observes; reacting to a
// change is the swap manager's job.
type Watcher struct {
	root     string
	debounce time.Duration
	fs       *fsnotify.Watcher
	out      chan Change

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches root and every directory below it.
func NewWatcher(root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, oops.In("hotswap").Code("IO_FAILED").With("root", root).Wrap(err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("hotswap").Code("IO_FAILED").Hint("failed to create filesystem watcher").Wrap(err)
	}

	w := &Watcher{
		root:     abs,
		debounce: debounce,
		fs:       fs,
		out:      make(chan Change, 64),
		timers:   make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}

	walkErr := filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if d.IsDir() {
			return fs.Add(p)
		}
		return nil
	})
	if walkErr != nil {
		_ = fs.Close()
		return nil, oops.In("hotswap").Code("IO_FAILED").With("root", abs).Wrap(walkErr)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes returns the debounced change stream. The stream goes quiet
// after Close; it is never closed, so late timer fires cannot panic.
func (w *Watcher) Changes() <-chan Change {
	return w.out
}

// Close stops watching. Pending debounce timers are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()

	close(w.closeCh)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Chmod) && ev.Op&^fsnotify.Chmod == 0 {
		return
	}

	// New directories must be watched too, or changes inside freshly
	// installed plugins go unseen.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fs.Add(ev.Name)
		}
	}

	id, ok := w.pluginID(ev.Name)
	if !ok {
		return
	}
	w.bump(id)
}

// pluginID maps a changed path to the plugin directory it belongs to:
// the first path element under the watch root.
func (w *Watcher) pluginID(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return parts[0], parts[0] != ""
}

// bump resets the plugin's debounce timer, emitting once it expires.
func (w *Watcher) bump(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[pluginID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[pluginID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, pluginID)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		select {
		case w.out <- Change{PluginID: pluginID, At: time.Now()}:
		default:
			// Consumer is behind. The change will be seen again on the
			// next write; dropping is safe.
		}
	})
}
