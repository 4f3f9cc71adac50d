// Package watch implements spec §2's DirectoryWatcher: the OS-level
// file-event primitive AssistantsWatcher builds its takeover logic on top
// of. It generalizes the teacher's internal/daemon.InboxWatcher — a
// single-timer debounce feeding a fixed worker pool, with zero
// per-event goroutines — to an arbitrary predicate and a set of watched
// directories that can grow or shrink while Run is active (assistants
// joining/leaving need exactly that).
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce = 200 * time.Millisecond
	defaultWorkers  = 4
	defaultQueue    = 200
)

// Event is one debounced, predicate-matched filesystem change.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// DirectoryWatcher wraps an fsnotify.Watcher with debouncing and a fixed
// worker pool. Directories may be added or removed while Run is active.
type DirectoryWatcher struct {
	fsw       *fsnotify.Watcher
	predicate func(path string) bool
	debounce  time.Duration
	workers   int
	queueSize int
}

// Option configures a DirectoryWatcher.
type Option func(*DirectoryWatcher)

// WithDebounce overrides the default 200ms debounce window.
func WithDebounce(d time.Duration) Option { return func(w *DirectoryWatcher) { w.debounce = d } }

// WithWorkers overrides the default fixed worker pool size.
func WithWorkers(n int) Option { return func(w *DirectoryWatcher) { w.workers = n } }

// New creates a DirectoryWatcher whose events are filtered by predicate
// (e.g. "is this a .job-submission file", "is this a directory").
func New(predicate func(path string) bool, opts ...Option) (*DirectoryWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &DirectoryWatcher{fsw: fsw, predicate: predicate, debounce: defaultDebounce, workers: defaultWorkers, queueSize: defaultQueue}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add starts watching dir.
func (w *DirectoryWatcher) Add(dir string) error { return w.fsw.Add(dir) }

// Remove stops watching dir. Safe to call even if dir was never added or
// was already removed by fsnotify itself (e.g. on rmdir).
func (w *DirectoryWatcher) Remove(dir string) error {
	err := w.fsw.Remove(dir)
	if errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return nil
	}
	return err
}

// Close releases the underlying OS watch handles.
func (w *DirectoryWatcher) Close() error { return w.fsw.Close() }

// Run blocks until ctx is cancelled, invoking handler for each debounced
// event from every currently-watched directory. Multiple events on the
// same path within one debounce window collapse to the latest op.
func (w *DirectoryWatcher) Run(ctx context.Context, handler func(Event)) error {
	var mu sync.Mutex
	ready := make(map[string]fsnotify.Op)

	queue := make(chan Event, w.queueSize)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range queue {
				func() {
					defer func() { recover() }()
					handler(ev)
				}()
			}
		}()
	}

	flush := func() {
		mu.Lock()
		batch := make([]Event, 0, len(ready))
		for path, op := range ready {
			batch = append(batch, Event{Path: path, Op: op})
		}
		ready = make(map[string]fsnotify.Op)
		mu.Unlock()

		for _, ev := range batch {
			select {
			case queue <- ev:
			case <-ctx.Done():
				return
			}
		}
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	defer func() {
		timer.Stop()
		flush()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.predicate(event.Name) {
				continue
			}
			mu.Lock()
			ready[event.Name] = event.Op
			mu.Unlock()

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// ScanExisting lists dir's current entries matching predicate, for
// catch-up processing of changes that happened while nothing watched dir.
func ScanExisting(dir string, predicate func(path string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if predicate(path) {
			matches = append(matches, path)
		}
	}
	return matches, nil
}
