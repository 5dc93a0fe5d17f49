// Package watcher turns fsnotify events under the configured folders into
// pal.ChangeSignal values for the scheduler.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"commitpal/internal/pal"
)

const (
	// DefaultResync is how often the folder list is re-read from configuration.
	DefaultResync = 5 * time.Second

	// SignalBuffer is the capacity of the signal channel.
	SignalBuffer = 64
)

// FolderSource returns the folders that should currently be watched.
type FolderSource func() ([]string, error)

// Watcher watches every directory below a set of root folders.
// fsnotify is not recursive, so each directory is added individually and
// directories created later are added when their Create event arrives.
type Watcher struct {
	fsw     *fsnotify.Watcher
	clock   pal.Clock
	logger  pal.Logger
	signals chan pal.ChangeSignal

	mu      sync.Mutex
	roots   map[string]map[string]struct{} // root -> watched dirs
	owner   map[string]string              // watched dir -> root
	pending []string
}

// New creates a Watcher with no folders.
func New(clock pal.Clock, logger pal.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if clock == nil {
		clock = pal.RealClock{}
	}
	if logger == nil {
		logger = pal.NewNopLogger()
	}
	return &Watcher{
		fsw:     fsw,
		clock:   clock,
		logger:  logger,
		signals: make(chan pal.ChangeSignal, SignalBuffer),
		roots:   make(map[string]map[string]struct{}),
		owner:   make(map[string]string),
	}, nil
}

// Signals returns the channel change signals are sent on.
// It is closed when Run returns.
func (w *Watcher) Signals() <-chan pal.ChangeSignal {
	return w.signals
}

// Folders returns the root folders currently watched, sorted.
func (w *Watcher) Folders() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.roots))
	for root := range w.roots {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Sync makes the watched roots equal to folders. Roots that are no longer
// listed are unwatched, new ones are walked and added. A folder that fails
// to be added is left out and retried on the next Sync.
func (w *Watcher) Sync(folders []string) []error {
	w.mu.Lock()
	defer w.mu.Unlock()

	want := make(map[string]bool, len(folders))
	for _, f := range folders {
		want[filepath.Clean(f)] = true
	}

	for root := range w.roots {
		if !want[root] {
			w.removeRoot(root)
			w.logger.Info("stopped watching folder", "path", root)
		}
	}

	var errs []error
	for root := range want {
		if _, ok := w.roots[root]; ok {
			continue
		}
		w.roots[root] = make(map[string]struct{})
		if err := w.addTree(root, root); err != nil {
			w.removeRoot(root)
			w.logger.Warn("watching folder failed", "path", root, "error", err)
			errs = append(errs, fmt.Errorf("watching %s: %w", root, err))
			continue
		}
		w.logger.Info("watching folder", "path", root, "directories", len(w.roots[root]))
	}
	return errs
}

// Run processes events until ctx is cancelled or fsnotify shuts down.
// source is consulted every resync interval; a failing source keeps the
// current folders. The signal channel is closed on return.
func (w *Watcher) Run(ctx context.Context, source FolderSource, resync time.Duration) error {
	defer close(w.signals)
	defer w.fsw.Close()

	if resync <= 0 {
		resync = DefaultResync
	}
	w.resync(source)

	ticker := time.NewTicker(resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
			if !w.collect() {
				return nil
			}
			w.flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		case <-ticker.C:
			w.resync(source)
			w.flush()
		}
	}
}

func (w *Watcher) resync(source FolderSource) {
	if source == nil {
		return
	}
	folders, err := source()
	if err != nil {
		w.logger.Warn("reading watched folders failed", "error", err)
		return
	}
	w.Sync(folders)
}

// collect handles every event that is already queued. It returns false if
// the event channel was closed.
func (w *Watcher) collect() bool {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return false
			}
			w.handle(ev)
		default:
			return true
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Name == "" || inGitDir(ev.Name) || ev.Op == fsnotify.Chmod {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case ev.Has(fsnotify.Create):
		if root, ok := w.owner[filepath.Dir(ev.Name)]; ok {
			if err := w.addTree(root, ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("watching new directory failed", "path", ev.Name, "error", err)
			}
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if root, ok := w.owner[ev.Name]; ok {
			w.forgetTree(root, ev.Name)
		}
	}

	w.pending = append(w.pending, ev.Name)
}

// flush sends pending paths as one signal without blocking. If the channel
// is full they stay pending and go out with the next flush.
func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return
	}
	sig := pal.ChangeSignal{Paths: w.pending, At: w.clock.Now()}
	select {
	case w.signals <- sig:
		w.pending = nil
	default:
		w.logger.Debug("signal channel full, holding changes", "paths", len(w.pending))
	}
}

// addTree adds start and every directory below it, skipping .git. Entries
// under start that cannot be read are skipped.
func (w *Watcher) addTree(root, start string) error {
	return filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == start {
				return err
			}
			w.logger.Debug("skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if _, ok := w.owner[p]; ok {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("adding watch for %s: %w", p, err)
		}
		w.roots[root][p] = struct{}{}
		w.owner[p] = root
		return nil
	})
}

func (w *Watcher) removeRoot(root string) {
	for dir := range w.roots[root] {
		_ = w.fsw.Remove(dir)
		delete(w.owner, dir)
	}
	delete(w.roots, root)
}

// forgetTree drops bookkeeping for a directory that was removed or renamed.
// fsnotify already dropped the watches. A vanished root is retried on the
// next Sync.
func (w *Watcher) forgetTree(root, dir string) {
	prefix := dir + string(filepath.Separator)
	for p := range w.roots[root] {
		if p == dir || strings.HasPrefix(p, prefix) {
			_ = w.fsw.Remove(p)
			delete(w.roots[root], p)
			delete(w.owner, p)
		}
	}
	if dir == root {
		delete(w.roots, root)
	}
}

func inGitDir(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".git" {
			return true
		}
	}
	return false
}
