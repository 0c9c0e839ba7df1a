// Package watch turns a live, growing acquisition directory into a stream
// of file-change batches. The stream is unbounded and restartable: consumers
// must not assume it ever terminates.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is one observed file change, with Path relative to the watched root.
type Event struct {
	Path string
	Time time.Time
}

// Watcher recursively watches a directory tree and emits debounced batches
// of changed files. EPU writes an image and its XML sidecar back to back;
// the debounce window folds those into one batch.
type Watcher struct {
	root     string
	debounce time.Duration
	ignore   []string
	log      *slog.Logger

	fsw    *fsnotify.Watcher
	events chan []Event
}

func New(root string, debounce time.Duration, ignore []string, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		debounce: debounce,
		ignore:   ignore,
		log:      log,
		fsw:      fsw,
		events:   make(chan []Event, 16),
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events yields debounced change batches. The channel closes when Run
// returns.
func (w *Watcher) Events() <-chan []Event { return w.events }

// Run pumps fsnotify events until ctx is cancelled. New directories are
// added to the watch set as they appear, so grid squares created mid-session
// are picked up without a restart.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	var (
		pending []Event
		timer   *time.Timer
		fire    <-chan time.Time
	)
	flush := func() {
		if len(pending) > 0 {
			w.events <- pending
			pending = nil
		}
		fire = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush()
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if w.ignored(ev.Name) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.addTree(ev.Name); err != nil {
					w.log.Warn("watch new directory", "path", ev.Name, "error", err)
				}
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			pending = append(pending, Event{Path: filepath.ToSlash(rel), Time: time.Now()})
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			flush()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				flush()
				return nil
			}
			// A directory vanishing mid-scan is "nothing new this cycle",
			// not a session failure.
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Races with acquisition writing/moving directories are normal.
			return nil
		}
		if !d.IsDir() || w.ignored(path) {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("watch add", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.ignore {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return strings.HasPrefix(base, ".")
}
