// Package fswatch is the default fsnotify-backed LocalEventSource. It
// generalizes the teacher's internal/sync FsWatcher/fsnotifyWrapper
// abstraction: an interface seam so tests can inject a fake watcher, wired
// here to produce localagg.LocalEvent instead of the teacher's
// OneDrive-specific ChangeEvent.
package fswatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/cozy-labs/cozy-sync-engine/internal/localagg"
)

// Watcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a fake.
type Watcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct{ w *fsnotify.Watcher }

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// Source is the default localagg.EventSource: it recursively watches root
// with fsnotify and performs an initial recursive walk before switching to
// live events, emitting localagg.EventInitialScanDone once the walk
// completes.
type Source struct {
	Root    string
	Logger  *slog.Logger
	NewFunc func() (Watcher, error)
}

// New constructs a Source rooted at root.
func New(root string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		Root:   root,
		Logger: logger,
		NewFunc: func() (Watcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWatcher{w: w}, nil
		},
	}
}

// Subscribe implements localagg.EventSource.
func (s *Source) Subscribe(ctx context.Context) (<-chan localagg.LocalEvent, error) {
	w, err := s.NewFunc()
	if err != nil {
		return nil, err
	}

	out := make(chan localagg.LocalEvent, 256)

	var scanned []localagg.LocalEvent

	if err := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if addErr := w.Add(p); addErr != nil {
				s.Logger.Warn("fswatch: failed to watch directory", slog.String("path", p), slog.Any("err", addErr))
			}
		}

		if p == s.Root {
			return nil
		}

		rel, relErr := filepath.Rel(s.Root, p)
		if relErr != nil {
			return nil
		}

		le := localagg.LocalEvent{Kind: localagg.EventScan, Path: rel}

		if info, infoErr := d.Info(); infoErr == nil {
			le.Stats = &localagg.Stats{Size: info.Size(), Mtime: info.ModTime()}
		} else {
			le.Incomplete = true
		}

		scanned = append(scanned, le)

		return nil
	}); err != nil {
		w.Close()
		return nil, err
	}

	go s.pump(ctx, w, out, scanned)

	return out, nil
}

func (s *Source) pump(ctx context.Context, w Watcher, out chan<- localagg.LocalEvent, scanned []localagg.LocalEvent) {
	defer close(out)
	defer w.Close()

	for _, le := range scanned {
		s.send(ctx, out, le)
	}

	s.send(ctx, out, localagg.LocalEvent{Kind: localagg.EventInitialScanDone})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}

			s.handle(ctx, w, out, ev)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}

			s.Logger.Warn("fswatch: watcher error", slog.Any("err", err))
		}
	}
}

func (s *Source) handle(ctx context.Context, w Watcher, out chan<- localagg.LocalEvent, ev fsnotify.Event) {
	rel, err := filepath.Rel(s.Root, ev.Name)
	if err != nil {
		return
	}

	le := localagg.LocalEvent{Path: rel}

	switch {
	case ev.Has(fsnotify.Create):
		le.Kind = localagg.EventCreated

		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := w.Add(ev.Name); addErr != nil {
				s.Logger.Warn("fswatch: failed to watch new directory", slog.String("path", ev.Name), slog.Any("err", addErr))
			}
		}
	case ev.Has(fsnotify.Write):
		le.Kind = localagg.EventModified
	case ev.Has(fsnotify.Rename):
		le.Kind = localagg.EventDeleted // fsnotify rename-away looks like a deletion to the path being left
	case ev.Has(fsnotify.Remove):
		le.Kind = localagg.EventDeleted
	default:
		return
	}

	s.send(ctx, out, le)
}

func (s *Source) send(ctx context.Context, out chan<- localagg.LocalEvent, ev localagg.LocalEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
