package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/cozy-sync-engine/internal/localagg"
)

// fakeWatcher is a no-op Watcher: Subscribe's startup walk is what this
// test exercises, not live fsnotify delivery.
type fakeWatcher struct {
	events chan fsnotify.Event
	errs   chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan fsnotify.Event), errs: make(chan error)}
}

func (f *fakeWatcher) Add(string) error             { return nil }
func (f *fakeWatcher) Remove(string) error           { return nil }
func (f *fakeWatcher) Close() error                  { close(f.events); close(f.errs); return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error          { return f.errs }

func newTestSource(t *testing.T, root string) *Source {
	t.Helper()

	fw := newFakeWatcher()

	return &Source{
		Root: root,
		NewFunc: func() (Watcher, error) {
			return fw, nil
		},
	}
}

func TestSource_Subscribe_EmitsScanEventsForPreexistingEntries(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "file.txt"), []byte("hello"), 0o644))

	s := newTestSource(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := s.Subscribe(ctx)
	require.NoError(t, err)

	scanned := make(map[string]localagg.EventKind)

	for {
		ev, ok := <-out
		require.True(t, ok, "channel closed before initial-scan-done")

		if ev.Kind == localagg.EventInitialScanDone {
			break
		}

		scanned[ev.Path] = ev.Kind
	}

	assert.Equal(t, localagg.EventScan, scanned["sub"])
	assert.Equal(t, localagg.EventScan, scanned[filepath.Join("sub", "file.txt")])
}

func TestSource_Subscribe_ScanEventCarriesStats(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	s := newTestSource(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := s.Subscribe(ctx)
	require.NoError(t, err)

	for {
		ev, ok := <-out
		require.True(t, ok)

		if ev.Kind == localagg.EventInitialScanDone {
			t.Fatal("expected a scan event for a.txt before initial-scan-done")
		}

		if ev.Path == "a.txt" {
			require.NotNil(t, ev.Stats)
			assert.Equal(t, int64(5), ev.Stats.Size)

			break
		}
	}
}
