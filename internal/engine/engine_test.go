package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/docid"
	"github.com/cozy-labs/cozy-sync-engine/internal/localagg"
	"github.com/cozy-labs/cozy-sync-engine/internal/remoteagg"
	"github.com/cozy-labs/cozy-sync-engine/internal/store/memstore"
	"github.com/cozy-labs/cozy-sync-engine/internal/syncer"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer/fswriter"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer/memwriter"
)

// fakeSource is a scriptable localagg.EventSource: tests push events
// directly onto its channel rather than touching a real filesystem watch.
type fakeSource struct {
	events chan localagg.LocalEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan localagg.LocalEvent, 16)}
}

func (f *fakeSource) Subscribe(ctx context.Context) (<-chan localagg.LocalEvent, error) {
	return f.events, nil
}

// fakeFeed is a scriptable remoteagg.RemoteFeed: each Pull call returns
// the next scripted batch and advances the cursor by one.
type fakeFeed struct {
	batches [][]remoteagg.RemoteDoc
}

func (f *fakeFeed) Pull(ctx context.Context, cursor int64) (int64, []remoteagg.RemoteDoc, error) {
	if int(cursor) >= len(f.batches) {
		return cursor, nil, nil
	}

	return cursor + 1, f.batches[cursor], nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(ctx context.Context, fsPath string) (string, error) {
	return "AAAAAAAAAAAAAAAAAAAAAAAA", nil
}

func newTestEngine(t *testing.T, feed *fakeFeed) (*Engine, string) {
	t.Helper()

	root := t.TempDir()
	st := memstore.New()

	eng, err := New(Config{
		RootPath:     root,
		Store:        st,
		LocalSource:  newFakeSource(),
		LocalWriter:  fswriter.New(root, nil),
		RemoteFeed:   feed,
		RemoteWriter: memwriter.New(),
		Hasher:       fakeHasher{},
		Folding:      docid.FoldNone,
		Clock:        clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Syncer:       syncer.DefaultConfig(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.Seed(context.Background()))

	return eng, root
}

func TestEngine_LocalAddMaterializesRemote(t *testing.T) {
	eng, root := newTestEngine(t, &fakeFeed{})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	batch := []localagg.LocalEvent{{Kind: localagg.EventCreated, Path: "a.txt", Stats: &localagg.Stats{Size: 5}}}
	require.NoError(t, eng.FlushLocal(ctx, batch))

	n, err := eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := eng.Store().ByPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, doc.Remote)
}

func TestEngine_RemoteAddMaterializesLocal(t *testing.T) {
	feed := &fakeFeed{batches: [][]remoteagg.RemoteDoc{
		{{ID: "r1", Rev: 1, Path: "b.txt", Type: "file", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5, UpdatedAt: time.Now()}},
	}}
	eng, root := newTestEngine(t, feed)
	ctx := context.Background()

	require.NoError(t, eng.PullRemote(ctx))

	n, err := eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := eng.Store().ByPath(ctx, "b.txt")
	require.NoError(t, err)
	require.NotNil(t, doc.File)

	_, err = os.Stat(filepath.Join(root, "b.txt"))
	assert.NoError(t, err)
}

func TestEngine_ListConflicts_FiltersByPathSuffix(t *testing.T) {
	eng, root := newTestEngine(t, &fakeFeed{})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, eng.FlushLocal(ctx, []localagg.LocalEvent{
		{Kind: localagg.EventCreated, Path: "a.txt", Stats: &localagg.Stats{Size: 5}},
	}))

	_, err := eng.Drain(ctx)
	require.NoError(t, err)

	conflicts, err := eng.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	doc, err := eng.Store().ByPath(ctx, "a.txt")
	require.NoError(t, err)
	doc.Path = "a-conflict-2026-01-01T000000Z.txt"
	require.NoError(t, eng.Store().Put(ctx, doc))

	conflicts, err = eng.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.True(t, strings.Contains(conflicts[0].Path, "-conflict-"))
}

func TestEngine_Status_ReportsCursorsAndConflicts(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeFeed{})
	ctx := context.Background()

	status, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, 0, status.Conflicts)
}

func TestEngine_RestoreFile_RematerializesAfterTrashAndRestore(t *testing.T) {
	feed := &fakeFeed{batches: [][]remoteagg.RemoteDoc{
		{{ID: "r1", Rev: 1, Path: "a.txt", Type: "file", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5, UpdatedAt: time.Now()}},
		{{ID: "r1", Rev: 2, Path: ".cozy_trash/a.txt", Type: "file", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5, UpdatedAt: time.Now()}},
		{{ID: "r1", Rev: 3, Path: "a.txt", Type: "file", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5, UpdatedAt: time.Now()}},
	}}
	eng, _ := newTestEngine(t, feed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.PullRemote(ctx))
		_, err := eng.Drain(ctx)
		require.NoError(t, err)
	}

	doc, err := eng.Store().ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, doc.Trashed)
}
