package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func sampleDoc(id, path string) *model.Document {
	zero := int64(0)

	return &model.Document{
		ID:        id,
		Path:      path,
		Kind:      model.KindFolder,
		UpdatedAt: time.Now(),
		Sides:     model.Sides{Target: 1, Local: &zero},
	}
}

func TestOpen_AppliesMigrationsIdempotently(t *testing.T) {
	ctx := context.Background()

	s1, err := Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())
}

func TestPutAndGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("id1", "docs/folder")
	require.NoError(t, s.Put(ctx, doc))

	got, err := s.Get(ctx, "id1")
	require.NoError(t, err)
	assert.Equal(t, "docs/folder", got.Path)
}

func TestPut_RejectsMissingHash(t *testing.T) {
	s := openTestStore(t)

	doc := &model.Document{
		ID:    "f1",
		Path:  "f1.txt",
		Kind:  model.KindFile,
		Sides: model.Sides{Target: 1},
	}

	err := s.Put(context.Background(), doc)
	assert.ErrorIs(t, err, store.ErrInvariantViolation)
}

func TestByPath_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ByPath(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCursors_PersistAcrossWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetLocalCursor(ctx, 42))
	require.NoError(t, s.SetRemoteCursor(ctx, 7))

	local, err := s.LocalCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), local)

	remote, err := s.RemoteCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), remote)
}

func TestChangesSince_ReturnsOnlyNewerCommits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleDoc("a", "a")))
	require.NoError(t, s.Put(ctx, sampleDoc("b", "b")))

	ch, err := s.ChangesSince(ctx, 1, store.ChangesOptions{})
	require.NoError(t, err)

	var got []store.Change
	for c := range ch {
		got = append(got, c)
	}

	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Doc.ID)
}

func TestPreviousRev_RetrievesAncestor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("a", "a")
	require.NoError(t, s.Put(ctx, doc))

	doc.Path = "a-renamed"
	require.NoError(t, s.Put(ctx, doc))

	prev, err := s.PreviousRev(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", prev.Path)
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	release, err := s.Lock(context.Background(), "owner")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		release()
		release()
	})
}
