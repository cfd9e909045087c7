package merge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/docid"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/store/memstore"
)

func newTestMerger() (*Merger, store.Store) {
	st := memstore.New()
	m := New(st, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), docid.FoldNone, nil)

	return m, st
}

func TestAddFile_CreatesDocWithMarkedSide(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	err := m.AddFile(ctx, model.SideLocal, Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 3})
	require.NoError(t, err)

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Sides.Target)
	require.NotNil(t, doc.Sides.Local)
	assert.Equal(t, int64(1), *doc.Sides.Local)
	assert.Nil(t, doc.Sides.Remote)
}

func TestAddFile_CreatesSyntheticParentLocally(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	err := m.AddFile(ctx, model.SideLocal, Input{Path: "dir/a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"})
	require.NoError(t, err)

	parent, err := st.ByPath(ctx, "dir")
	require.NoError(t, err)
	assert.Equal(t, model.KindFolder, parent.Kind)
}

func TestAddFile_MissingParentOnRemoteFails(t *testing.T) {
	m, _ := newTestMerger()
	ctx := context.Background()

	err := m.AddFile(ctx, model.SideRemote, Input{Path: "dir/a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", RemoteID: "r1"})
	assert.ErrorIs(t, err, ErrMissingParent)
}

func TestUpdateFile_SameBinaryDoesNotBumpTarget(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	one := int64(1)
	doc.Sides.Remote = &one
	doc.Remote = &model.RemoteRef{RemoteID: "r1", RemoteRev: 1}
	require.NoError(t, st.Put(ctx, doc))

	err = m.UpdateFile(ctx, model.SideRemote, Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"})
	require.NoError(t, err)

	after, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Sides.Target)
}

func TestUpdateFile_DifferentHashBumpsTarget(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))
	doc, _ := st.ByPath(ctx, "a.txt")
	one := int64(1)
	doc.Sides.Remote = &one
	doc.Remote = &model.RemoteRef{RemoteID: "r1", RemoteRev: 1}
	require.NoError(t, st.Put(ctx, doc))

	require.NoError(t, m.UpdateFile(ctx, model.SideRemote, Input{Path: "a.txt", Hash: "BBBBBBBBBBBBBBBBBBBBBBBB"}))

	after, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.Sides.Target)
	assert.Equal(t, "BBBBBBBBBBBBBBBBBBBBBBBB", after.File.Hash)
}

func TestMoveFile_SetsMoveFrom(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))
	require.NoError(t, m.MoveFile(ctx, model.SideLocal, Input{Path: "b.txt", OldPath: "a.txt"}))

	doc, err := st.ByPath(ctx, "b.txt")
	require.NoError(t, err)
	require.NotNil(t, doc.MoveFrom)
	assert.Equal(t, "a.txt", doc.MoveFrom.Path)
}

func TestMoveFile_CaseFoldCollisionCreatesConflictInsteadOfOverwrite(t *testing.T) {
	st := memstore.New()
	m := New(st, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), docid.FoldUpper, nil)
	ctx := context.Background()

	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "Foo.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))
	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "src.txt", Hash: "BBBBBBBBBBBBBBBBBBBBBBBB"}))

	require.NoError(t, m.MoveFile(ctx, model.SideLocal, Input{Path: "foo.txt", OldPath: "src.txt"}))

	original, err := st.ByPath(ctx, "Foo.txt")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAA", original.File.Hash)

	docs, err := st.ByPathPrefix(ctx, "", store.ListOptions{})
	require.NoError(t, err)

	var sawConflict bool

	for _, d := range docs {
		if d.Path == "foo.txt" {
			t.Fatalf("move onto a case-fold collision must not land at the literal destination path")
		}

		if strings.Contains(d.Path, "-conflict-") {
			sawConflict = true
		}
	}

	assert.True(t, sawConflict, "expected a conflict-renamed document instead of an overwrite")
}

func TestMoveFolder_RewritesDescendants(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.PutFolder(ctx, model.SideLocal, Input{Path: "src"}))
	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "src/file.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))

	require.NoError(t, m.MoveFolder(ctx, model.SideLocal, Input{Path: "dst", OldPath: "src"}))

	child, err := st.ByPath(ctx, "dst/file.txt")
	require.NoError(t, err)
	require.NotNil(t, child.MoveFrom)
	assert.Equal(t, "src/file.txt", child.MoveFrom.Path)
}

func TestTrashFile_MarksTrashed(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))
	require.NoError(t, m.TrashFile(ctx, model.SideLocal, "a.txt"))

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, doc.Trashed)
}

func TestDeleteFolder_CascadesToChildren(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.PutFolder(ctx, model.SideLocal, Input{Path: "dir"}))
	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: "dir/a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA"}))

	require.NoError(t, m.DeleteFolder(ctx, model.SideLocal, "dir"))

	doc, err := st.ByPath(ctx, "dir/a.txt")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)
}

func TestIdentityConflict_DifferentKindRenamesIncoming(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.PutFolder(ctx, model.SideLocal, Input{Path: "a"}))

	in := Input{Path: "a", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", RemoteID: "r1"}
	require.NoError(t, m.AddFile(ctx, model.SideRemote, in))

	folder, err := st.ByPath(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.KindFolder, folder.Kind)

	incoming, err := st.ByRemoteID(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(incoming.Path, "a-conflict-"))
}

func TestRestoreFile_MovesBackAndClearsTrashed(t *testing.T) {
	m, st := newTestMerger()
	ctx := context.Background()

	require.NoError(t, m.AddFile(ctx, model.SideLocal, Input{Path: ".cozy_trash/a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", RemoteID: "r1"}))
	require.NoError(t, m.TrashFile(ctx, model.SideRemote, ".cozy_trash/a.txt"))

	require.NoError(t, m.RestoreFile(ctx, model.SideRemote, Input{Path: "a.txt", OldPath: ".cozy_trash/a.txt"}))

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, doc.Trashed)
	require.NotNil(t, doc.MoveFrom)
	assert.Equal(t, ".cozy_trash/a.txt", doc.MoveFrom.Path)
}
