package memwriter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

func TestCreateFile_ThenUpdateWithMatchingRevSucceeds(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, rev, err := r.CreateFile(ctx, "root", "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	newRev, err := r.UpdateFileByID(ctx, id, strings.NewReader("world!"), writer.IfMatch{Rev: rev})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newRev)

	st, err := r.StatByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, int64(6), st.Size)
}

func TestUpdateFileByID_StaleRevIsRejected(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, _, err := r.CreateFile(ctx, "root", "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = r.UpdateFileByID(ctx, id, strings.NewReader("x"), writer.IfMatch{Rev: 99})
	assert.Error(t, err)
}

func TestFailNext_IsConsumedOnce(t *testing.T) {
	r := New()
	ctx := context.Background()
	boom := errors.New("boom")

	r.FailNext(boom)
	_, err := r.CreateDir(ctx, "root", "sub")
	assert.ErrorIs(t, err, boom)

	id, err := r.CreateDir(ctx, "root", "sub")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestFind_LocatesByParentAndName(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, err := r.CreateDir(ctx, "root", "sub")
	require.NoError(t, err)

	found, ok, err := r.Find(ctx, "root", "sub")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, found)

	_, ok, err = r.Find(ctx, "root", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsEmpty_ReflectsChildren(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, err := r.CreateDir(ctx, "root", "sub")
	require.NoError(t, err)

	empty, err := r.IsEmpty(ctx, id)
	require.NoError(t, err)
	assert.True(t, empty)

	_, _, err = r.CreateFile(ctx, id, "a.txt", strings.NewReader("x"))
	require.NoError(t, err)

	empty, err = r.IsEmpty(ctx, id)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestOpenByID_ReturnsContent(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, _, err := r.CreateFile(ctx, "root", "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	rc, err := r.OpenByID(ctx, id)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDestroyByID_RemovesEntry(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, _, err := r.CreateFile(ctx, "root", "a.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, r.DestroyByID(ctx, id))

	st, err := r.StatByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, st.Exists)
}
