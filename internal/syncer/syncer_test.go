package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/docid"
	"github.com/cozy-labs/cozy-sync-engine/internal/merge"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/store/memstore"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer/fswriter"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer/memwriter"
)

func newHarness(t *testing.T) (store.Store, *fswriter.FS, *memwriter.Remote, *clock.Fake, *merge.Merger, string) {
	t.Helper()

	dir := t.TempDir()
	st := memstore.New()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	local := fswriter.New(dir, nil)
	remote := memwriter.New()
	mrg := merge.New(st, clk, docid.FoldNone, nil)

	return st, local, remote, clk, mrg, dir
}

func TestStep_MaterializesLocalAddOntoRemote(t *testing.T) {
	st, local, remote, clk, mrg, dir := newHarness(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, mrg.AddFile(ctx, model.SideLocal, merge.Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5}))

	sync := New(st, local, remote, clk, nil, nil, DefaultConfig())

	n, err := sync.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, doc.Sides.Remote)
	assert.Equal(t, int64(1), *doc.Sides.Remote)
	require.NotNil(t, doc.Remote)

	rc, err := remote.OpenByID(ctx, doc.Remote.RemoteID)
	require.NoError(t, err)
	defer rc.Close()
}

func TestStep_MaterializesRemoteAddOntoLocal(t *testing.T) {
	st, local, remote, clk, mrg, dir := newHarness(t)
	ctx := context.Background()

	id, _, err := remote.CreateFile(ctx, "root", "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	require.NoError(t, mrg.AddFile(ctx, model.SideRemote, merge.Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5, RemoteID: id}))

	sync := New(st, local, remote, clk, nil, nil, DefaultConfig())

	n, err := sync.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, doc.Sides.Local)
	assert.Equal(t, int64(1), *doc.Sides.Local)
}

func TestStep_GivesUpAfterMaxAttempts(t *testing.T) {
	st, local, remote, clk, mrg, dir := newHarness(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, mrg.AddFile(ctx, model.SideLocal, merge.Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5}))

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	sync := New(st, local, remote, clk, nil, nil, cfg)

	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		remote.FailNext(boom)

		_, err := sync.Step(ctx)
		assert.ErrorIs(t, err, boom)
	}

	remote.FailNext(boom)

	n, err := sync.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := st.ByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, doc.Sides.Remote, "doc should remain unmaterialized after giving up")
}

func TestStep_BlocksOnUserActionRequiredAndNotifies(t *testing.T) {
	st, local, remote, clk, mrg, dir := newHarness(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, mrg.AddFile(ctx, model.SideLocal, merge.Input{Path: "a.txt", Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 5}))

	notifier := &recordingNotifier{}
	sync := New(st, local, remote, clk, nil, notifier, DefaultConfig())

	remote.FailNext(ErrNoRemoteSpace)

	_, err := sync.Step(ctx)
	assert.ErrorIs(t, err, ErrNoRemoteSpace)
	assert.True(t, sync.Blocked())
	assert.Equal(t, 1, notifier.userActionCount)

	n, err := sync.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "Step is a no-op while blocked")

	sync.Unblock(ctx)
	assert.False(t, sync.Blocked())
	assert.Equal(t, 1, notifier.resumedCount)
}

func TestStep_BigDeleteGuardBlocksFolderDeletion(t *testing.T) {
	st, local, remote, clk, mrg, dir := newHarness(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "big"), 0o755))
	require.NoError(t, mrg.PutFolder(ctx, model.SideLocal, merge.Input{Path: "big"}))

	for i := 0; i < 3; i++ {
		name := "big/file" + string(rune('a'+i)) + ".txt"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		require.NoError(t, mrg.AddFile(ctx, model.SideLocal, merge.Input{Path: name, Hash: "AAAAAAAAAAAAAAAAAAAAAAAA", Size: 1}))
	}

	cfg := DefaultConfig()
	cfg.BigDeleteThreshold = 2
	sync := New(st, local, remote, clk, nil, nil, cfg)

	// Materialize the additions onto remote first.
	for {
		n, err := sync.Step(ctx)
		require.NoError(t, err)

		if n == 0 {
			break
		}
	}

	require.NoError(t, mrg.DeleteFolder(ctx, model.SideLocal, "big"))

	_, err := sync.Step(ctx)
	assert.ErrorIs(t, err, ErrUserActionRequired)
	assert.True(t, sync.Blocked())
}

type recordingNotifier struct {
	userActionCount int
	resumedCount    int
}

func (r *recordingNotifier) UserActionRequired(context.Context, string, error) { r.userActionCount++ }
func (r *recordingNotifier) Offline(context.Context, error)                   {}
func (r *recordingNotifier) Resumed(context.Context)                         { r.resumedCount++ }

var _ Notifier = (*recordingNotifier)(nil)
