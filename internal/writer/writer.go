// Package writer defines the C10 writer contracts (spec.md §4.8/§6): the
// symmetric interface the engine uses to materialize a merged document on
// whichever side is lagging. internal/writer/fswriter is the real local
// filesystem implementation; internal/writer/memwriter is a scriptable
// double standing in for the out-of-scope concrete wire protocol.
package writer

import (
	"context"
	"io"
	"time"
)

// WriteOptions carries the attributes LocalWriter.WriteFile must apply to
// the materialized file.
type WriteOptions struct {
	Mtime      time.Time
	Executable bool
}

// LocalWriter is the capability contract for materializing operations on
// the local filesystem; fswriter.FS is the concrete implementation.
type LocalWriter interface {
	WriteFile(ctx context.Context, stream io.Reader, path string, opts WriteOptions) error
	Mkdir(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	MoveToTrash(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	StatByID(ctx context.Context, id string) (Stat, error)

	// OpenFile opens path for reading, so the synchronizer can stream its
	// content to the opposite side's writer without either writer holding
	// a direct reference to its counterpart (spec.md §4.8's "other
	// reference" pattern, realized here as a pull rather than a push).
	OpenFile(ctx context.Context, path string) (io.ReadCloser, error)
}

// Stat is the subset of filesystem metadata a writer reports back.
type Stat struct {
	Exists     bool
	Size       int64
	Mtime      time.Time
	Executable bool
	IsDir      bool
}

// IfMatch threads the opaque previous-remote-rev token for optimistic
// concurrency (spec.md §4.8: "threads the opaque If-Match token").
type IfMatch struct {
	Rev int64
}

// RemoteAttrs is the payload for UpdateAttributesByID.
type RemoteAttrs struct {
	Name      string
	DirID     string
	UpdatedAt time.Time
}

// RemoteWriter translates operations into calls against the object store.
type RemoteWriter interface {
	CreateDir(ctx context.Context, parentID, name string) (id string, err error)
	CreateFile(ctx context.Context, parentID, name string, stream io.Reader) (id string, rev int64, err error)
	UpdateFileByID(ctx context.Context, id string, stream io.Reader, match IfMatch) (rev int64, err error)
	UpdateAttributesByID(ctx context.Context, id string, attrs RemoteAttrs, match IfMatch) (rev int64, err error)
	TrashByID(ctx context.Context, id string, match IfMatch) error
	DestroyByID(ctx context.Context, id string) error
	IsEmpty(ctx context.Context, id string) (bool, error)
	StatByID(ctx context.Context, id string) (Stat, error)
	Find(ctx context.Context, parentID, name string) (id string, found bool, err error)

	// OpenByID opens the content of id for reading, the remote-side
	// counterpart of LocalWriter.OpenFile.
	OpenByID(ctx context.Context, id string) (io.ReadCloser, error)
}
