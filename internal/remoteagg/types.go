// Package remoteagg is the remote aggregator (spec.md §4.5 / C7): it
// classifies a batch of remote documents (each possibly a deletion marker)
// against their persisted twin into exactly one semantic change per input,
// then sorts and squashes the batch so the merge stage sees a clean,
// move-aware sequence.
package remoteagg

import (
	"context"
	"time"
)

// RemoteFeed is the injected C6 capability: pull the remote change log
// from a cursor, returning the next cursor and the batch of changed
// documents. The wire protocol behind it is out of scope (spec.md §1
// Non-goals); internal/engine is wired with whatever concrete feed the
// deployment supplies.
type RemoteFeed interface {
	Pull(ctx context.Context, cursor int64) (newCursor int64, docs []RemoteDoc, err error)
}

// RemoteDoc is one record from the RemoteFeed (spec.md §6).
type RemoteDoc struct {
	ID        string
	Rev       int64
	Type      string // "file" or "directory"
	Path      string
	DirID     string
	Name      string
	Hash      string
	Size      int64
	UpdatedAt time.Time
	Tags      []string
	Trashed   bool
	Deleted   bool
}

// ChangeKind enumerates the classified remote change kinds (spec.md §4.5).
type ChangeKind string

// Change kinds.
const (
	ChangeInvalid          ChangeKind = "InvalidChange"
	ChangeIgnored          ChangeKind = "IgnoredChange"
	ChangeFileAddition     ChangeKind = "FileAddition"
	ChangeDirAddition      ChangeKind = "DirAddition"
	ChangeFileUpdate       ChangeKind = "FileUpdate"
	ChangeFileMove         ChangeKind = "FileMove"
	ChangeDirMove          ChangeKind = "DirMove"
	ChangeFileTrashing     ChangeKind = "FileTrashing"
	ChangeDirTrashing      ChangeKind = "DirTrashing"
	ChangeFileDeletion     ChangeKind = "FileDeletion"
	ChangeDirDeletion      ChangeKind = "DirDeletion"
	ChangeFileRestoration  ChangeKind = "FileRestoration"
	ChangeDirRestoration   ChangeKind = "DirRestoration"
	ChangeDescendantChange ChangeKind = "DescendantChange"
)

// Change is one classified remote change.
type Change struct {
	Kind ChangeKind
	Doc  RemoteDoc

	OldPath string // set for *Move/*DescendantChange when the twin's path differed
	Update  bool   // for Move kinds: hash changed simultaneously with the move

	// Descendants lists the child remote ids whose movement is explained
	// entirely by this change (populated on a DirMove after squashing).
	Descendants []string
}
