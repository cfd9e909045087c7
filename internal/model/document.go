// Package model defines the shared data model for the sync engine: the
// Document record, its per-side revision counters, and the small value
// types that travel between the aggregators, the merge layer, the store,
// and the synchronizer. It is a leaf package — pure data, no I/O.
package model

import "time"

// Kind distinguishes the two document shapes the engine tracks. Rather than
// a shared struct with kind-specific fields left as zero values, callers
// switch on Kind and use File (nil for folders) to keep file-only attributes
// out of folder documents entirely.
type Kind int

// Document kinds.
const (
	KindFile Kind = iota
	KindFolder
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}

	return "file"
}

// FileAttrs holds attributes that exist only for file documents.
type FileAttrs struct {
	Size       int64
	Hash       string // base64-encoded 16-byte content digest
	Executable bool   // ignored on platforms that cannot express it
	Mime       string
	Class      string
}

// RemoteRef identifies a document's counterpart on the remote side.
type RemoteRef struct {
	RemoteID  string
	RemoteRev int64
}

// Sides holds the per-side revision counters described in spec.md §3.
// Target is the authoritative revision after the last merge; Local and
// Remote record the revision each side has observed as applied. A side is
// "out of date" when its counter is strictly less than Target.
type Sides struct {
	Target int64
	Local  *int64
	Remote *int64
}

// OutOfDate reports which side (if any) lags Target. A nil counter means
// that side has never observed the document at all, which lags Target
// just as much as an explicit lower revision does. Returns SideNone when
// both sides have observed Target.
func (s Sides) OutOfDate() Side {
	if s.Local == nil || *s.Local < s.Target {
		return SideLocal
	}

	if s.Remote == nil || *s.Remote < s.Target {
		return SideRemote
	}

	return SideNone
}

// Side identifies one of the two replicas being reconciled.
type Side string

// The two sides, plus the sentinel "no side is behind" value.
const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideNone   Side = ""
)

// Opposite returns the other side. Panics if called on SideNone — callers
// must check OutOfDate() first.
func (s Side) Opposite() Side {
	switch s {
	case SideLocal:
		return SideRemote
	case SideRemote:
		return SideLocal
	default:
		panic("model: Side.Opposite called on SideNone")
	}
}

// Document is the unit stored by the metadata store (C1). Every synchronized
// entity — file or folder — is one Document.
type Document struct {
	ID   string // canonical path identity (docid.ID output); primary key
	Path string // user-visible relative path, native separators
	Kind Kind

	File *FileAttrs // non-nil iff Kind == KindFile

	UpdatedAt time.Time // monotonically non-decreasing for a given ID
	Inode     *uint64   // local filesystem inode or equivalent; optional
	Remote    *RemoteRef
	Tags      []string

	Sides Sides

	// MoveFrom is a value snapshot of the document's state before an
	// unsynced move, so the synchronizer can turn the mutation into a
	// rename instead of delete+create. Depth is limited to one: Merge
	// collapses any chain of moves into a single snapshot rather than
	// keeping a linked graph (design note §9: "never a pointer graph").
	MoveFrom *Document

	// Overwrite is the previous document at the same destination path
	// that this record will overwrite on apply.
	Overwrite *Document

	Deleted           bool
	Trashed           bool
	Incompatibilities []Incompatibility
	Errors            []string
}

// Clone returns a deep-enough copy of the document: nested pointers
// (File, Remote, MoveFrom, Overwrite) are copied rather than shared, so
// mutating the clone never affects the original. Used whenever a component
// hands a document to another component that must not observe in-place
// mutation (e.g. constructing MoveFrom/Overwrite snapshots).
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	c := *d

	if d.File != nil {
		f := *d.File
		c.File = &f
	}

	if d.Remote != nil {
		r := *d.Remote
		c.Remote = &r
	}

	if d.Sides.Local != nil {
		v := *d.Sides.Local
		c.Sides.Local = &v
	}

	if d.Sides.Remote != nil {
		v := *d.Sides.Remote
		c.Sides.Remote = &v
	}

	c.Tags = append([]string(nil), d.Tags...)
	c.Incompatibilities = append([]Incompatibility(nil), d.Incompatibilities...)
	c.Errors = append([]string(nil), d.Errors...)

	// MoveFrom/Overwrite are snapshots already collapsed to depth one;
	// clone them shallowly (their own MoveFrom/Overwrite must be nil).
	if d.MoveFrom != nil {
		mf := d.MoveFrom.shallowSnapshot()
		c.MoveFrom = mf
	}

	if d.Overwrite != nil {
		ov := d.Overwrite.shallowSnapshot()
		c.Overwrite = ov
	}

	return &c
}

// shallowSnapshot copies a document for use as a MoveFrom/Overwrite value,
// dropping its own MoveFrom/Overwrite to enforce the depth-one invariant.
func (d *Document) shallowSnapshot() *Document {
	c := *d
	c.MoveFrom = nil
	c.Overwrite = nil

	if d.File != nil {
		f := *d.File
		c.File = &f
	}

	if d.Remote != nil {
		r := *d.Remote
		c.Remote = &r
	}

	return &c
}

// Incompatibility describes one reason a path cannot be materialized on a
// given platform (spec.md §4.2).
type Incompatibility struct {
	Kind          IncompatibilityKind
	Where         Side
	DocType       Kind
	OffendingPart string
}

// IncompatibilityKind enumerates the classes of path incompatibility C2
// detects.
type IncompatibilityKind string

// Incompatibility kinds.
const (
	IncompatForbiddenChar   IncompatibilityKind = "forbidden-char"
	IncompatReservedName    IncompatibilityKind = "reserved-name"
	IncompatTrailingSpace   IncompatibilityKind = "trailing-space"
	IncompatTrailingDot     IncompatibilityKind = "trailing-dot"
	IncompatPathTooLong     IncompatibilityKind = "path-too-long"
	IncompatNameTooLong     IncompatibilityKind = "name-too-long"
)

// IsSynced reports whether the document has ever completed a merge (i.e.
// Target has advanced at least once and both sides have been observed).
func (d *Document) IsSynced() bool {
	return d.Sides.Target > 0 && d.Sides.Local != nil && d.Sides.Remote != nil
}

// HasHash reports whether a file document carries a content hash. Always
// true for folders (folders have no hash to validate).
func (d *Document) HasHash() bool {
	if d.Kind == KindFolder {
		return true
	}

	return d.File != nil && d.File.Hash != ""
}
