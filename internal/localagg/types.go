// Package localagg is the local aggregator (spec.md §4.4 / C5): it turns the
// raw local event stream from a LocalEventSource into an ordered sequence of
// semantic changes the merge stage can apply. It is grounded on the
// teacher's internal/sync LocalObserver, generalized from a single full-scan
// diff into the staged pipeline this domain calls for.
package localagg

import "time"

// EventKind enumerates the raw event shapes a LocalEventSource emits
// (spec.md §6).
type EventKind string

// Raw event kinds.
const (
	EventScan            EventKind = "scan"
	EventCreated         EventKind = "created"
	EventModified        EventKind = "modified"
	EventRenamed         EventKind = "renamed"
	EventDeleted         EventKind = "deleted"
	EventInitialScanDone EventKind = "initial-scan-done"
	EventIgnored         EventKind = "ignored"
)

// Stats mirrors the stat fields spec.md §6 names.
type Stats struct {
	Size      int64
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
}

// LocalEvent is the raw unit an EventSource produces.
type LocalEvent struct {
	Kind       EventKind
	Path       string
	OldPath    string
	Inode      uint64
	Stats      *Stats
	Incomplete bool
}

// ChangeKind enumerates the semantic changes the aggregator's pipeline
// produces (spec.md §4.4).
type ChangeKind string

// Change kinds.
const (
	ChangeDirAddition   ChangeKind = "DirAddition"
	ChangeDirDeletion   ChangeKind = "DirDeletion"
	ChangeDirMove       ChangeKind = "DirMove"
	ChangeFileAddition  ChangeKind = "FileAddition"
	ChangeFileDeletion  ChangeKind = "FileDeletion"
	ChangeFileMove      ChangeKind = "FileMove"
	ChangeFileUpdate    ChangeKind = "FileUpdate"
	ChangeIgnored       ChangeKind = "Ignored"
	ChangeSyncRootEmpty ChangeKind = "SyncRootEmpty"
)

// Change is one output record of the local aggregator's pipeline.
type Change struct {
	Kind ChangeKind

	Path    string
	OldPath string // set for *Move kinds

	Inode uint64
	Stats *Stats
	Hash  string // files only, attached by the checksum stage

	// WIP means the destination is not yet stable (content still being
	// written); the synchronizer must not act on it yet.
	WIP bool
}
