// Package merge is the merge stage (spec.md §4.6 / C8): it reconciles one
// classified aggregator change against the metadata store, producing the
// store mutations the synchronizer will later propagate to the opposite
// side. It never retries — failures here are deterministic (a missing
// parent, an identity collision) and are the synchronizer's job to react
// to, never Merge's.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/docid"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
)

// ErrMissingParent is returned by the remote-side operations when a change
// references a parent folder the store has never seen (rule 1: the remote
// side never invents a record for an id it never observed).
var ErrMissingParent = fmt.Errorf("merge: parent folder does not exist")

// Writer is the narrow capability Merge needs from the opposite side when
// an identity conflict forces a rename of an already-materialized document
// (rule 2). The engine wires this to the real internal/writer
// implementations; tests may leave it unset, in which case Merge skips the
// physical rename and only updates the store.
type Writer interface {
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Input is the generic shape every C8 operation consumes: whichever fields
// are relevant to the operation being called. Aggregator output (both
// local and remote) is mapped onto this shape by the caller.
type Input struct {
	Path       string
	OldPath    string // set for move operations
	Kind       model.Kind
	Hash       string
	Size       int64
	Mime       string
	Class      string
	Executable bool
	RemoteID   string
	RemoteRev  int64
	UpdatedAt  time.Time
}

// Merger applies C8's operations against a Store.
type Merger struct {
	store   store.Store
	clock   clock.Clock
	folding docid.Folding
	logger  *slog.Logger
	writers map[model.Side]Writer
}

// New constructs a Merger. Writers are registered afterwards via SetWriter
// once the engine has constructed the real internal/writer instances.
func New(st store.Store, clk clock.Clock, folding docid.Folding, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Merger{store: st, clock: clk, folding: folding, logger: logger, writers: make(map[model.Side]Writer)}
}

// SetWriter registers the Writer used to materialize opposite-side renames
// for a given side.
func (m *Merger) SetWriter(side model.Side, w Writer) {
	m.writers[side] = w
}

func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}

	return dir
}

// snapshot builds the value-snapshot to store in MoveFrom/Overwrite: a
// depth-one copy with its own MoveFrom/Overwrite stripped, per design note
// §9 ("never a pointer graph").
func snapshot(d *model.Document) *model.Document {
	c := d.Clone()
	c.MoveFrom = nil
	c.Overwrite = nil

	return c
}

// ensureParent is rule 1. On local it synthesizes the missing parent as a
// folder addition (recursing as needed); on remote it refuses — the remote
// write stream never invents a parent it has not itself seen.
func (m *Merger) ensureParent(ctx context.Context, side model.Side, childPath string) error {
	parent := parentPath(childPath)
	if parent == "" {
		return nil
	}

	existing, err := m.store.ByPath(ctx, parent)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("merge: looking up parent %q: %w", parent, err)
	}

	if existing != nil {
		return nil
	}

	if side == model.SideRemote {
		return fmt.Errorf("%w: %q", ErrMissingParent, parent)
	}

	if err := m.ensureParent(ctx, side, parent); err != nil {
		return err
	}

	return m.putSyntheticFolder(ctx, parent)
}

func (m *Merger) putSyntheticFolder(ctx context.Context, p string) error {
	now := m.clock.Now().UTC()
	one := int64(1)

	doc := &model.Document{
		ID:        docid.ID(p, m.folding),
		Path:      p,
		Kind:      model.KindFolder,
		UpdatedAt: now,
		Sides:     model.Sides{Target: 1, Local: &one},
	}

	return m.store.Put(ctx, doc)
}

// resolveIdentityConflict is rule 2: if the incoming doc's id collides with
// an existing doc of a different kind, a different remote id, or (on a
// case-folding platform) a different path that folds to the same id, the
// incoming doc is renamed to a conflict sibling and the opposite side is
// asked to materialize that rename too.
func (m *Merger) resolveIdentityConflict(ctx context.Context, side model.Side, in *Input) error {
	id := docid.ID(in.Path, m.folding)

	existing, err := m.store.Get(ctx, id)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("merge: looking up %q: %w", id, err)
	}

	if existing == nil {
		return nil
	}

	collides := existing.Kind != in.Kind ||
		(existing.Remote != nil && in.RemoteID != "" && existing.Remote.RemoteID != in.RemoteID) ||
		(m.folding != docid.FoldNone && existing.Path != in.Path)

	if !collides {
		return nil
	}

	renamed := docid.ConflictingName(in.Path, m.clock.Now())

	if w, ok := m.writers[side.Opposite()]; ok && w != nil {
		if err := w.Rename(ctx, in.Path, renamed); err != nil {
			m.logger.Warn("merge: opposite-side conflict rename failed", slog.String("path", in.Path), slog.Any("err", err))
		}
	}

	in.Path = renamed

	return nil
}

func (m *Merger) markSide(doc *model.Document, side model.Side) {
	doc.Sides.Target++
	target := doc.Sides.Target

	switch side {
	case model.SideLocal:
		doc.Sides.Local = &target
	case model.SideRemote:
		doc.Sides.Remote = &target
	}
}

func coerceUpdatedAt(now, previous time.Time) time.Time {
	if now.Before(previous) {
		return previous
	}

	return now
}

// AddFile implements the addFile operation.
func (m *Merger) AddFile(ctx context.Context, side model.Side, in Input) error {
	if err := m.ensureParent(ctx, side, in.Path); err != nil {
		return err
	}

	if err := m.resolveIdentityConflict(ctx, side, &in); err != nil {
		return err
	}

	now := m.clock.Now().UTC()

	doc := &model.Document{
		ID:        docid.ID(in.Path, m.folding),
		Path:      in.Path,
		Kind:      model.KindFile,
		File:      &model.FileAttrs{Size: in.Size, Hash: in.Hash, Executable: in.Executable, Mime: in.Mime, Class: in.Class},
		UpdatedAt: now,
	}

	if in.RemoteID != "" {
		doc.Remote = &model.RemoteRef{RemoteID: in.RemoteID, RemoteRev: in.RemoteRev}
	}

	m.markSide(doc, side)

	return m.store.Put(ctx, doc)
}

// UpdateFile implements the updateFile operation, including rule 3
// (same-binary detection) and rule 4 (update-vs-update race).
func (m *Merger) UpdateFile(ctx context.Context, side model.Side, in Input) error {
	existing, err := m.store.ByPath(ctx, in.Path)
	if err != nil {
		if err == store.ErrNotFound {
			return m.AddFile(ctx, side, in)
		}

		return fmt.Errorf("merge: looking up %q: %w", in.Path, err)
	}

	if existing.File != nil && existing.File.Hash == in.Hash {
		// Rule 3: identical binary — refresh only the observing side's
		// counter, never bump Target.
		target := existing.Sides.Target

		switch side {
		case model.SideLocal:
			existing.Sides.Local = &target
		case model.SideRemote:
			existing.Sides.Remote = &target
		}

		return m.store.Put(ctx, existing)
	}

	if sideCounter(existing.Sides, side) < existing.Sides.Target {
		// Rule 4: update-vs-update race — the side being updated from is
		// behind Target and the binaries differ.
		return m.resolveUpdateRace(ctx, side, existing, in)
	}

	now := coerceUpdatedAt(m.clock.Now().UTC(), existing.UpdatedAt)

	existing.File = &model.FileAttrs{Size: in.Size, Hash: in.Hash, Executable: in.Executable, Mime: in.Mime, Class: in.Class}
	existing.UpdatedAt = now

	if in.RemoteID != "" {
		existing.Remote = &model.RemoteRef{RemoteID: in.RemoteID, RemoteRev: in.RemoteRev}
	}

	m.markSide(existing, side)

	return m.store.Put(ctx, existing)
}

func sideCounter(sides model.Sides, side model.Side) int64 {
	switch side {
	case model.SideLocal:
		if sides.Local == nil {
			return 0
		}

		return *sides.Local
	case model.SideRemote:
		if sides.Remote == nil {
			return 0
		}

		return *sides.Remote
	default:
		return sides.Target
	}
}

func (m *Merger) resolveUpdateRace(ctx context.Context, side model.Side, existing *model.Document, in Input) error {
	now := m.clock.Now()

	if side == model.SideLocal {
		// Remote already holds an authoritative newer version: give the
		// stored (remote-derived) doc a conflict name and dissociate its
		// local counterpart so the incoming local version can land clean.
		conflictPath := docid.ConflictingName(existing.Path, now)

		renamed := existing.Clone()
		renamed.Path = conflictPath
		renamed.ID = docid.ID(conflictPath, m.folding)
		renamed.Sides.Local = nil

		if err := m.store.Put(ctx, renamed); err != nil {
			return fmt.Errorf("merge: storing conflict copy of %q: %w", existing.Path, err)
		}

		return m.AddFile(ctx, side, in)
	}

	// side == remote: the incoming remote doc is the one that loses.
	conflictPath := docid.ConflictingName(in.Path, now)
	in.Path = conflictPath

	return m.AddFile(ctx, side, in)
}

// PutFolder implements the putFolder operation (add-or-update a folder;
// folders carry no hash, so there is no same-binary/race distinction).
func (m *Merger) PutFolder(ctx context.Context, side model.Side, in Input) error {
	if err := m.ensureParent(ctx, side, in.Path); err != nil {
		return err
	}

	if err := m.resolveIdentityConflict(ctx, side, &in); err != nil {
		return err
	}

	existing, err := m.store.ByPath(ctx, in.Path)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("merge: looking up %q: %w", in.Path, err)
	}

	now := m.clock.Now().UTC()

	if existing != nil {
		existing.UpdatedAt = coerceUpdatedAt(now, existing.UpdatedAt)
		if in.RemoteID != "" {
			existing.Remote = &model.RemoteRef{RemoteID: in.RemoteID, RemoteRev: in.RemoteRev}
		}

		m.markSide(existing, side)

		return m.store.Put(ctx, existing)
	}

	doc := &model.Document{
		ID:        docid.ID(in.Path, m.folding),
		Path:      in.Path,
		Kind:      model.KindFolder,
		UpdatedAt: now,
	}

	if in.RemoteID != "" {
		doc.Remote = &model.RemoteRef{RemoteID: in.RemoteID, RemoteRev: in.RemoteRev}
	}

	m.markSide(doc, side)

	return m.store.Put(ctx, doc)
}

// MoveFile implements the moveFile operation (rule 5).
func (m *Merger) MoveFile(ctx context.Context, side model.Side, in Input) error {
	return m.move(ctx, side, in)
}

// MoveFolder implements the moveFolder operation, including rule 6's
// recursive-descendant bulk rewrite.
func (m *Merger) MoveFolder(ctx context.Context, side model.Side, in Input) error {
	if err := m.move(ctx, side, in); err != nil {
		return err
	}

	descendants, err := m.store.ByPathPrefix(ctx, in.OldPath+"/", store.ListOptions{})
	if err != nil {
		return fmt.Errorf("merge: listing descendants of %q: %w", in.OldPath, err)
	}

	updated := make([]*model.Document, 0, len(descendants))

	for _, d := range descendants {
		rest := strings.TrimPrefix(d.Path, in.OldPath+"/")
		newPath := in.Path + "/" + rest

		// A descendant already separately moved into the new destination
		// subtree keeps its own moveFrom marker rather than being treated
		// as a plain rewrite (rule 6's "account for descendants that were
		// separately moved").
		if d.MoveFrom != nil && strings.HasPrefix(d.MoveFrom.Path, in.Path+"/") {
			continue
		}

		snap := snapshot(d)

		clone := d.Clone()
		clone.Path = newPath
		clone.ID = docid.ID(newPath, m.folding)
		clone.MoveFrom = snap
		clone.Overwrite = nil
		clone.UpdatedAt = coerceUpdatedAt(m.clock.Now().UTC(), d.UpdatedAt)
		m.markSide(clone, side)

		updated = append(updated, clone)
	}

	if len(updated) == 0 {
		return nil
	}

	for _, bulkErr := range m.store.BulkPut(ctx, updated) {
		if bulkErr != nil {
			m.logger.Warn("merge: descendant move bulk write had errors", slog.Any("err", bulkErr))
		}
	}

	return nil
}

func (m *Merger) move(ctx context.Context, side model.Side, in Input) error {
	if err := m.ensureParent(ctx, side, in.Path); err != nil {
		return err
	}

	existing, err := m.store.ByPath(ctx, in.OldPath)
	if err != nil {
		return fmt.Errorf("merge: looking up %q: %w", in.OldPath, err)
	}

	snap := snapshot(existing)

	dest, err := m.store.Get(ctx, docid.ID(in.Path, m.folding))
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("merge: looking up destination %q: %w", in.Path, err)
	}

	clone := existing.Clone()
	clone.Path = in.Path
	clone.ID = docid.ID(in.Path, m.folding)
	clone.MoveFrom = snap

	clone.UpdatedAt = coerceUpdatedAt(m.clock.Now().UTC(), existing.UpdatedAt)

	if in.Hash != "" && clone.File != nil {
		clone.File.Hash = in.Hash
		clone.File.Size = in.Size
	}

	if dest != nil && dest.ID != existing.ID {
		switch {
		case dest.Deleted:
			clone.Overwrite = snapshot(dest)
		case dest.Path == in.Path:
			clone.Overwrite = snapshot(dest)
		default:
			// A live, up-to-date doc already occupies the destination and
			// paths don't (case-sensitively) match: create a conflict
			// rather than overwrite, then retry the move onto the
			// renamed path.
			if err := m.resolveIdentityConflict(ctx, side, &in); err != nil {
				return err
			}

			clone.Path = in.Path
			clone.ID = docid.ID(in.Path, m.folding)
		}
	}

	m.markSide(clone, side)

	return m.store.Put(ctx, clone)
}

// TrashFile implements the trashFile operation (rule 7).
func (m *Merger) TrashFile(ctx context.Context, side model.Side, path string) error {
	return m.trash(ctx, side, path)
}

// TrashFolder implements the trashFolder operation (rule 7).
func (m *Merger) TrashFolder(ctx context.Context, side model.Side, path string) error {
	return m.trash(ctx, side, path)
}

func (m *Merger) trash(ctx context.Context, side model.Side, p string) error {
	existing, err := m.store.ByPath(ctx, p)
	if err != nil {
		return fmt.Errorf("merge: looking up %q: %w", p, err)
	}

	if existing.MoveFrom != nil {
		// This doc was itself the un-applied destination of a move.
		if side == model.SideLocal {
			existing.MoveFrom = nil // the user really deleted it
		} else {
			// Re-arm the move hint with the latest remote rev so Sync
			// restores the file instead of deleting it.
			if existing.Remote != nil {
				existing.Remote.RemoteRev++
			}

			return m.store.Put(ctx, existing)
		}
	}

	existing.Trashed = true
	existing.UpdatedAt = coerceUpdatedAt(m.clock.Now().UTC(), existing.UpdatedAt)
	m.markSide(existing, side)

	return m.store.Put(ctx, existing)
}

// DeleteFile implements the deleteFile operation.
func (m *Merger) DeleteFile(ctx context.Context, side model.Side, path string) error {
	return m.delete(ctx, side, path, false)
}

// DeleteFolder implements the deleteFolder operation, including rule 8's
// deletion cascade.
func (m *Merger) DeleteFolder(ctx context.Context, side model.Side, path string) error {
	return m.delete(ctx, side, path, true)
}

func (m *Merger) delete(ctx context.Context, side model.Side, p string, recursive bool) error {
	existing, err := m.store.ByPath(ctx, p)
	if err != nil {
		return fmt.Errorf("merge: looking up %q: %w", p, err)
	}

	if err := m.markDeleted(ctx, side, existing); err != nil {
		return err
	}

	if !recursive {
		return nil
	}

	descendants, err := m.store.ByPathPrefix(ctx, p+"/", store.ListOptions{})
	if err != nil {
		return fmt.Errorf("merge: listing descendants of %q: %w", p, err)
	}

	opposite := side.Opposite()

	for _, d := range descendants {
		// Rule 8: a child modified on the opposite side after the deletion
		// is preserved and dissociated from the deleting side, so that
		// change can still propagate instead of being wiped out.
		if modifiedAfterDeletion(d, opposite, existing.UpdatedAt) {
			dissociate(d, side)

			if err := m.store.Put(ctx, d); err != nil {
				return fmt.Errorf("merge: preserving modified descendant %q: %w", d.Path, err)
			}

			continue
		}

		if err := m.markDeleted(ctx, side, d); err != nil {
			return fmt.Errorf("merge: cascading delete to %q: %w", d.Path, err)
		}
	}

	return nil
}

func modifiedAfterDeletion(d *model.Document, opposite model.Side, deletionTime time.Time) bool {
	counter := sideCounter(d.Sides, opposite)
	return counter >= d.Sides.Target && d.UpdatedAt.After(deletionTime)
}

func dissociate(d *model.Document, side model.Side) {
	switch side {
	case model.SideLocal:
		d.Sides.Local = nil
	case model.SideRemote:
		d.Sides.Remote = nil
	}

	d.Deleted = false
}

func (m *Merger) markDeleted(ctx context.Context, side model.Side, doc *model.Document) error {
	doc.Deleted = true
	doc.UpdatedAt = coerceUpdatedAt(m.clock.Now().UTC(), doc.UpdatedAt)
	m.markSide(doc, side)

	return m.store.Put(ctx, doc)
}

// RestoreFile implements the Restoration classification (spec.md §4.5:
// "twin was trashed, new destination is not"): a move back from the trash
// folder with the Trashed marker cleared.
func (m *Merger) RestoreFile(ctx context.Context, side model.Side, in Input) error {
	return m.restore(ctx, side, in, false)
}

// RestoreFolder is RestoreFile's folder counterpart, carrying the same
// recursive-descendant rewrite as MoveFolder.
func (m *Merger) RestoreFolder(ctx context.Context, side model.Side, in Input) error {
	return m.restore(ctx, side, in, true)
}

func (m *Merger) restore(ctx context.Context, side model.Side, in Input, recursive bool) error {
	var err error
	if recursive {
		err = m.MoveFolder(ctx, side, in)
	} else {
		err = m.MoveFile(ctx, side, in)
	}

	if err != nil {
		return err
	}

	doc, err := m.store.ByPath(ctx, in.Path)
	if err != nil {
		return fmt.Errorf("merge: looking up restored %q: %w", in.Path, err)
	}

	if !doc.Trashed {
		return nil
	}

	doc.Trashed = false

	return m.store.Put(ctx, doc)
}
