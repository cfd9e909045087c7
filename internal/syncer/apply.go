package syncer

import (
	"context"
	"fmt"
	"path"

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

// applyDoc dispatches on doc shape, per spec.md §4.7: a move takes
// priority (with an optional content overwrite once landed), then a bare
// trash or delete, then a first materialization, then an ordinary update.
func (s *Synchronizer) applyDoc(ctx context.Context, doc *model.Document, side model.Side) error {
	switch {
	case doc.MoveFrom != nil:
		return s.applyMove(ctx, doc, side)
	case doc.Trashed:
		return s.applyTrash(ctx, doc, side)
	case doc.Deleted:
		return s.applyDeletion(ctx, doc, side)
	case doc.Sides.Target == 1:
		return s.applyAdd(ctx, doc, side)
	default:
		return s.applyUpdate(ctx, doc, side)
	}
}

func (s *Synchronizer) applyAdd(ctx context.Context, doc *model.Document, side model.Side) error {
	if side == model.SideLocal {
		if doc.Kind == model.KindFolder {
			if err := s.local.Mkdir(ctx, doc.Path); err != nil {
				return fmt.Errorf("syncer: creating local dir %s: %w", doc.Path, err)
			}

			return nil
		}

		return s.materializeContent(ctx, doc, side)
	}

	parentID, err := s.remoteParentID(ctx, parentPath(doc.Path))
	if err != nil {
		return err
	}

	name := path.Base(doc.Path)

	if doc.Kind == model.KindFolder {
		id, err := s.remote.CreateDir(ctx, parentID, name)
		if err != nil {
			return fmt.Errorf("syncer: creating remote dir %s: %w", doc.Path, err)
		}

		doc.Remote = &model.RemoteRef{RemoteID: id, RemoteRev: 1}

		return nil
	}

	stream, err := s.local.OpenFile(ctx, doc.Path)
	if err != nil {
		return fmt.Errorf("syncer: opening local content for %s: %w", doc.Path, err)
	}
	defer stream.Close()

	id, rev, err := s.remote.CreateFile(ctx, parentID, name, stream)
	if err != nil {
		return fmt.Errorf("syncer: creating remote file %s: %w", doc.Path, err)
	}

	doc.Remote = &model.RemoteRef{RemoteID: id, RemoteRev: rev}

	return nil
}

func (s *Synchronizer) applyUpdate(ctx context.Context, doc *model.Document, side model.Side) error {
	if side == model.SideLocal {
		return s.materializeContent(ctx, doc, side)
	}

	if doc.Kind == model.KindFolder {
		return nil
	}

	if doc.Remote == nil {
		return fmt.Errorf("%w: updated doc %q has no remote ref", ErrInvariantViolation, doc.Path)
	}

	stream, err := s.local.OpenFile(ctx, doc.Path)
	if err != nil {
		return fmt.Errorf("syncer: opening local content for %s: %w", doc.Path, err)
	}
	defer stream.Close()

	rev, err := s.remote.UpdateFileByID(ctx, doc.Remote.RemoteID, stream, writer.IfMatch{Rev: doc.Remote.RemoteRev})
	if err != nil {
		return fmt.Errorf("syncer: updating remote file %s: %w", doc.Path, err)
	}

	doc.Remote.RemoteRev = rev

	return nil
}

func (s *Synchronizer) applyMove(ctx context.Context, doc *model.Document, side model.Side) error {
	from := doc.MoveFrom
	if from == nil {
		return fmt.Errorf("%w: move doc %q missing MoveFrom", ErrInvariantViolation, doc.Path)
	}

	if side == model.SideLocal {
		if err := s.local.Rename(ctx, from.Path, doc.Path); err != nil {
			return fmt.Errorf("syncer: renaming %s to %s locally: %w", from.Path, doc.Path, err)
		}
	} else {
		if doc.Remote == nil {
			return fmt.Errorf("%w: moved doc %q has no remote ref", ErrInvariantViolation, doc.Path)
		}

		parentID, err := s.remoteParentID(ctx, parentPath(doc.Path))
		if err != nil {
			return err
		}

		attrs := writer.RemoteAttrs{Name: path.Base(doc.Path), DirID: parentID, UpdatedAt: doc.UpdatedAt}

		rev, err := s.remote.UpdateAttributesByID(ctx, doc.Remote.RemoteID, attrs, writer.IfMatch{Rev: doc.Remote.RemoteRev})
		if err != nil {
			return fmt.Errorf("syncer: moving remote doc %s: %w", doc.Path, err)
		}

		doc.Remote.RemoteRev = rev
	}

	if doc.Overwrite != nil && doc.Kind == model.KindFile {
		return s.materializeContent(ctx, doc, side)
	}

	return nil
}

// applyTrash moves doc into the reserved trash location on side, applying
// the big-delete safety guard to folders first.
func (s *Synchronizer) applyTrash(ctx context.Context, doc *model.Document, side model.Side) error {
	if doc.Kind == model.KindFolder {
		if err := s.checkBigDelete(ctx, doc); err != nil {
			return err
		}
	}

	if side == model.SideLocal {
		if err := s.local.MoveToTrash(ctx, doc.Path); err != nil {
			return fmt.Errorf("syncer: trashing %s locally: %w", doc.Path, err)
		}

		return nil
	}

	if doc.Remote == nil {
		return fmt.Errorf("%w: trashed doc %q has no remote ref", ErrInvariantViolation, doc.Path)
	}

	if err := s.remote.TrashByID(ctx, doc.Remote.RemoteID, writer.IfMatch{Rev: doc.Remote.RemoteRev}); err != nil {
		return fmt.Errorf("syncer: trashing remote doc %s: %w", doc.Path, err)
	}

	return nil
}

// applyDeletion permanently removes doc on side, after the big-delete
// guard for folders.
func (s *Synchronizer) applyDeletion(ctx context.Context, doc *model.Document, side model.Side) error {
	if doc.Kind == model.KindFolder {
		if err := s.checkBigDelete(ctx, doc); err != nil {
			return err
		}
	}

	if side == model.SideLocal {
		if err := s.local.Remove(ctx, doc.Path); err != nil {
			return fmt.Errorf("syncer: removing %s locally: %w", doc.Path, err)
		}

		return nil
	}

	if doc.Remote == nil {
		return nil
	}

	if err := s.remote.DestroyByID(ctx, doc.Remote.RemoteID); err != nil {
		return fmt.Errorf("syncer: destroying remote doc %s: %w", doc.Path, err)
	}

	return nil
}

// trashWithParentOrByItself implements spec.md §4.7's "Trash with
// parent": when the document's parent is also trashed, wait one
// heartbeat for the parent's propagation instead of emitting a redundant
// per-entry trash call.
func (s *Synchronizer) trashWithParentOrByItself(ctx context.Context, doc *model.Document) error {
	parent, err := s.store.ByPath(ctx, parentPath(doc.Path))
	if err == nil && parent != nil && parent.Trashed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.HeartbeatTimeout):
		}

		return nil
	}

	return s.applyTrash(ctx, doc, model.SideRemote)
}

// materializeContent streams doc's content onto side, pulling from the
// opposite side's writer (spec.md §4.8's "other reference" pattern,
// realized as a pull through OpenFile/OpenByID rather than a push through
// a held counterpart reference).
func (s *Synchronizer) materializeContent(ctx context.Context, doc *model.Document, side model.Side) error {
	if doc.Kind == model.KindFolder {
		return nil
	}

	if side == model.SideLocal {
		if doc.Remote == nil {
			return fmt.Errorf("%w: file %q has no remote ref to read from", ErrInvariantViolation, doc.Path)
		}

		stream, err := s.remote.OpenByID(ctx, doc.Remote.RemoteID)
		if err != nil {
			return fmt.Errorf("syncer: opening remote content for %s: %w", doc.Path, err)
		}
		defer stream.Close()

		opts := writer.WriteOptions{Mtime: doc.UpdatedAt}
		if doc.File != nil {
			opts.Executable = doc.File.Executable
		}

		if err := s.local.WriteFile(ctx, stream, doc.Path, opts); err != nil {
			return fmt.Errorf("syncer: writing %s locally: %w", doc.Path, err)
		}

		if remember, ok := s.local.(interface{ RememberID(id, path string) }); ok {
			remember.RememberID(doc.ID, doc.Path)
		}

		return nil
	}

	if doc.Remote == nil {
		return fmt.Errorf("%w: file %q has no remote ref to update", ErrInvariantViolation, doc.Path)
	}

	stream, err := s.local.OpenFile(ctx, doc.Path)
	if err != nil {
		return fmt.Errorf("syncer: opening local content for %s: %w", doc.Path, err)
	}
	defer stream.Close()

	rev, err := s.remote.UpdateFileByID(ctx, doc.Remote.RemoteID, stream, writer.IfMatch{Rev: doc.Remote.RemoteRev})
	if err != nil {
		return fmt.Errorf("syncer: overwriting remote file %s: %w", doc.Path, err)
	}

	doc.Remote.RemoteRev = rev

	return nil
}

// remoteParentID resolves parentPath's remote id, or the configured root
// sentinel when parentPath is empty (doc lives at the sync root).
func (s *Synchronizer) remoteParentID(ctx context.Context, parent string) (string, error) {
	if parent == "" {
		return s.cfg.RootRemoteID, nil
	}

	parentDoc, err := s.store.ByPath(ctx, parent)
	if err != nil {
		return "", fmt.Errorf("%w: resolving parent %q: %v", ErrMissingParent, parent, err)
	}

	if parentDoc.Remote == nil {
		return "", fmt.Errorf("%w: parent %q has no remote ref yet", ErrMissingParent, parent)
	}

	return parentDoc.Remote.RemoteID, nil
}

// checkBigDelete blocks a folder deletion/trashing whose descendant count
// exceeds the configured safety threshold (SPEC_FULL.md §13).
func (s *Synchronizer) checkBigDelete(ctx context.Context, doc *model.Document) error {
	if s.cfg.BigDeleteThreshold <= 0 {
		return nil
	}

	descendants, err := s.store.ByPathPrefix(ctx, doc.Path+"/", store.ListOptions{})
	if err != nil {
		return fmt.Errorf("syncer: counting descendants of %s: %w", doc.Path, err)
	}

	if len(descendants) > s.cfg.BigDeleteThreshold {
		return fmt.Errorf("%w: deleting %s would remove %d descendants (threshold %d)",
			ErrUserActionRequired, doc.Path, len(descendants), s.cfg.BigDeleteThreshold)
	}

	return nil
}
