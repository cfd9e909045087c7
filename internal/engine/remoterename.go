package engine

import (
	"context"
	"fmt"
	"path"

	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

// remoteRenamer adapts a writer.RemoteWriter to merge.Writer's narrow
// Rename(oldPath, newPath) contract. RemoteWriter only renames by id
// (UpdateAttributesByID), so this resolves oldPath's remote id and
// newPath's parent id through the store first. Registered as the remote
// side's merge.Writer so an opposite-side conflict rename (spec.md §4.6
// rule 2) can still materialize on the remote when the colliding change
// arrived from local.
type remoteRenamer struct {
	store        store.Store
	remote       writer.RemoteWriter
	rootRemoteID string
}

func (r *remoteRenamer) Rename(ctx context.Context, oldPath, newPath string) error {
	doc, err := r.store.ByPath(ctx, oldPath)
	if err != nil {
		return fmt.Errorf("engine: resolving remote id for %s: %w", oldPath, err)
	}

	if doc.Remote == nil {
		return nil // not materialized remotely yet; nothing to rename
	}

	parentID, err := r.parentID(ctx, path.Dir(newPath))
	if err != nil {
		return err
	}

	attrs := writer.RemoteAttrs{Name: path.Base(newPath), DirID: parentID, UpdatedAt: doc.UpdatedAt}

	_, err = r.remote.UpdateAttributesByID(ctx, doc.Remote.RemoteID, attrs, writer.IfMatch{Rev: doc.Remote.RemoteRev})
	if err != nil {
		return fmt.Errorf("engine: renaming remote doc %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}

func (r *remoteRenamer) parentID(ctx context.Context, parent string) (string, error) {
	if parent == "." || parent == "" {
		return r.rootRemoteID, nil
	}

	parentDoc, err := r.store.ByPath(ctx, parent)
	if err != nil {
		return "", fmt.Errorf("engine: resolving parent %q: %w", parent, err)
	}

	if parentDoc.Remote == nil {
		return "", fmt.Errorf("engine: parent %q has no remote ref yet", parent)
	}

	return parentDoc.Remote.RemoteID, nil
}

var _ interface {
	Rename(ctx context.Context, oldPath, newPath string) error
} = (*remoteRenamer)(nil)
