package engine

import (
	"context"
	"fmt"

	"github.com/cozy-labs/cozy-sync-engine/internal/localagg"
	"github.com/cozy-labs/cozy-sync-engine/internal/merge"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/remoteagg"
)

// adaptLocal maps one C5 semantic change onto the matching C8 merge
// operation. WIP changes ("destination not yet stable") are held back —
// localagg resolves them into a complete change on a later batch once the
// write finishes.
func adaptLocal(ctx context.Context, mrg *merge.Merger, ch localagg.Change) error {
	if ch.WIP {
		return nil
	}

	switch ch.Kind {
	case localagg.ChangeIgnored, localagg.ChangeSyncRootEmpty:
		return nil

	case localagg.ChangeDirAddition:
		return mrg.PutFolder(ctx, model.SideLocal, merge.Input{Path: ch.Path, Kind: model.KindFolder})

	case localagg.ChangeDirDeletion:
		return mrg.TrashFolder(ctx, model.SideLocal, ch.Path)

	case localagg.ChangeDirMove:
		return mrg.MoveFolder(ctx, model.SideLocal, merge.Input{
			Path: ch.Path, OldPath: ch.OldPath, Kind: model.KindFolder,
		})

	case localagg.ChangeFileAddition:
		in := merge.Input{Path: ch.Path, Kind: model.KindFile, Hash: ch.Hash}
		if ch.Stats != nil {
			in.Size = ch.Stats.Size
		}

		return mrg.AddFile(ctx, model.SideLocal, in)

	case localagg.ChangeFileDeletion:
		return mrg.TrashFile(ctx, model.SideLocal, ch.Path)

	case localagg.ChangeFileMove:
		in := merge.Input{Path: ch.Path, OldPath: ch.OldPath, Kind: model.KindFile, Hash: ch.Hash}
		if ch.Stats != nil {
			in.Size = ch.Stats.Size
		}

		return mrg.MoveFile(ctx, model.SideLocal, in)

	case localagg.ChangeFileUpdate:
		in := merge.Input{Path: ch.Path, Kind: model.KindFile, Hash: ch.Hash}
		if ch.Stats != nil {
			in.Size = ch.Stats.Size
		}

		return mrg.UpdateFile(ctx, model.SideLocal, in)

	default:
		return fmt.Errorf("engine: unhandled local change kind %q for %s", ch.Kind, ch.Path)
	}
}

// adaptRemote maps one C7 classified change onto the matching C8 merge
// operation. DescendantChange and Ignored/Invalid need no call of their
// own: a descendant's movement is already covered by MoveFolder's
// recursive rewrite when its ancestor is applied, and Ignored/Invalid
// mean the remote record carries nothing actionable.
func adaptRemote(ctx context.Context, mrg *merge.Merger, ch remoteagg.Change) error {
	switch ch.Kind {
	case remoteagg.ChangeIgnored, remoteagg.ChangeInvalid, remoteagg.ChangeDescendantChange:
		return nil

	case remoteagg.ChangeDirAddition:
		return mrg.PutFolder(ctx, model.SideRemote, remoteInput(ch.Doc, model.KindFolder))

	case remoteagg.ChangeFileAddition:
		return mrg.AddFile(ctx, model.SideRemote, remoteInput(ch.Doc, model.KindFile))

	case remoteagg.ChangeFileUpdate:
		return mrg.UpdateFile(ctx, model.SideRemote, remoteInput(ch.Doc, model.KindFile))

	case remoteagg.ChangeDirMove:
		in := remoteInput(ch.Doc, model.KindFolder)
		in.OldPath = ch.OldPath

		return mrg.MoveFolder(ctx, model.SideRemote, in)

	case remoteagg.ChangeFileMove:
		in := remoteInput(ch.Doc, model.KindFile)
		in.OldPath = ch.OldPath

		if !ch.Update {
			in.Hash = ""
		}

		return mrg.MoveFile(ctx, model.SideRemote, in)

	case remoteagg.ChangeDirTrashing:
		return mrg.TrashFolder(ctx, model.SideRemote, ch.OldPath)

	case remoteagg.ChangeFileTrashing:
		return mrg.TrashFile(ctx, model.SideRemote, ch.OldPath)

	case remoteagg.ChangeDirDeletion:
		return mrg.DeleteFolder(ctx, model.SideRemote, ch.OldPath)

	case remoteagg.ChangeFileDeletion:
		return mrg.DeleteFile(ctx, model.SideRemote, ch.OldPath)

	case remoteagg.ChangeDirRestoration:
		in := remoteInput(ch.Doc, model.KindFolder)
		in.OldPath = ch.OldPath

		return mrg.RestoreFolder(ctx, model.SideRemote, in)

	case remoteagg.ChangeFileRestoration:
		in := remoteInput(ch.Doc, model.KindFile)
		in.OldPath = ch.OldPath

		return mrg.RestoreFile(ctx, model.SideRemote, in)

	default:
		return fmt.Errorf("engine: unhandled remote change kind %q for %s", ch.Kind, ch.Doc.Path)
	}
}

// remoteInput builds the merge.Input common to every remote-sourced op:
// the doc's own path/attributes plus its remote identity.
func remoteInput(doc remoteagg.RemoteDoc, kind model.Kind) merge.Input {
	return merge.Input{
		Path:      doc.Path,
		Kind:      kind,
		Hash:      doc.Hash,
		Size:      doc.Size,
		RemoteID:  doc.ID,
		RemoteRev: doc.Rev,
		UpdatedAt: doc.UpdatedAt,
	}
}
