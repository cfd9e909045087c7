package remoteagg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
)

// TrashFolderName is the reserved remote folder receiving trashed documents
// (spec.md §6).
const TrashFolderName = ".cozy_trash"

// TwinLookup resolves a remote document's persisted counterpart by remote
// id. Satisfied by store.Store; a store.ErrNotFound result is read as "no
// twin".
type TwinLookup interface {
	ByRemoteID(ctx context.Context, remoteID string) (*model.Document, error)
}

// Aggregator classifies and orders a batch of remote documents.
type Aggregator struct {
	twins TwinLookup
}

// New constructs an Aggregator.
func New(twins TwinLookup) *Aggregator {
	return &Aggregator{twins: twins}
}

// Process classifies every doc in the batch, then applies the stable sort
// and pairwise squashing spec.md §4.5 describes.
func (a *Aggregator) Process(ctx context.Context, batch []RemoteDoc) ([]Change, error) {
	changes := make([]Change, 0, len(batch))

	for _, doc := range batch {
		c, err := a.classify(ctx, doc)
		if err != nil {
			return nil, err
		}

		changes = append(changes, c)
	}

	sortChanges(changes)
	squash(changes)

	return changes, nil
}

func (a *Aggregator) classify(ctx context.Context, doc RemoteDoc) (Change, error) {
	if doc.Type != "file" && doc.Type != "directory" {
		return Change{Kind: ChangeInvalid, Doc: doc}, nil
	}

	isFile := doc.Type == "file"

	if isFile && !doc.Deleted && doc.Hash == "" {
		return Change{Kind: ChangeInvalid, Doc: doc}, nil
	}

	twin, err := a.twins.ByRemoteID(ctx, doc.ID)
	if errors.Is(err, store.ErrNotFound) {
		twin, err = nil, nil
	}

	if err != nil {
		return Change{}, fmt.Errorf("remoteagg: looking up twin for %s: %w", doc.ID, err)
	}

	if isFile && twin != nil && twin.File != nil && twin.File.Hash == doc.Hash && twin.File.Size != doc.Size {
		return Change{Kind: ChangeInvalid, Doc: doc}, nil
	}

	if twin != nil && twin.Remote != nil && doc.Rev <= twin.Remote.RemoteRev && !doc.Deleted {
		return Change{Kind: ChangeIgnored, Doc: doc}, nil
	}

	if twin == nil && doc.Trashed {
		return Change{Kind: ChangeIgnored, Doc: doc}, nil
	}

	underTrash := strings.HasPrefix(doc.Path, TrashFolderName+"/") || doc.Path == TrashFolderName

	switch {
	case doc.Deleted:
		if twin == nil {
			return Change{Kind: ChangeIgnored, Doc: doc}, nil
		}

		if isFile {
			return Change{Kind: ChangeFileDeletion, Doc: doc, OldPath: twin.Path}, nil
		}

		return Change{Kind: ChangeDirDeletion, Doc: doc, OldPath: twin.Path}, nil

	case twin == nil:
		if underTrash {
			return Change{Kind: ChangeIgnored, Doc: doc}, nil
		}

		if isFile {
			return Change{Kind: ChangeFileAddition, Doc: doc}, nil
		}

		return Change{Kind: ChangeDirAddition, Doc: doc}, nil

	case twin.Trashed && !underTrash:
		if isFile {
			return Change{Kind: ChangeFileRestoration, Doc: doc, OldPath: twin.Path}, nil
		}

		return Change{Kind: ChangeDirRestoration, Doc: doc, OldPath: twin.Path}, nil

	case underTrash:
		if isFile {
			return Change{Kind: ChangeFileTrashing, Doc: doc, OldPath: twin.Path}, nil
		}

		return Change{Kind: ChangeDirTrashing, Doc: doc, OldPath: twin.Path}, nil

	case twin.Path != doc.Path:
		update := isFile && twin.File != nil && twin.File.Hash != doc.Hash

		if isFile {
			return Change{Kind: ChangeFileMove, Doc: doc, OldPath: twin.Path, Update: update}, nil
		}

		return Change{Kind: ChangeDirMove, Doc: doc, OldPath: twin.Path}, nil

	case isFile && twin.File != nil && twin.File.Hash != doc.Hash:
		return Change{Kind: ChangeFileUpdate, Doc: doc, OldPath: twin.Path}, nil

	default:
		return Change{Kind: ChangeIgnored, Doc: doc}, nil
	}
}

// sortChanges applies the stable ordering spec.md §4.5 requires: deletions
// before additions, shallower paths before deeper ones, then alphabetic.
func sortChanges(changes []Change) {
	rank := func(k ChangeKind) int {
		switch k {
		case ChangeFileDeletion, ChangeDirDeletion, ChangeFileTrashing, ChangeDirTrashing:
			return 0
		default:
			return 1
		}
	}

	depth := func(c Change) int {
		p := c.Doc.Path
		if p == "" {
			p = c.OldPath
		}

		return strings.Count(p, "/")
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if rank(changes[i].Kind) != rank(changes[j].Kind) {
			return rank(changes[i].Kind) < rank(changes[j].Kind)
		}

		if depth(changes[i]) != depth(changes[j]) {
			return depth(changes[i]) < depth(changes[j])
		}

		return changes[i].Doc.Path < changes[j].Doc.Path
	})
}

// squash applies the pairwise rules: a move overwriting a trashed doc, and
// ancestor/child move collapsing.
func squash(changes []Change) {
	byNewPath := make(map[string]int, len(changes))
	for i, c := range changes {
		if c.Kind == ChangeFileMove || c.Kind == ChangeDirMove {
			byNewPath[c.Doc.Path] = i
		}
	}

	for i, c := range changes {
		if (c.Kind == ChangeFileTrashing || c.Kind == ChangeDirTrashing) && c.OldPath != "" {
			if _, ok := byNewPath[c.OldPath]; ok {
				changes[i].Kind = ChangeIgnored
			}
		}
	}

	var ancestors []int

	for i, c := range changes {
		if c.Kind == ChangeDirMove {
			ancestors = append(ancestors, i)
		}
	}

	for _, ai := range ancestors {
		anc := changes[ai]

		for j := range changes {
			if j == ai {
				continue
			}

			child := changes[j]
			if child.Kind != ChangeFileMove && child.Kind != ChangeDirMove {
				continue
			}

			if !strings.HasPrefix(child.OldPath, anc.OldPath+"/") {
				continue
			}

			rest := strings.TrimPrefix(child.OldPath, anc.OldPath+"/")
			expectedDst := anc.Doc.Path + "/" + rest

			if child.Doc.Path == expectedDst {
				changes[ai].Descendants = append(changes[ai].Descendants, child.Doc.ID)
				changes[j].Kind = ChangeDescendantChange
			} else {
				// Moved elsewhere independently of the ancestor's move: keep it,
				// but rewrite its source path to where it actually lived right
				// before its own move (applyMoveInsideMove).
				changes[j].OldPath = expectedDst
			}
		}
	}
}
