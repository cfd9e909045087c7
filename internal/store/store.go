// Package store defines the metadata store contract (C1): a revisioned
// document key-value store with secondary indexes by path, content hash,
// and remote id, an advisory exclusive lock, and two named replication
// cursors. internal/store/memstore and internal/store/sqlitestore provide
// the two concrete implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
)

// ErrInvariantViolation is returned by Put/BulkPut when a document fails
// one of the invariants I1-I4 (spec.md §4.1). It is a programmer error,
// not a recoverable condition — callers should fail loudly rather than
// retry.
var ErrInvariantViolation = errors.New("store: invariant violation")

// ErrNotFound is returned by single-document lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ListOptions narrows a byPathPrefix query.
type ListOptions struct {
	Descending bool
}

// ChangesOptions narrows a changesSince query.
type ChangesOptions struct {
	Live  bool // requests streaming of new commits; memstore and sqlitestore ignore it and close the channel after the backlog
	Limit int  // 0 means unlimited
}

// Change is one entry in the store's internal commit log.
type Change struct {
	Seq int64
	Doc *model.Document
}

// Release ends an advisory lock hold. It is safe to call more than once;
// only the first call has an effect.
type Release func()

// Store is the metadata store contract (spec.md §4.1).
type Store interface {
	Get(ctx context.Context, id string) (*model.Document, error)
	ByPath(ctx context.Context, path string) (*model.Document, error)
	ByRemoteID(ctx context.Context, remoteID string) (*model.Document, error)
	ByHash(ctx context.Context, hash string) ([]*model.Document, error)
	ByPathPrefix(ctx context.Context, prefix string, opts ListOptions) ([]*model.Document, error)
	AllLocal(ctx context.Context) ([]*model.Document, error)

	Put(ctx context.Context, doc *model.Document) error
	BulkPut(ctx context.Context, docs []*model.Document) []error

	Lock(ctx context.Context, owner string) (Release, error)

	LocalCursor(ctx context.Context) (int64, error)
	SetLocalCursor(ctx context.Context, cursor int64) error
	RemoteCursor(ctx context.Context) (int64, error)
	SetRemoteCursor(ctx context.Context, cursor int64) error

	ChangesSince(ctx context.Context, cursor int64, opts ChangesOptions) (<-chan Change, error)
	PreviousRev(ctx context.Context, id string, stepsBack int) (*model.Document, error)

	Close() error
}

// Validate checks a document against invariants I1-I4 before it is handed
// to a concrete Store's Put. Implementations call this first so the
// invariant-violation behavior is identical across backends.
func Validate(doc *model.Document, previous *model.Document) error {
	if doc.Kind == model.KindFile && !doc.HasHash() {
		return fmt.Errorf("%w: file %q has no hash (I1)", ErrInvariantViolation, doc.Path)
	}

	if doc.Sides == (model.Sides{}) {
		return fmt.Errorf("%w: doc %q has no sides (I2)", ErrInvariantViolation, doc.Path)
	}

	if doc.Sides.Remote != nil && doc.Remote == nil {
		return fmt.Errorf("%w: doc %q has sides.remote but no remote ref (I3)", ErrInvariantViolation, doc.Path)
	}

	if previous != nil && doc.UpdatedAt.Before(previous.UpdatedAt) {
		return fmt.Errorf("%w: doc %q updatedAt went backwards (I4)", ErrInvariantViolation, doc.Path)
	}

	return nil
}
