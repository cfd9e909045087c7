// Package memstore is an in-memory implementation of store.Store used as
// a test double by every other package (merge, syncer, engine) so they can
// be exercised without real disk or SQLite I/O.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
)

// Store is a goroutine-safe, in-memory store.Store.
type Store struct {
	mu sync.Mutex

	docs      map[string]*model.Document // by id
	byPath    map[string]string          // path -> id
	byRemote  map[string]string          // remoteID -> id
	history   map[string][]*model.Document // id -> revisions, oldest first

	commitLog []store.Change
	nextSeq   int64

	localCursor  int64
	remoteCursor int64

	lockQueue []chan struct{}
	lockOwner string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		docs:     make(map[string]*model.Document),
		byPath:   make(map[string]string),
		byRemote: make(map[string]string),
		history:  make(map[string][]*model.Document),
	}
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return doc.Clone(), nil
}

// ByPath implements store.Store.
func (s *Store) ByPath(_ context.Context, path string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPath[path]
	if !ok {
		return nil, store.ErrNotFound
	}

	return s.docs[id].Clone(), nil
}

// ByRemoteID implements store.Store.
func (s *Store) ByRemoteID(_ context.Context, remoteID string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRemote[remoteID]
	if !ok {
		return nil, store.ErrNotFound
	}

	return s.docs[id].Clone(), nil
}

// ByHash implements store.Store.
func (s *Store) ByHash(_ context.Context, hash string) ([]*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Document

	for _, doc := range s.docs {
		if doc.File != nil && doc.File.Hash == hash {
			out = append(out, doc.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// ByPathPrefix implements store.Store.
func (s *Store) ByPathPrefix(_ context.Context, prefix string, opts store.ListOptions) ([]*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Document

	for _, doc := range s.docs {
		if strings.HasPrefix(doc.Path, prefix) {
			out = append(out, doc.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if opts.Descending {
			return out[i].Path > out[j].Path
		}

		return out[i].Path < out[j].Path
	})

	return out, nil
}

// AllLocal implements store.Store.
func (s *Store) AllLocal(_ context.Context) ([]*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Document

	for _, doc := range s.docs {
		if doc.Sides.Local != nil {
			out = append(out, doc.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putLocked(doc)
}

func (s *Store) putLocked(doc *model.Document) error {
	previous := s.docs[doc.ID]
	if err := store.Validate(doc, previous); err != nil {
		return err
	}

	clone := doc.Clone()

	if previous != nil && previous.Path != clone.Path {
		delete(s.byPath, previous.Path)
	}

	if previous != nil && previous.Remote != nil &&
		(clone.Remote == nil || previous.Remote.RemoteID != clone.Remote.RemoteID) {
		delete(s.byRemote, previous.Remote.RemoteID)
	}

	s.docs[doc.ID] = clone
	s.byPath[clone.Path] = clone.ID

	if clone.Remote != nil {
		s.byRemote[clone.Remote.RemoteID] = clone.ID
	}

	s.history[doc.ID] = append(s.history[doc.ID], clone.Clone())

	s.nextSeq++
	s.commitLog = append(s.commitLog, store.Change{Seq: s.nextSeq, Doc: clone.Clone()})

	return nil
}

// BulkPut implements store.Store. Non-atomic: each document is applied
// independently and its own error (nil on success) is reported back in
// the same order as the input slice.
func (s *Store) BulkPut(_ context.Context, docs []*model.Document) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(docs))

	for i, doc := range docs {
		errs[i] = s.putLocked(doc)
	}

	return errs
}

// Lock implements store.Store with a FIFO queue of waiters: each caller
// blocks on a private channel that the previous holder closes on release.
func (s *Store) Lock(ctx context.Context, owner string) (store.Release, error) {
	s.mu.Lock()

	my := make(chan struct{})

	var waitOn chan struct{}
	if len(s.lockQueue) > 0 {
		waitOn = s.lockQueue[len(s.lockQueue)-1]
	}

	s.lockQueue = append(s.lockQueue, my)

	s.mu.Unlock()

	if waitOn != nil {
		select {
		case <-waitOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.lockOwner = owner
	s.mu.Unlock()

	var once sync.Once

	release := func() {
		once.Do(func() {
			s.mu.Lock()
			s.lockOwner = ""

			if len(s.lockQueue) > 0 {
				s.lockQueue = s.lockQueue[1:]
			}

			s.mu.Unlock()
			close(my)
		})
	}

	return release, nil
}

// LocalCursor implements store.Store.
func (s *Store) LocalCursor(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.localCursor, nil
}

// SetLocalCursor implements store.Store.
func (s *Store) SetLocalCursor(_ context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localCursor = cursor

	return nil
}

// RemoteCursor implements store.Store.
func (s *Store) RemoteCursor(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteCursor, nil
}

// SetRemoteCursor implements store.Store.
func (s *Store) SetRemoteCursor(_ context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remoteCursor = cursor

	return nil
}

// ChangesSince implements store.Store. The Live option is ignored: the
// returned channel carries the commits logged when the call is made and
// is then closed; commits made afterwards are not delivered on it.
func (s *Store) ChangesSince(_ context.Context, cursor int64, opts store.ChangesOptions) (<-chan store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan store.Change, len(s.commitLog))

	count := 0

	for _, c := range s.commitLog {
		if c.Seq <= cursor {
			continue
		}

		ch <- c
		count++

		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
	}

	close(ch)

	return ch, nil
}

// PreviousRev implements store.Store.
func (s *Store) PreviousRev(_ context.Context, id string, stepsBack int) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revs := s.history[id]
	idx := len(revs) - 1 - stepsBack

	if idx < 0 || idx >= len(revs) {
		return nil, store.ErrNotFound
	}

	return revs[idx].Clone(), nil
}

// Close implements store.Store. A no-op for the in-memory backend.
func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
