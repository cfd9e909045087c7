// Package memwriter is an in-memory, scriptable writer.RemoteWriter test
// double, standing in for the concrete wire protocol the spec leaves as an
// injected, out-of-scope capability (spec.md §6's RemoteWriter). Tests
// script failures via FailNext to exercise the synchronizer's error
// classification without a real network.
package memwriter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

type entry struct {
	id       string
	parentID string
	name     string
	rev      int64
	content  []byte
	trashed  bool
	destroyed bool
}

// Remote is a scriptable in-memory writer.RemoteWriter.
type Remote struct {
	mu      sync.Mutex
	nextID  int
	byID    map[string]*entry
	failNext error
}

// New returns an empty Remote.
func New() *Remote {
	return &Remote{byID: make(map[string]*entry)}
}

var _ writer.RemoteWriter = (*Remote)(nil)

// FailNext causes the next call to any method to return err instead of
// performing the operation. Consumed once.
func (r *Remote) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failNext = err
}

func (r *Remote) takeFailure() error {
	err := r.failNext
	r.failNext = nil

	return err
}

// CreateDir implements writer.RemoteWriter.
func (r *Remote) CreateDir(ctx context.Context, parentID, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return "", err
	}

	r.nextID++
	id := fmt.Sprintf("dir-%d", r.nextID)
	r.byID[id] = &entry{id: id, parentID: parentID, name: name, rev: 1}

	return id, nil
}

// CreateFile implements writer.RemoteWriter.
func (r *Remote) CreateFile(ctx context.Context, parentID, name string, stream io.Reader) (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return "", 0, err
	}

	content, err := io.ReadAll(stream)
	if err != nil {
		return "", 0, fmt.Errorf("memwriter: reading content for %s: %w", name, err)
	}

	r.nextID++
	id := fmt.Sprintf("file-%d", r.nextID)
	r.byID[id] = &entry{id: id, parentID: parentID, name: name, rev: 1, content: content}

	return id, 1, nil
}

// UpdateFileByID implements writer.RemoteWriter, checking the If-Match rev.
func (r *Remote) UpdateFileByID(ctx context.Context, id string, stream io.Reader, match writer.IfMatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return 0, err
	}

	e, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("memwriter: unknown id %q", id)
	}

	if e.rev != match.Rev {
		return 0, fmt.Errorf("memwriter: stale rev for %q: have %d, If-Match %d", id, e.rev, match.Rev)
	}

	content, err := io.ReadAll(stream)
	if err != nil {
		return 0, fmt.Errorf("memwriter: reading content for %s: %w", id, err)
	}

	e.content = content
	e.rev++

	return e.rev, nil
}

// UpdateAttributesByID implements writer.RemoteWriter.
func (r *Remote) UpdateAttributesByID(ctx context.Context, id string, attrs writer.RemoteAttrs, match writer.IfMatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return 0, err
	}

	e, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("memwriter: unknown id %q", id)
	}

	if e.rev != match.Rev {
		return 0, fmt.Errorf("memwriter: stale rev for %q: have %d, If-Match %d", id, e.rev, match.Rev)
	}

	e.name = attrs.Name
	e.parentID = attrs.DirID
	e.rev++

	return e.rev, nil
}

// TrashByID implements writer.RemoteWriter.
func (r *Remote) TrashByID(ctx context.Context, id string, match writer.IfMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return err
	}

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("memwriter: unknown id %q", id)
	}

	e.trashed = true

	return nil
}

// DestroyByID implements writer.RemoteWriter.
func (r *Remote) DestroyByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return err
	}

	if e, ok := r.byID[id]; ok {
		e.destroyed = true
	}

	delete(r.byID, id)

	return nil
}

// IsEmpty implements writer.RemoteWriter.
func (r *Remote) IsEmpty(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return false, err
	}

	for _, e := range r.byID {
		if e.parentID == id {
			return false, nil
		}
	}

	return true, nil
}

// StatByID implements writer.RemoteWriter.
func (r *Remote) StatByID(ctx context.Context, id string) (writer.Stat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return writer.Stat{}, err
	}

	e, ok := r.byID[id]
	if !ok {
		return writer.Stat{Exists: false}, nil
	}

	return writer.Stat{Exists: true, Size: int64(len(e.content))}, nil
}

// OpenByID implements writer.RemoteWriter.
func (r *Remote) OpenByID(ctx context.Context, id string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return nil, err
	}

	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("memwriter: unknown id %q", id)
	}

	return io.NopCloser(bytes.NewReader(e.content)), nil
}

// Find implements writer.RemoteWriter.
func (r *Remote) Find(ctx context.Context, parentID, name string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return "", false, err
	}

	for _, e := range r.byID {
		if e.parentID == parentID && e.name == name {
			return e.id, true, nil
		}
	}

	return "", false, nil
}
