// Package contenthash computes the content digest used to detect when a
// file's bytes have actually changed, independent of metadata like mtime.
// A single serialized worker processes one file at a time from a FIFO
// queue — hashing is CPU- and I/O-bound, and the teacher's own model
// (a single-writer SQLite connection, one filesystem walk at a time)
// favors one clear bottleneck over unmanaged parallelism.
package contenthash

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes (128 bits).
const Size = 16

// EncodedLen is the length of a Size-byte digest once base64-encoded with
// padding, per spec.md §4.3 ("24-character base64, padding required").
const EncodedLen = 24

// Sum computes the digest of the file at fsPath and returns it base64
// encoded. It streams the file so memory use is constant regardless of
// file size.
func Sum(ctx context.Context, fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("contenthash: opening %s: %w", fsPath, err)
	}
	defer f.Close()

	h, err := blake2b.New(Size, nil)
	if err != nil {
		return "", fmt.Errorf("contenthash: initializing digest: %w", err)
	}

	if _, err := io.Copy(h, &contextReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("contenthash: hashing %s: %w", fsPath, err)
	}

	encoded := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return encoded, nil
}

// contextReader aborts a Read once ctx is done, so a long hash of a huge
// file can be cancelled between chunks without blocking Worker.Close.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}

	return cr.r.Read(p)
}

// Validate reports whether encoded is a well-formed digest: it must
// base64-decode to exactly Size bytes, and re-encoding those bytes must
// reproduce the original string byte-for-byte (rejects non-canonical
// encodings such as missing padding or an alternate alphabet).
func Validate(encoded string) error {
	if len(encoded) != EncodedLen {
		return fmt.Errorf("contenthash: %q has length %d, want %d", encoded, len(encoded), EncodedLen)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("contenthash: %q is not valid base64: %w", encoded, err)
	}

	if len(raw) != Size {
		return fmt.Errorf("contenthash: %q decodes to %d bytes, want %d", encoded, len(raw), Size)
	}

	if base64.StdEncoding.EncodeToString(raw) != encoded {
		return fmt.Errorf("contenthash: %q is not a canonical encoding", encoded)
	}

	return nil
}

// job is one unit of work submitted to a Worker.
type job struct {
	ctx    context.Context
	path   string
	result chan<- result
}

type result struct {
	hash string
	err  error
}

// Worker serializes hash computation through a single FIFO queue, so the
// rest of the engine can submit concurrent hash requests without causing
// unbounded concurrent disk I/O. The zero value is not usable; construct
// with NewWorker.
type Worker struct {
	jobs chan job
	done chan struct{}
}

// NewWorker starts a Worker goroutine reading from an internally-buffered
// queue of the given depth. Callers must call Close when finished.
func NewWorker(queueDepth int) *Worker {
	w := &Worker{
		jobs: make(chan job, queueDepth),
		done: make(chan struct{}),
	}

	go w.run()

	return w
}

func (w *Worker) run() {
	defer close(w.done)

	for j := range w.jobs {
		hash, err := Sum(j.ctx, j.path)
		j.result <- result{hash: hash, err: err}
	}
}

// Hash enqueues fsPath for hashing and blocks until it is this request's
// turn and the hash completes, or ctx is cancelled first.
func (w *Worker) Hash(ctx context.Context, fsPath string) (string, error) {
	resultCh := make(chan result, 1)

	select {
	case w.jobs <- job{ctx: ctx, path: fsPath, result: resultCh}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-resultCh:
		return r.hash, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops accepting new work and waits for the in-flight job, if any,
// to finish. Not idempotent — calling it twice panics on the second
// close(w.jobs) — so callers must call it exactly once; engine wiring does
// so via a single defer in the owning goroutine.
func (w *Worker) Close() {
	close(w.jobs)
	<-w.done
}
