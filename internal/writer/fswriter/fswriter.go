// Package fswriter is the real local filesystem LocalWriter (spec.md §4.8):
// atomic rename via a ".partial" staging file, mtime preservation, and the
// executable bit on Unix-like hosts. Grounded on the teacher's
// internal/sync executeDownload/downloadToPartial pattern (write to
// ".partial", verify, os.Chtimes, then os.Rename).
package fswriter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

const dirPerm = 0o755

// FS is the default writer.LocalWriter.
type FS struct {
	Root   string
	Logger *slog.Logger

	byID map[string]string // document id -> last known path, for StatByID
}

// New constructs an FS rooted at root.
func New(root string, logger *slog.Logger) *FS {
	if logger == nil {
		logger = slog.Default()
	}

	return &FS{Root: root, Logger: logger, byID: make(map[string]string)}
}

var _ writer.LocalWriter = (*FS)(nil)

func (f *FS) abs(path string) string { return filepath.Join(f.Root, path) }

// WriteFile streams content to path via a ".partial" staging file, applies
// mtime and the executable bit, then atomically renames into place.
func (f *FS) WriteFile(ctx context.Context, stream io.Reader, path string, opts writer.WriteOptions) error {
	target := f.abs(path)

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("fswriter: creating parent dir for %s: %w", path, err)
	}

	partial := target + ".partial"

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("fswriter: creating partial file for %s: %w", path, err)
	}

	if _, err := io.Copy(out, stream); err != nil {
		out.Close()
		os.Remove(partial)

		return fmt.Errorf("fswriter: writing %s: %w", path, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("fswriter: closing %s: %w", path, err)
	}

	if opts.Executable && runtime.GOOS != "windows" {
		if err := os.Chmod(partial, 0o755); err != nil { //nolint:mnd // rwxr-xr-x for an executable file
			f.Logger.Warn("fswriter: failed to set executable bit", slog.String("path", path), slog.Any("err", err))
		}
	}

	if !opts.Mtime.IsZero() {
		if err := os.Chtimes(partial, opts.Mtime, opts.Mtime); err != nil {
			f.Logger.Warn("fswriter: failed to set mtime", slog.String("path", path), slog.Any("err", err))
		}
	}

	if err := os.Rename(partial, target); err != nil {
		return fmt.Errorf("fswriter: renaming partial into place for %s: %w", path, err)
	}

	return nil
}

// Mkdir creates a directory (and any missing parents).
func (f *FS) Mkdir(ctx context.Context, path string) error {
	if err := os.MkdirAll(f.abs(path), dirPerm); err != nil {
		return fmt.Errorf("fswriter: mkdir %s: %w", path, err)
	}

	return nil
}

// Rename atomically renames oldPath to newPath, creating newPath's parent
// if needed (used both for ordinary moves and conflict-sibling renames).
func (f *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(f.abs(newPath)), dirPerm); err != nil {
		return fmt.Errorf("fswriter: creating parent dir for %s: %w", newPath, err)
	}

	if err := os.Rename(f.abs(oldPath), f.abs(newPath)); err != nil {
		return fmt.Errorf("fswriter: renaming %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}

// MoveToTrash moves path into the reserved ".cozy_trash" subfolder under
// Root, preserving its relative location so restoration can reverse it.
func (f *FS) MoveToTrash(ctx context.Context, path string) error {
	dest := filepath.Join(".cozy_trash", path)

	if err := os.MkdirAll(filepath.Dir(f.abs(dest)), dirPerm); err != nil {
		return fmt.Errorf("fswriter: creating trash parent for %s: %w", path, err)
	}

	if err := os.Rename(f.abs(path), f.abs(dest)); err != nil {
		return fmt.Errorf("fswriter: moving %s to trash: %w", path, err)
	}

	return nil
}

// Remove permanently deletes path.
func (f *FS) Remove(ctx context.Context, path string) error {
	if err := os.RemoveAll(f.abs(path)); err != nil {
		return fmt.Errorf("fswriter: removing %s: %w", path, err)
	}

	return nil
}

// StatByID reports metadata for the path last associated with id (via
// RememberID, which the synchronizer calls after writing a file locally).
func (f *FS) StatByID(ctx context.Context, id string) (writer.Stat, error) {
	path, ok := f.byID[id]
	if !ok {
		return writer.Stat{}, fmt.Errorf("fswriter: no known path for id %q", id)
	}

	info, err := os.Stat(f.abs(path))
	if os.IsNotExist(err) {
		return writer.Stat{Exists: false}, nil
	}

	if err != nil {
		return writer.Stat{}, fmt.Errorf("fswriter: stating %s: %w", path, err)
	}

	return writer.Stat{
		Exists:     true,
		Size:       info.Size(),
		Mtime:      info.ModTime(),
		Executable: info.Mode()&0o111 != 0,
		IsDir:      info.IsDir(),
	}, nil
}

// OpenFile opens path for reading.
func (f *FS) OpenFile(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(f.abs(path))
	if err != nil {
		return nil, fmt.Errorf("fswriter: opening %s: %w", path, err)
	}

	return file, nil
}

// RememberID associates id with path so a later StatByID(id) can resolve
// it. The synchronizer calls this with the document id after it writes
// that document's content locally.
func (f *FS) RememberID(id, path string) {
	f.byID[id] = path
}
