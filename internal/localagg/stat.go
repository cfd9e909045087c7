package localagg

import (
	"errors"
	"os"
)

var errIsSymlink = errors.New("localagg: path is a symlink")

// lstatSkipSymlink stats path without following a final symlink, returning
// errIsSymlink for one so callers can log-and-skip per spec.md §4.4's
// failure semantics.
func lstatSkipSymlink(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return nil, errIsSymlink
	}

	return info, nil
}
