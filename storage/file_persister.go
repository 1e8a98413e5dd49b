// Package storage persists artifacts produced while running strategies, such
// as the screenshots taken before asking the vision locator for help.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister will persist files to the local disk. Relative paths
// are resolved against BaseDir, and may not escape it.
type LocalFilePersister struct {
	BaseDir string
}

// Persist will write the contents of data to the local disk on the specified path.
func (l *LocalFilePersister) Persist(_ context.Context, path string, data io.Reader) (err error) {
	cp, err := l.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("creating a local file %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing the local file %q: %w", cp, tempErr)
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("writing the local file %q: %w", cp, err)
	}

	return nil
}

func (l *LocalFilePersister) resolve(path string) (string, error) {
	cp := filepath.Clean(path)
	if l.BaseDir == "" || filepath.IsAbs(cp) {
		return cp, nil
	}
	if cp == ".." || strings.HasPrefix(cp, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", path, l.BaseDir)
	}
	return filepath.Join(l.BaseDir, cp), nil
}

// NopPersister discards everything.
type NopPersister struct{}

// Persist drains nothing and returns nil.
func (NopPersister) Persist(context.Context, string, io.Reader) error { return nil }
