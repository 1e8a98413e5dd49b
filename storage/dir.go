package storage

import (
	"fmt"
	"os"
)

// Dir is a directory that's created on demand and may be removed when it's
// no longer needed.
type Dir struct {
	Dir       string
	RemoveDir bool
}

// Make creates a temporary directory under tmpDir when dir is empty, or
// uses dir as is. Only a directory created here is removed by Cleanup.
func (d *Dir) Make(tmpDir, dir string) error {
	if dir != "" {
		d.Dir = dir
		return nil
	}

	var err error
	if d.Dir, err = os.MkdirTemp(tmpDir, "flowbridge-browser-data-*"); err != nil {
		return fmt.Errorf("making a temporary data directory: %w", err)
	}
	d.RemoveDir = true

	return nil
}

// Cleanup removes the directory if Make created it.
func (d *Dir) Cleanup() error {
	if !d.RemoveDir || d.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing data directory %q: %w", d.Dir, err)
	}
	return nil
}
