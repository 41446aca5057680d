package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultFileMode os.FileMode = 0o644
	defaultDirMode  os.FileMode = 0o755
)

func (s *Store) fileMode() os.FileMode {
	if s.FileMode == 0 {
		return defaultFileMode
	}
	return s.FileMode
}

// writeFile replaces path with data so readers never observe a partial
// record. The staging file is hidden and carries no .json/.wav suffix, so
// Find and Clean skip it.
func (s *Store) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("store: stage %s: %w", filepath.Base(path), err)
	}
	tmp := f.Name()
	fail := func(op string, err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("store: %s %s: %w", op, filepath.Base(path), err)
	}
	if err := f.Chmod(s.fileMode()); err != nil {
		return fail("chmod", err)
	}
	if _, err := f.Write(data); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
