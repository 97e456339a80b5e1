package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"agenttap/internal/domain"
)

// FileStore keeps artifacts under root/component/platform/arch/version+ext.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the store's base directory.
func (s *FileStore) Root() string {
	return s.root
}

// Path returns the on-disk location for key.
func (s *FileStore) Path(key domain.DependencyKey) string {
	return filepath.Join(s.root, filepath.FromSlash(key.RelPath()))
}

// Has reports whether a regular file exists for key.
func (s *FileStore) Has(key domain.DependencyKey) bool {
	info, err := os.Stat(s.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Put writes r to a temp file next to the destination, runs verify on it
// and renames it into place. The blob is never visible unless verify
// succeeds.
func (s *FileStore) Put(key domain.DependencyKey, r io.Reader, verify func(tmpPath string) error) error {
	dest := s.Path(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write artifact: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", closeErr)
	}

	if verify != nil {
		if err := verify(tmpPath); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}

	// Agent binaries are pushed to devices and executed there.
	if err := os.Chmod(tmpPath, 0755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// List walks root/prefix... and returns the version of each file ending
// in ext, keyed by its slash-separated path relative to root. Temp files
// from interrupted downloads are skipped.
func (s *FileStore) List(ext string, prefix ...string) (map[string]string, error) {
	base := filepath.Join(append([]string{s.root}, prefix...)...)
	found := make(map[string]string)

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		found[filepath.ToSlash(rel)] = strings.TrimSuffix(name, ext)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}
	return found, nil
}

// Remove deletes the blob at a path returned by List.
func (s *FileStore) Remove(relPath string) error {
	p := filepath.Join(s.root, filepath.FromSlash(relPath))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %q outside cache root", relPath)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", relPath, err)
	}
	return nil
}
