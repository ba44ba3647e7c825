package vfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks staged writes that have not been committed.
// They are never listed.
const tempPrefix = ".cartbox-"

// Local implements Backend on a directory of the local
// filesystem. Writes are staged to a temporary file in the
// destination directory and renamed into place.
type Local struct {
	rootPath string
}

// NewLocal creates a local backend rooted at root, creating
// the directory if it does not exist.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", root, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	// remove anything left staged by a crash
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			os.Remove(p)
		}
		return nil
	})

	return &Local{rootPath: root}, nil
}

func (b *Local) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

func (b *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put writes data atomically by staging it in a temporary
// file and renaming it over the destination.
func (b *Local) Put(_ context.Context, key string, data []byte) error {
	path := b.fullPath(key)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	return nil
}

func (b *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(b.fullPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Local) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(b.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// List walks the directory containing prefix and returns the
// committed files whose keys begin with it.
func (b *Local) List(_ context.Context, prefix string) ([]string, error) {
	start := b.rootPath
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		start = b.fullPath(prefix[:i])
	}

	keys := make([]string, 0)
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(b.rootPath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	return keys, nil
}

// Type returns "local".
func (b *Local) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Local) Close() error { return nil }
