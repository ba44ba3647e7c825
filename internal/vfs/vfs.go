// Package vfs provides the virtual file system that backs ROMs,
// battery saves, save-states, cheat sets and screenshots. It is
// the only component that touches the durable store.
package vfs

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/thelolagemann/cartbox/internal/metrics"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// FS is a path-addressable view over a Backend that enforces
// the directory taxonomy. Reads may run concurrently; commits
// hold the write lock so a reader never observes a partially
// applied Update.
type FS struct {
	backend Backend
	log     log.Logger

	mu sync.RWMutex
}

// Opt configures an FS.
type Opt func(*FS)

// WithLogger sets the logger of the FS.
func WithLogger(l log.Logger) Opt {
	return func(f *FS) {
		f.log = l
	}
}

// New creates an FS over backend.
func New(backend Backend, opts ...Opt) *FS {
	f := &FS{
		backend: backend,
		log:     log.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Backend returns the underlying store.
func (f *FS) Backend() Backend {
	return f.backend
}

func key(p string) string {
	return p[1:]
}

// storageError converts a backend failure into an emulator
// error, mapping missing files to NotFound.
func storageError(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return emulator.Errorf(emulator.KindNotFound, op, "%s does not exist", p)
	}
	return emulator.NewError(emulator.KindStorage, op, err)
}

// Write stores data at p, replacing any previous content.
func (f *FS) Write(ctx context.Context, p string, data []byte) (err error) {
	defer func() { metrics.RecordVFSOp("write", err) }()

	if p, err = Clean(p, false); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.backend.Put(ctx, key(p), data); err != nil {
		f.log.Errorf("vfs: write %s: %v", p, err)
		return storageError("write", p, err)
	}
	metrics.RecordVFSWrite(len(data))
	f.log.Debugf("vfs: wrote %d bytes to %s", len(data), p)
	return nil
}

// Read returns the content of p, or a NotFound error.
func (f *FS) Read(ctx context.Context, p string) (data []byte, err error) {
	defer func() { metrics.RecordVFSOp("read", err) }()

	if p, err = Clean(p, false); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err = f.backend.Get(ctx, key(p))
	if err != nil {
		return nil, storageError("read", p, err)
	}
	metrics.RecordVFSRead(len(data))
	return data, nil
}

// Exists reports whether a file is stored at p.
func (f *FS) Exists(ctx context.Context, p string) (ok bool, err error) {
	defer func() { metrics.RecordVFSOp("exists", err) }()

	if p, err = Clean(p, false); err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	ok, err = f.backend.Exists(ctx, key(p))
	if err != nil {
		return false, storageError("exists", p, err)
	}
	return ok, nil
}

// Remove deletes p. Removing a missing file succeeds.
func (f *FS) Remove(ctx context.Context, p string) (err error) {
	defer func() { metrics.RecordVFSOp("remove", err) }()

	if p, err = Clean(p, false); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.backend.Delete(ctx, key(p)); err != nil {
		return storageError("remove", p, err)
	}
	return nil
}

// List returns the direct children of dir, files and
// sub-directories alike, as full paths sorted lexicographically.
// A missing or empty directory yields an empty slice.
func (f *FS) List(ctx context.Context, dir string) (paths []string, err error) {
	defer func() { metrics.RecordVFSOp("list", err) }()

	if dir, err = Clean(dir, true); err != nil {
		return nil, err
	}
	prefix := key(dir) + "/"

	f.mu.RLock()
	keys, err := f.backend.List(ctx, prefix)
	f.mu.RUnlock()
	if err != nil {
		return nil, storageError("list", dir, err)
	}

	seen := make(map[string]struct{}, len(keys))
	paths = make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" {
			continue
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		paths = append(paths, dir+"/"+rest)
	}
	sort.Strings(paths)

	return paths, nil
}

// Walk returns every file in the store, sorted.
func (f *FS) Walk(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	paths := make([]string, 0)
	for _, root := range Roots {
		keys, err := f.backend.List(ctx, key(root)+"/")
		if err != nil {
			return nil, storageError("walk", root, err)
		}
		for _, k := range keys {
			paths = append(paths, "/"+k)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Tx collects the writes and removals of an Update.
type Tx struct {
	ops []txOp
}

type txOp struct {
	path string
	data []byte
	del  bool
}

// Write stages data to be stored at p.
func (tx *Tx) Write(p string, data []byte) {
	tx.ops = append(tx.ops, txOp{path: p, data: data})
}

// Remove stages the removal of p.
func (tx *Tx) Remove(p string) {
	tx.ops = append(tx.ops, txOp{path: p, del: true})
}

// Update runs fn to stage a set of changes and commits them
// as one unit: readers see either none or all of them, and if
// any step fails the steps already applied are rolled back.
func (f *FS) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	defer func() { metrics.RecordVFSOp("update", err) }()

	tx := &Tx{}
	if err := fn(tx); err != nil {
		return err
	}
	for i := range tx.ops {
		if tx.ops[i].path, err = Clean(tx.ops[i].path, false); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// capture previous content for rollback
	type previous struct {
		key    string
		data   []byte
		exists bool
	}
	prev := make([]previous, 0, len(tx.ops))
	for _, op := range tx.ops {
		data, err := f.backend.Get(ctx, key(op.path))
		switch {
		case err == nil:
			prev = append(prev, previous{key: key(op.path), data: data, exists: true})
		case errors.Is(err, fs.ErrNotExist):
			prev = append(prev, previous{key: key(op.path)})
		default:
			return storageError("update", op.path, err)
		}
	}

	for i, op := range tx.ops {
		var opErr error
		if op.del {
			opErr = f.backend.Delete(ctx, key(op.path))
		} else {
			opErr = f.backend.Put(ctx, key(op.path), op.data)
		}
		if opErr == nil {
			if !op.del {
				metrics.RecordVFSWrite(len(op.data))
			}
			continue
		}

		f.log.Errorf("vfs: update %s failed, rolling back %d step(s): %v", op.path, i, opErr)
		for j := i - 1; j >= 0; j-- {
			var rbErr error
			if prev[j].exists {
				rbErr = f.backend.Put(context.WithoutCancel(ctx), prev[j].key, prev[j].data)
			} else {
				rbErr = f.backend.Delete(context.WithoutCancel(ctx), prev[j].key)
			}
			if rbErr != nil {
				f.log.Errorf("vfs: rollback of /%s failed: %v", prev[j].key, rbErr)
			}
		}
		return storageError("update", op.path, opErr)
	}

	return nil
}

// Close closes the underlying store.
func (f *FS) Close() error {
	return f.backend.Close()
}
