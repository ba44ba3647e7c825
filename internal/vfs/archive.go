package vfs

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bodgit/sevenzip"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

var (
	magicZIP = []byte{0x50, 0x4B, 0x03, 0x04}
	magic7z  = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}
)

// maxImportEntry bounds the size of a single imported file.
const maxImportEntry = 64 << 20

// ImportResult reports the outcome of an Import.
type ImportResult struct {
	Written []string `json:"written"`
	Skipped []string `json:"skipped"`
}

// Export writes every file of the store into a zip archive,
// named by its path without the leading slash.
func (f *FS) Export(ctx context.Context, w io.Writer) error {
	paths, err := f.Walk(ctx)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, p := range paths {
		data, err := f.Read(ctx, p)
		if err != nil {
			// removed since the walk
			if emulator.KindOf(err) == emulator.KindNotFound {
				continue
			}
			return err
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     key(p),
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("export %s: %w", p, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("export %s: %w", p, err)
		}
	}

	return zw.Close()
}

type archiveEntry struct {
	name string
	open func() (io.ReadCloser, error)
}

// ImportOpt configures an Import.
type ImportOpt func(*importConfig)

type importConfig struct {
	skip func(p string) bool
}

// ImportSkip leaves every path for which fn reports true
// untouched, reporting it as skipped.
func ImportSkip(fn func(p string) bool) ImportOpt {
	return func(c *importConfig) {
		c.skip = fn
	}
}

// Import reads a zip or 7z archive and writes each entry whose
// name is a valid path in the taxonomy. Entries that are not
// are skipped and reported. A save-state payload is committed
// together with its sidecar; when the archive carries none, a
// stored sidecar for the slot is removed. A sidecar without its
// payload is skipped.
func (f *FS) Import(ctx context.Context, r io.ReaderAt, size int64, opts ...ImportOpt) (*ImportResult, error) {
	var cfg importConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	header := make([]byte, 8)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return nil, emulator.NewError(emulator.KindValidation, "import", err)
	}
	header = header[:n]

	var entries []archiveEntry
	switch {
	case bytes.HasPrefix(header, magicZIP):
		zr, err := zip.NewReader(r, size)
		if err != nil {
			return nil, emulator.NewError(emulator.KindValidation, "import", err)
		}
		for _, zf := range zr.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			entries = append(entries, archiveEntry{name: zf.Name, open: zf.Open})
		}
	case bytes.HasPrefix(header, magic7z):
		sr, err := sevenzip.NewReader(r, size)
		if err != nil {
			return nil, emulator.NewError(emulator.KindValidation, "import", err)
		}
		for _, sf := range sr.File {
			if sf.FileInfo().IsDir() {
				continue
			}
			entries = append(entries, archiveEntry{name: sf.Name, open: sf.Open})
		}
	default:
		return nil, emulator.Errorf(emulator.KindValidation, "import", "not a zip or 7z archive")
	}

	res := &ImportResult{Written: make([]string, 0), Skipped: make([]string, 0)}

	type file struct {
		name string
		path string
		data []byte
	}
	var files []file
	byPath := make(map[string][]byte)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		p, err := Clean("/"+strings.TrimPrefix(e.name, "/"), false)
		if err != nil {
			f.log.Debugf("vfs: import skipping %s: %v", e.name, err)
			res.Skipped = append(res.Skipped, e.name)
			continue
		}
		if cfg.skip != nil && cfg.skip(p) {
			f.log.Infof("vfs: import leaving %s untouched", p)
			res.Skipped = append(res.Skipped, e.name)
			continue
		}

		data, err := readEntry(e)
		if err != nil {
			f.log.Errorf("vfs: import %s: %v", e.name, err)
			res.Skipped = append(res.Skipped, e.name)
			continue
		}
		files = append(files, file{name: e.name, path: p, data: data})
		byPath[p] = data
	}

	for _, fl := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		switch {
		case isStateMeta(fl.path):
			// written with its payload
			if _, ok := byPath[strings.TrimSuffix(fl.path, StateMetaExt)+StateExt]; !ok {
				f.log.Debugf("vfs: import skipping %s: no payload for the sidecar", fl.name)
				res.Skipped = append(res.Skipped, fl.name)
			}
		case isStatePayload(fl.path):
			meta := strings.TrimSuffix(fl.path, StateExt) + StateMetaExt
			metaData, hasMeta := byPath[meta]
			err := f.Update(ctx, func(tx *Tx) error {
				tx.Write(fl.path, fl.data)
				if hasMeta {
					tx.Write(meta, metaData)
				} else {
					tx.Remove(meta)
				}
				return nil
			})
			if err != nil {
				return res, err
			}
			res.Written = append(res.Written, fl.path)
			if hasMeta {
				res.Written = append(res.Written, meta)
			}
		default:
			if err := f.Write(ctx, fl.path, fl.data); err != nil {
				return res, err
			}
			res.Written = append(res.Written, fl.path)
		}
	}

	f.log.Infof("vfs: imported %d file(s), skipped %d", len(res.Written), len(res.Skipped))
	return res, nil
}

func isStatePayload(p string) bool {
	return strings.HasPrefix(p, DirStates+"/") && strings.HasSuffix(p, StateExt)
}

func isStateMeta(p string) bool {
	return strings.HasPrefix(p, DirStates+"/") && strings.HasSuffix(p, StateMetaExt)
}

func readEntry(e archiveEntry) ([]byte, error) {
	rc, err := e.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxImportEntry+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImportEntry {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxImportEntry)
	}
	return data, nil
}
