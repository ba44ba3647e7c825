package cartridge

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
)

// Extensions lists the image extensions the core accepts.
var Extensions = []string{".gba", ".gbc", ".gb", ".sgb", ".agb", ".bin"}

var (
	magicZIP  = []byte{0x50, 0x4B, 0x03, 0x04}
	magic7z   = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}
	magicGzip = []byte{0x1F, 0x8B}
	magicRAR  = []byte{0x52, 0x61, 0x72, 0x21} // "Rar!"
)

// MaxSize is the largest image accepted, that of a 256Mbit
// Game Boy Advance cartridge.
const MaxSize = 32 << 20

var (
	// ErrNoImage is returned when an archive holds no file with
	// a known image extension.
	ErrNoImage = errors.New("no cartridge image found in archive")

	// ErrTooLarge is returned when an image exceeds MaxSize.
	ErrTooLarge = errors.New("cartridge image exceeds maximum size")
)

// Load reads the file at filename and decodes it with Decode.
func Load(filename string) (*Image, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Decode(filepath.Base(filename), data)
}

// Decode returns the image held in data. Archives (zip, 7z,
// gzip, rar) are detected by their magic bytes and the first
// entry with a known image extension is extracted and named
// after that entry. Anything else is taken as a raw image.
func Decode(name string, data []byte) (*Image, error) {
	var (
		inner string
		err   error
	)

	switch {
	case bytes.HasPrefix(data, magicZIP):
		data, inner, err = fromZIP(data)
	case bytes.HasPrefix(data, magic7z):
		data, inner, err = from7z(data)
	case bytes.HasPrefix(data, magicRAR):
		data, inner, err = fromRAR(data)
	case bytes.HasPrefix(data, magicGzip):
		data, err = fromGzip(data)
		inner = strings.TrimSuffix(name, path.Ext(name))
	default:
		if len(data) > MaxSize {
			return nil, ErrTooLarge
		}
		inner = name
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	return New(inner, data)
}

func isImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// limitedRead reads r up to MaxSize bytes.
func limitedRead(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func fromZIP(data []byte) ([]byte, string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("open zip: %w", err)
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !isImage(f.Name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in archive: %w", f.Name, err)
		}
		defer rc.Close()

		out, err := limitedRead(rc)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		return out, path.Base(f.Name), nil
	}

	return nil, "", ErrNoImage
}

func from7z(data []byte) ([]byte, string, error) {
	r, err := sevenzip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("open 7z: %w", err)
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !isImage(f.Name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in archive: %w", f.Name, err)
		}
		defer rc.Close()

		out, err := limitedRead(rc)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		return out, path.Base(f.Name), nil
	}

	return nil, "", ErrNoImage
}

func fromRAR(data []byte) ([]byte, string, error) {
	r, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("open rar: %w", err)
	}

	for {
		header, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read rar entry: %w", err)
		}
		if header.IsDir || !isImage(header.Name) {
			continue
		}

		out, err := limitedRead(r)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", header.Name, err)
		}
		return out, path.Base(header.Name), nil
	}

	return nil, "", ErrNoImage
}

func fromGzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()

	return limitedRead(gr)
}
