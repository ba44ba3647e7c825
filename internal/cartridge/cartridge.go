// Package cartridge provides the immutable cartridge image that
// is loaded into the core, and the identifier every persisted
// file of the cartridge is namespaced by.
package cartridge

import (
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash"
)

// maxIDLength bounds a derived identifier.
const maxIDLength = 64

// Image is a cartridge image. It is never modified after New.
type Image struct {
	// Name is the file name the image was loaded from.
	Name string
	Data []byte

	// ID namespaces the cartridge's files in the store.
	ID string

	// Hash is the xxhash64 of Data.
	Hash uint64

	Header Header
}

// New returns an image of data named name. The identifier is
// derived from name, or from the content when name yields
// nothing usable.
func New(name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cartridge image %q is empty", name)
	}

	img := &Image{
		Name: path.Base(strings.ReplaceAll(name, "\\", "/")),
		Data: data,
		Hash: xxhash.Sum64(data),
	}
	img.ID = DeriveID(img.Name, img.Hash)

	// the core decides whether it can run the image
	img.Header, _ = ParseHeader(data)

	return img, nil
}

// Stored returns the image persisted under id. Unlike New the
// identifier is taken as is.
func Stored(id string, data []byte) (*Image, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid cartridge id %q", id)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("cartridge image %q is empty", id)
	}

	img := &Image{Name: id, Data: data, ID: id, Hash: xxhash.Sum64(data)}
	img.Header, _ = ParseHeader(data)
	return img, nil
}

// DeriveID returns the identifier for a cartridge named name
// with content hash sum: the file name without its extension,
// lower-cased, with anything outside [a-z0-9._-] replaced.
// "Zelda.gba" becomes "zelda".
func DeriveID(name string, sum uint64) string {
	stem := strings.TrimSuffix(name, path.Ext(name))

	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	id := strings.Trim(b.String(), "._")
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	if id == "" {
		return fmt.Sprintf("%016x", sum)
	}
	return id
}

// DistinctID returns id suffixed with the leading hash digits of
// sum, for an image whose derived id is already taken by
// different content.
func DistinctID(id string, sum uint64) string {
	suffix := fmt.Sprintf("-%08x", sum>>32)
	if len(id)+len(suffix) > maxIDLength {
		id = id[:maxIDLength-len(suffix)]
	}
	return id + suffix
}

// ValidID reports whether id is a well formed cartridge
// identifier.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength || id[0] == '.' {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// HashString returns Hash as 16 hex digits.
func (i *Image) HashString() string {
	return fmt.Sprintf("%016x", i.Hash)
}

func (i *Image) String() string {
	if i.Header.Platform != PlatformUnknown {
		return fmt.Sprintf("%s (%s) %s", i.ID, i.HashString(), i.Header)
	}
	return fmt.Sprintf("%s (%s)", i.ID, i.HashString())
}
