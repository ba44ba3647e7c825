package vfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thelolagemann/cartbox/pkg/emulator"
)

// The fixed directory taxonomy. Every file lives below one of
// these roots, namespaced by cartridge identifier.
const (
	DirRoms        = "/roms"
	DirSaves       = "/saves"
	DirStates      = "/states"
	DirCheats      = "/cheats"
	DirScreenshots = "/screenshots"
)

// Roots lists the taxonomy roots in the order they are
// presented.
var Roots = []string{DirRoms, DirSaves, DirStates, DirCheats, DirScreenshots}

const (
	maxDepth       = 3 // root + cartridge + file
	maxElementSize = 255

	SaveExt       = ".sav"
	StateExt      = ".state"
	StateMetaExt  = ".meta"
	CheatExt      = ".cheats"
	ScreenshotExt = ".png"
)

func isRoot(name string) bool {
	for _, r := range Roots {
		if r[1:] == name {
			return true
		}
	}
	return false
}

// Clean validates p against the taxonomy and returns it in
// canonical form. When dir is true, p may name a root.
func Clean(p string, dir bool) (string, error) {
	if p == "" || p[0] != '/' {
		return "", invalidPath(p, "must be absolute")
	}
	if strings.ContainsAny(p, "\\\x00") {
		return "", invalidPath(p, "contains a forbidden character")
	}
	if dir {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			return "", invalidPath("/", "outside of the file system taxonomy")
		}
	}

	elems := strings.Split(p[1:], "/")
	if !isRoot(elems[0]) {
		return "", invalidPath(p, "outside of the file system taxonomy")
	}
	if len(elems) > maxDepth {
		return "", invalidPath(p, "too deep")
	}
	if !dir && len(elems) < 2 {
		return "", invalidPath(p, "names a directory")
	}
	for _, e := range elems[1:] {
		switch {
		case e == "", e == ".", e == "..":
			return "", invalidPath(p, "contains an empty or relative element")
		case len(e) > maxElementSize:
			return "", invalidPath(p, "element too long")
		}
		for _, r := range e {
			if r < 0x20 || r == 0x7f {
				return "", invalidPath(p, "contains a control character")
			}
		}
	}

	return p, nil
}

func invalidPath(p, reason string) error {
	return emulator.Errorf(emulator.KindInvalidPath, "vfs", "%q: %s", p, reason)
}

// ValidName reports whether s can be used as a single path
// element, such as a cartridge identifier or a slot name.
func ValidName(s string) bool {
	_, err := Clean(DirRoms+"/"+s, false)
	return err == nil && !strings.Contains(s, "/")
}

// RomPath returns the path of a cartridge image.
func RomPath(id string) string {
	return DirRoms + "/" + id
}

// SavePath returns the path of a cartridge's battery save.
func SavePath(id string) string {
	return DirSaves + "/" + id + SaveExt
}

// StateDir returns the directory holding a cartridge's
// save-states.
func StateDir(id string) string {
	return DirStates + "/" + id
}

// StatePath returns the path of a save-state payload.
func StatePath(id, slot string) string {
	return StateDir(id) + "/" + slot + StateExt
}

// StateMetaPath returns the path of a save-state's metadata
// sidecar.
func StateMetaPath(id, slot string) string {
	return StateDir(id) + "/" + slot + StateMetaExt
}

// CheatPath returns the path of a cartridge's cheat set.
func CheatPath(id string) string {
	return DirCheats + "/" + id + CheatExt
}

// ScreenshotDir returns the directory holding a cartridge's
// screenshots.
func ScreenshotDir(id string) string {
	return DirScreenshots + "/" + id
}

// ScreenshotPath returns the path of a screenshot taken at t.
func ScreenshotPath(id string, t time.Time) string {
	return fmt.Sprintf("%s/%d%s", ScreenshotDir(id), t.UnixMilli(), ScreenshotExt)
}

// Base returns the last element of p.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ScreenshotTime parses the capture time from a screenshot path,
// returning the zero time when it cannot.
func ScreenshotTime(p string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSuffix(Base(p), ScreenshotExt), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
