// Package core defines the boundary to the opaque emulation
// core. The orchestration layer only ever talks to a Module;
// how the module is hosted is up to the Instantiator.
package core

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrFatal marks a failure after which the module can no
	// longer be used.
	ErrFatal = errors.New("core: fatal error")

	// ErrUnsupported is returned by operations the module does
	// not implement.
	ErrUnsupported = errors.New("core: unsupported operation")

	// ErrRejected is returned when the module refuses its
	// input, such as an image it cannot run or a surface it
	// cannot render to.
	ErrRejected = errors.New("core: rejected")
)

// Surface is a rendering surface a module draws to.
type Surface interface {
	ID() string
}

// SurfaceID is a Surface identified only by its name.
type SurfaceID string

func (s SurfaceID) ID() string { return string(s) }

// AssetLocator resolves the location of one of the module's
// runtime assets.
type AssetLocator func(path string) string

// BaseLocator returns an AssetLocator that leaves absolute
// paths and URLs untouched and places every other path below
// base.
func BaseLocator(base string) AssetLocator {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return func(path string) string {
		if strings.HasPrefix(path, "http") || strings.HasPrefix(path, "/") {
			return path
		}
		return base + path
	}
}

// Module is an instantiated emulation core. A Module is not safe
// for concurrent use.
type Module interface {
	// Version returns the core's name and version.
	Version() string

	// FSInit initialises the module's internal file system.
	FSInit(ctx context.Context) error

	// MountImage loads a cartridge image. It returns an error
	// wrapping ErrRejected for images the core cannot run.
	MountImage(ctx context.Context, name string, data []byte) error

	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Stop releases the mounted image; the module stays usable.
	Stop(ctx context.Context) error

	Snapshot(ctx context.Context) ([]byte, error)

	// Restore applies a snapshot, reporting whether the core
	// accepted it.
	Restore(ctx context.Context, data []byte) (bool, error)

	PatchMemory(ctx context.Context, code string) error

	// RevertPatch undoes a patch. Cores that cannot undo a
	// patch until the next image load return ErrUnsupported.
	RevertPatch(ctx context.Context, code string) error

	// Screenshot returns the current frame as PNG, or nil when
	// none is available.
	Screenshot(ctx context.Context) ([]byte, error)

	// ListMountedFiles returns the paths of the files mounted
	// in the core's file system.
	ListMountedFiles(ctx context.Context) ([]string, error)

	// BatterySave returns the battery backed RAM of the
	// mounted image, or nil when it has none.
	BatterySave(ctx context.Context) ([]byte, error)
	LoadBatterySave(ctx context.Context, data []byte) error

	Close() error
}

// Instantiator creates modules against a rendering surface.
type Instantiator interface {
	Instantiate(ctx context.Context, surface Surface, locate AssetLocator) (Module, error)
}

// InstantiatorFunc adapts a function to an Instantiator.
type InstantiatorFunc func(ctx context.Context, surface Surface, locate AssetLocator) (Module, error)

func (f InstantiatorFunc) Instantiate(ctx context.Context, surface Surface, locate AssetLocator) (Module, error) {
	return f(ctx, surface, locate)
}

// IsFatal reports whether err leaves the module unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
