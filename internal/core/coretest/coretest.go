// Package coretest provides an in-process core.Module for tests.
package coretest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/thelolagemann/cartbox/internal/core"
)

// Module is a fake core. Its memory is a byte slice that
// snapshots capture and restores replace. Failures are injected
// by setting Fail for an operation name.
type Module struct {
	mu sync.Mutex

	version string
	mounted string
	running bool
	paused  bool
	closed  bool
	fsInit  bool

	memory  []byte
	battery []byte
	patches map[string]bool

	// Fail maps an operation name, such as "snapshot", to the
	// error it returns.
	Fail map[string]error

	// RejectImage is consulted by MountImage.
	RejectImage func(name string, data []byte) bool

	// RevertUnsupported makes RevertPatch return
	// core.ErrUnsupported.
	RevertUnsupported bool

	// NoScreenshot makes Screenshot return nil.
	NoScreenshot bool

	// Hook, when set, runs at the start of every operation.
	Hook func(op string)

	calls []string
}

// New returns a fake module reporting version.
func New(version string) *Module {
	return &Module{
		version: version,
		patches: make(map[string]bool),
		Fail:    make(map[string]error),
	}
}

// enter records op. Like the bridge, it fails when ctx is done
// by the time the call would be sent.
func (m *Module) enter(ctx context.Context, op string) error {
	if m.Hook != nil {
		m.Hook(op)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	if m.closed {
		return fmt.Errorf("%s: module closed: %w", op, core.ErrFatal)
	}
	return m.Fail[op]
}

// Calls returns the operations invoked so far.
func (m *Module) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// SetFail injects err for op.
func (m *Module) SetFail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail[op] = err
}

// Mounted returns the name of the mounted image.
func (m *Module) Mounted() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Running reports whether an image is executing.
func (m *Module) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && !m.paused
}

// Memory returns a copy of the emulated memory.
func (m *Module) Memory() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.memory...)
}

// SetMemory replaces the emulated memory, as execution would.
func (m *Module) SetMemory(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = append([]byte(nil), b...)
}

// SetBattery replaces the battery backed RAM.
func (m *Module) SetBattery(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battery = append([]byte(nil), b...)
}

// Patches returns the applied patch codes, sorted.
func (m *Module) Patches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.patches))
	for p := range m.patches {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Closed reports whether Close was called.
func (m *Module) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Module) Version() string { return m.version }

func (m *Module) FSInit(ctx context.Context) error {
	if err := m.enter(ctx, "fsinit"); err != nil {
		return err
	}
	m.mu.Lock()
	m.fsInit = true
	m.mu.Unlock()
	return nil
}

func (m *Module) MountImage(ctx context.Context, name string, data []byte) error {
	if err := m.enter(ctx, "mount"); err != nil {
		return err
	}
	if m.RejectImage != nil && m.RejectImage(name, data) {
		return fmt.Errorf("mount %s: %w", name, core.ErrRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted = name
	m.memory = []byte("boot:" + name)
	m.battery = nil
	m.patches = make(map[string]bool)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	if err := m.enter(ctx, "start"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted == "" {
		return fmt.Errorf("start: no image mounted")
	}
	m.running, m.paused = true, false
	return nil
}

func (m *Module) Pause(ctx context.Context) error {
	if err := m.enter(ctx, "pause"); err != nil {
		return err
	}
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	return nil
}

func (m *Module) Resume(ctx context.Context) error {
	if err := m.enter(ctx, "resume"); err != nil {
		return err
	}
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if err := m.enter(ctx, "stop"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted, m.running, m.paused = "", false, false
	m.memory, m.battery = nil, nil
	m.patches = make(map[string]bool)
	return nil
}

func (m *Module) snapshotPrefix() []byte {
	return []byte("state:" + m.mounted + ":")
}

func (m *Module) Snapshot(ctx context.Context) ([]byte, error) {
	if err := m.enter(ctx, "snapshot"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(m.snapshotPrefix(), m.memory...), nil
}

// Restore accepts only snapshots taken of the mounted image.
func (m *Module) Restore(ctx context.Context, data []byte) (bool, error) {
	if err := m.enter(ctx, "restore"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := m.snapshotPrefix()
	if m.mounted == "" || !bytes.HasPrefix(data, prefix) {
		return false, nil
	}
	m.memory = append([]byte(nil), data[len(prefix):]...)
	return true, nil
}

func (m *Module) PatchMemory(ctx context.Context, code string) error {
	if err := m.enter(ctx, "patch"); err != nil {
		return err
	}
	m.mu.Lock()
	m.patches[code] = true
	m.mu.Unlock()
	return nil
}

func (m *Module) RevertPatch(ctx context.Context, code string) error {
	if err := m.enter(ctx, "revert"); err != nil {
		return err
	}
	if m.RevertUnsupported {
		return core.ErrUnsupported
	}
	m.mu.Lock()
	delete(m.patches, code)
	m.mu.Unlock()
	return nil
}

func (m *Module) Screenshot(ctx context.Context) ([]byte, error) {
	if err := m.enter(ctx, "screenshot"); err != nil {
		return nil, err
	}
	if m.NoScreenshot {
		return nil, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 64), G: uint8(y * 64), B: 0xff, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Module) ListMountedFiles(ctx context.Context) ([]string, error) {
	if err := m.enter(ctx, "list"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted == "" {
		return []string{}, nil
	}
	return []string{"/data/games/" + m.mounted}, nil
}

func (m *Module) BatterySave(ctx context.Context) ([]byte, error) {
	if err := m.enter(ctx, "battery"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.battery == nil {
		return nil, nil
	}
	return append([]byte(nil), m.battery...), nil
}

func (m *Module) LoadBatterySave(ctx context.Context, data []byte) error {
	if err := m.enter(ctx, "load-battery"); err != nil {
		return err
	}
	m.mu.Lock()
	m.battery = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Instantiator hands out Module to every surface not listed in
// Reject. It counts instantiations.
type Instantiator struct {
	Module *Module

	// Reject lists surface IDs the core cannot render to.
	Reject map[string]bool

	// Err, when set, is returned by every instantiation.
	Err error

	// Hook, when set, runs before instantiating.
	Hook func(ctx context.Context) error

	// Located records the asset paths resolved during
	// instantiation.
	Located []string

	count atomic.Int32
}

// Assets are the runtime assets the fake resolves.
var Assets = []string{"mgba.js", "mgba.wasm"}

func (i *Instantiator) Instantiate(ctx context.Context, surface core.Surface, locate core.AssetLocator) (core.Module, error) {
	i.count.Add(1)
	if i.Hook != nil {
		if err := i.Hook(ctx); err != nil {
			return nil, err
		}
	}
	if i.Err != nil {
		return nil, i.Err
	}
	if i.Reject[surface.ID()] {
		return nil, fmt.Errorf("surface %s: %w", surface.ID(), core.ErrRejected)
	}
	for _, a := range Assets {
		i.Located = append(i.Located, locate(a))
	}
	if i.Module == nil {
		i.Module = New("mGBA 0.11-test")
	}
	return i.Module, nil
}

// Count returns the number of instantiations attempted.
func (i *Instantiator) Count() int {
	return int(i.count.Load())
}
