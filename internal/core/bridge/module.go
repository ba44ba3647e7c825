package bridge

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/thelolagemann/cartbox/internal/core"
)

const closeWait = 2 * time.Second

// Module is a core hosted by a page.
type Module struct {
	client *Client
	closed atomic.Bool
}

var _ core.Module = (*Module)(nil)

func (m *Module) do(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrDisconnected
	}
	return m.client.call(ctx, op, payload)
}

func (m *Module) Version() string { return m.client.version }

func (m *Module) FSInit(ctx context.Context) error {
	_, err := m.do(ctx, OpFSInit, nil)
	return err
}

func (m *Module) MountImage(ctx context.Context, name string, data []byte) error {
	_, err := m.do(ctx, OpMount, joinPayload(name, data))
	return err
}

func (m *Module) Start(ctx context.Context) error {
	_, err := m.do(ctx, OpStart, nil)
	return err
}

func (m *Module) Pause(ctx context.Context) error {
	_, err := m.do(ctx, OpPause, nil)
	return err
}

func (m *Module) Resume(ctx context.Context) error {
	_, err := m.do(ctx, OpResume, nil)
	return err
}

func (m *Module) Stop(ctx context.Context) error {
	_, err := m.do(ctx, OpStop, nil)
	return err
}

func (m *Module) Snapshot(ctx context.Context) ([]byte, error) {
	return m.do(ctx, OpSnapshot, nil)
}

// Restore reports the page's verdict, a single byte that is 1
// when the snapshot was applied.
func (m *Module) Restore(ctx context.Context, data []byte) (bool, error) {
	resp, err := m.do(ctx, OpRestore, data)
	if err != nil {
		return false, err
	}
	return len(resp) == 1 && resp[0] == 1, nil
}

func (m *Module) PatchMemory(ctx context.Context, code string) error {
	_, err := m.do(ctx, OpPatch, []byte(code))
	return err
}

func (m *Module) RevertPatch(ctx context.Context, code string) error {
	_, err := m.do(ctx, OpRevert, []byte(code))
	return err
}

// Screenshot returns nil when the page has nothing to capture.
func (m *Module) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := m.do(ctx, OpScreenshot, nil)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	return data, nil
}

func (m *Module) ListMountedFiles(ctx context.Context) ([]string, error) {
	data, err := m.do(ctx, OpListFiles, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	return strings.Split(string(data), "\n"), nil
}

// BatterySave returns nil when the cartridge has no battery.
func (m *Module) BatterySave(ctx context.Context) ([]byte, error) {
	data, err := m.do(ctx, OpBatterySave, nil)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	return data, nil
}

func (m *Module) LoadBatterySave(ctx context.Context, data []byte) error {
	_, err := m.do(ctx, OpLoadBatterySave, data)
	return err
}

// Close asks the page to tear its core down. The page stays
// connected and may instantiate again.
func (m *Module) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	if _, err := m.client.call(ctx, OpClose, nil); err != nil && !core.IsFatal(err) {
		return err
	}
	return nil
}
