package cheats

import (
	"context"
	"sync"

	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// Manager persists cheat sets in the file system. It keeps no
// state of its own; every call reads the set from the store and
// every mutation writes it back.
type Manager struct {
	fs  *vfs.FS
	log log.Logger

	// serializes read-modify-write cycles
	mu sync.Mutex
}

// NewManager returns a Manager storing cheat sets in fs.
func NewManager(fs *vfs.FS, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Manager{fs: fs, log: logger}
}

func (m *Manager) load(ctx context.Context, id string) ([]Entry, error) {
	data, err := m.fs.Read(ctx, vfs.CheatPath(id))
	if err != nil {
		if emulator.KindOf(err) == emulator.KindNotFound {
			return make([]Entry, 0), nil
		}
		return nil, err
	}

	entries, err := Parse(data)
	if err != nil {
		return nil, emulator.NewError(emulator.KindValidation, "cheats", err)
	}
	return entries, nil
}

func (m *Manager) store(ctx context.Context, id string, entries []Entry) error {
	if len(entries) == 0 {
		return m.fs.Remove(ctx, vfs.CheatPath(id))
	}
	return m.fs.Write(ctx, vfs.CheatPath(id), Format(entries))
}

func checkID(id string) error {
	if !vfs.ValidName(id) {
		return emulator.Errorf(emulator.KindInvalidPath, "cheats", "invalid cartridge id %q", id)
	}
	return nil
}

// List returns the cheat set of cartridge id, in file order. A
// cartridge without cheats has an empty set.
func (m *Manager) List(ctx context.Context, id string) ([]Entry, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

// Enabled returns the enabled cheats of cartridge id.
func (m *Manager) Enabled(ctx context.Context, id string) ([]Entry, error) {
	entries, err := m.List(ctx, id)
	if err != nil {
		return nil, err
	}

	enabled := entries[:0]
	for _, e := range entries {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}
	return enabled, nil
}

// Get returns the cheat entryID of cartridge id.
func (m *Manager) Get(ctx context.Context, id, entryID string) (Entry, error) {
	entries, err := m.List(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.ID == entryID {
			return e, nil
		}
	}
	return Entry{}, emulator.Errorf(emulator.KindNotFound, "cheats", "cheat %s does not exist", entryID)
}

// Add validates and persists a new, enabled cheat. A malformed
// code or a cheat that already exists is a validation error and
// nothing is written.
func (m *Manager) Add(ctx context.Context, id, label, code string) (Entry, error) {
	if err := checkID(id); err != nil {
		return Entry{}, err
	}
	e, err := NewEntry(label, code)
	if err != nil {
		return Entry{}, emulator.NewError(emulator.KindValidation, "add cheat", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	for _, existing := range entries {
		if existing.ID == e.ID {
			return Entry{}, emulator.Errorf(emulator.KindValidation, "add cheat", "cheat %q already exists", e.Label)
		}
	}

	if err := m.store(ctx, id, append(entries, e)); err != nil {
		return Entry{}, err
	}
	m.log.Debugf("cheats: added %s (%s) to %s", e.Label, e.ID, id)
	return e, nil
}

// Remove deletes cheat entryID. Removing a missing cheat
// succeeds.
func (m *Manager) Remove(ctx context.Context, id, entryID string) (Entry, bool, error) {
	if err := checkID(id); err != nil {
		return Entry{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}

	for i, e := range entries {
		if e.ID != entryID {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if err := m.store(ctx, id, entries); err != nil {
			return Entry{}, false, err
		}
		m.log.Debugf("cheats: removed %s (%s) from %s", e.Label, e.ID, id)
		return e, true, nil
	}

	return Entry{}, false, nil
}

// SetEnabled persists the enabled flag of cheat entryID and
// returns the updated entry.
func (m *Manager) SetEnabled(ctx context.Context, id, entryID string, enabled bool) (Entry, error) {
	if err := checkID(id); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load(ctx, id)
	if err != nil {
		return Entry{}, err
	}

	for i := range entries {
		if entries[i].ID != entryID {
			continue
		}
		if entries[i].Enabled == enabled {
			return entries[i], nil
		}
		entries[i].Enabled = enabled
		if err := m.store(ctx, id, entries); err != nil {
			return Entry{}, err
		}
		return entries[i], nil
	}

	return Entry{}, emulator.Errorf(emulator.KindNotFound, "cheats", "cheat %s does not exist", entryID)
}
