// Package savestate persists execution snapshots. Each slot is
// a brotli compressed payload, /states/{id}/{slot}.state, and a
// JSON metadata sidecar, /states/{id}/{slot}.meta, committed
// together.
package savestate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash"

	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// AutoSlot holds the last known good snapshot, written when a
// cartridge is stopped.
const AutoSlot = "auto"

const (
	EncodingBrotli = "br"
	EncodingRaw    = "raw"

	compressionLevel = 5
)

var slotPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ValidSlot reports whether s names a slot: "0" to "9" or a
// lower-case name of up to 32 characters.
func ValidSlot(s string) bool {
	return slotPattern.MatchString(s)
}

func isNumeric(s string) bool {
	return len(s) == 1 && s[0] >= '0' && s[0] <= '9'
}

// Slot describes a stored snapshot.
type Slot struct {
	CartridgeID string    `json:"cartridgeId"`
	Slot        string    `json:"slot"`
	Created     time.Time `json:"created"`
	Size        int       `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
}

// metadata is the sidecar document.
type metadata struct {
	Slot     string    `json:"slot"`
	Created  time.Time `json:"created"`
	Size     int       `json:"size"`
	Checksum string    `json:"checksum"`
	Encoding string    `json:"encoding"`
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Manager reads and writes snapshots through the file system.
// It never touches the core.
type Manager struct {
	fs  *vfs.FS
	log log.Logger

	now func() time.Time
}

// NewManager returns a Manager storing snapshots in fs.
func NewManager(fs *vfs.FS, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Manager{fs: fs, log: logger, now: time.Now}
}

func validate(op, id, slot string) error {
	if !vfs.ValidName(id) {
		return emulator.Errorf(emulator.KindInvalidPath, op, "invalid cartridge id %q", id)
	}
	if !ValidSlot(slot) {
		return emulator.Errorf(emulator.KindValidation, op, "invalid slot %q", slot)
	}
	return nil
}

// Write compresses payload and commits it with its sidecar to
// slot, replacing any previous snapshot there.
func (m *Manager) Write(ctx context.Context, id, slot string, payload []byte) (Slot, error) {
	if err := validate("save state", id, slot); err != nil {
		return Slot{}, err
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, compressionLevel)
	if _, err := w.Write(payload); err != nil {
		return Slot{}, emulator.NewError(emulator.KindInternal, "save state", err)
	}
	if err := w.Close(); err != nil {
		return Slot{}, emulator.NewError(emulator.KindInternal, "save state", err)
	}

	meta := metadata{
		Slot:     slot,
		Created:  m.now().UTC(),
		Size:     len(payload),
		Checksum: checksum(payload),
		Encoding: EncodingBrotli,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return Slot{}, emulator.NewError(emulator.KindInternal, "save state", err)
	}

	err = m.fs.Update(ctx, func(tx *vfs.Tx) error {
		tx.Write(vfs.StatePath(id, slot), buf.Bytes())
		tx.Write(vfs.StateMetaPath(id, slot), metaData)
		return nil
	})
	if err != nil {
		return Slot{}, err
	}

	m.log.Debugf("savestate: wrote %s/%s (%d bytes, %d compressed)", id, slot, len(payload), buf.Len())
	return meta.slot(id), nil
}

func (md metadata) slot(id string) Slot {
	return Slot{
		CartridgeID: id,
		Slot:        md.Slot,
		Created:     md.Created,
		Size:        md.Size,
		Checksum:    md.Checksum,
		Encoding:    md.Encoding,
	}
}

func (m *Manager) readMeta(ctx context.Context, id, slot string) (metadata, bool) {
	data, err := m.fs.Read(ctx, vfs.StateMetaPath(id, slot))
	if err != nil {
		return metadata{}, false
	}
	var md metadata
	if err := json.Unmarshal(data, &md); err != nil {
		m.log.Errorf("savestate: unreadable sidecar for %s/%s: %v", id, slot, err)
		return metadata{}, false
	}
	return md, true
}

// Read returns the uncompressed snapshot in slot. A missing
// slot is NotFound; a payload that fails to decode or whose
// checksum does not match is a RestoreError.
func (m *Manager) Read(ctx context.Context, id, slot string) ([]byte, error) {
	if err := validate("load state", id, slot); err != nil {
		return nil, err
	}

	raw, err := m.fs.Read(ctx, vfs.StatePath(id, slot))
	if err != nil {
		return nil, err
	}

	md, ok := m.readMeta(ctx, id, slot)
	if !ok {
		// imported payloads without a sidecar are stored raw
		return raw, nil
	}

	payload := raw
	switch md.Encoding {
	case EncodingBrotli:
		if payload, err = decompress(raw); err != nil {
			return nil, emulator.Errorf(emulator.KindRestore, "load state", "decode %s/%s: %v", id, slot, err)
		}
	case EncodingRaw, "":
	default:
		return nil, emulator.Errorf(emulator.KindRestore, "load state", "unknown encoding %q", md.Encoding)
	}

	if md.Checksum != "" && md.Checksum != checksum(payload) {
		return nil, emulator.Errorf(emulator.KindRestore, "load state", "checksum mismatch for %s/%s", id, slot)
	}
	return payload, nil
}

func decompress(b []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
}

// Delete removes slot and its sidecar. Deleting a missing slot
// succeeds.
func (m *Manager) Delete(ctx context.Context, id, slot string) error {
	if err := validate("delete state", id, slot); err != nil {
		return err
	}
	return m.fs.Update(ctx, func(tx *vfs.Tx) error {
		tx.Remove(vfs.StatePath(id, slot))
		tx.Remove(vfs.StateMetaPath(id, slot))
		return nil
	})
}

// Exists reports whether slot holds a snapshot.
func (m *Manager) Exists(ctx context.Context, id, slot string) (bool, error) {
	if err := validate("state exists", id, slot); err != nil {
		return false, err
	}
	return m.fs.Exists(ctx, vfs.StatePath(id, slot))
}

// List returns the stored slots of cartridge id: numbered slots
// ascending, then named slots in lexical order. A payload
// without a readable sidecar is listed with a zero Created.
func (m *Manager) List(ctx context.Context, id string) ([]Slot, error) {
	if !vfs.ValidName(id) {
		return nil, emulator.Errorf(emulator.KindInvalidPath, "list states", "invalid cartridge id %q", id)
	}

	paths, err := m.fs.List(ctx, vfs.StateDir(id))
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(paths))
	for _, p := range paths {
		name := vfs.Base(p)
		if !strings.HasSuffix(name, vfs.StateExt) {
			continue
		}
		slot := strings.TrimSuffix(name, vfs.StateExt)
		if !ValidSlot(slot) {
			continue
		}

		md, ok := m.readMeta(ctx, id, slot)
		if !ok {
			slots = append(slots, Slot{CartridgeID: id, Slot: slot})
			continue
		}
		md.Slot = slot
		slots = append(slots, md.slot(id))
	}

	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i].Slot, slots[j].Slot
		if isNumeric(a) != isNumeric(b) {
			return isNumeric(a)
		}
		return a < b
	})
	return slots, nil
}

// Latest returns the most recently created slot of cartridge id.
func (m *Manager) Latest(ctx context.Context, id string) (Slot, bool, error) {
	slots, err := m.List(ctx, id)
	if err != nil || len(slots) == 0 {
		return Slot{}, false, err
	}

	latest := slots[0]
	for _, s := range slots[1:] {
		if s.Created.After(latest.Created) {
			latest = s
		}
	}
	return latest, true, nil
}
