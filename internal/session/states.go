package session

import (
	"context"

	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/savestate"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

// active returns the module when cartridge id is running or
// paused, and nil otherwise.
func (s *Session) active(id string) core.Module {
	st, m, img := s.snapshot()
	if !st.HasCartridge() || img == nil || img.ID != id {
		return nil
	}
	return m
}

func (s *Session) checkSlot(op, slot string) error {
	if !savestate.ValidSlot(slot) {
		return emulator.Errorf(emulator.KindValidation, op, "invalid slot %q", slot)
	}
	return nil
}

// SaveState snapshots the active cartridge id into slot. The
// auto slot is reserved for the snapshot taken on stop.
func (s *Session) SaveState(ctx context.Context, id, slot string) (savestate.Slot, error) {
	const op = "save state"

	if err := s.checkSlot(op, slot); err != nil {
		return savestate.Slot{}, err
	}
	if slot == savestate.AutoSlot {
		return savestate.Slot{}, emulator.Errorf(emulator.KindValidation, op, "slot %q is reserved", slot)
	}

	var saved savestate.Slot
	_, err := s.submit(ctx, emulator.CommandSaveState, func(ctx context.Context) ([]byte, error) {
		if err := s.require(op, emulator.Running, emulator.Paused); err != nil {
			return nil, err
		}
		m := s.active(id)
		if m == nil {
			return nil, emulator.Errorf(emulator.KindInvalidTransition, op, "cartridge %s is not loaded", id)
		}

		data, err := m.Snapshot(ctx)
		if err != nil {
			return nil, s.fault(op, emulator.KindInternal, err)
		}
		if saved, err = s.states.Write(ctx, id, slot, data); err != nil {
			return nil, err
		}
		s.log.Infof("session: saved %s to slot %s", id, slot)
		return nil, nil
	})
	return saved, err
}

// LoadState restores slot into the active cartridge id. A
// snapshot that cannot be restored leaves the session as it
// was.
func (s *Session) LoadState(ctx context.Context, id, slot string) error {
	const op = "load state"

	if err := s.checkSlot(op, slot); err != nil {
		return err
	}

	_, err := s.submit(ctx, emulator.CommandLoadState, func(ctx context.Context) ([]byte, error) {
		if err := s.require(op, emulator.Running, emulator.Paused); err != nil {
			return nil, err
		}
		m := s.active(id)
		if m == nil {
			return nil, emulator.Errorf(emulator.KindRestore, op, "save-state belongs to %s, which is not loaded", id)
		}

		payload, err := s.states.Read(ctx, id, slot)
		if err != nil {
			return nil, err
		}
		ok, err := m.Restore(ctx, payload)
		if err != nil {
			return nil, s.fault(op, emulator.KindRestore, err)
		}
		if !ok {
			return nil, emulator.Errorf(emulator.KindRestore, op, "core rejected slot %s of %s", slot, id)
		}
		s.log.Infof("session: restored %s from slot %s", id, slot)
		return nil, nil
	})
	return err
}

// DeleteState removes slot of cartridge id. A missing slot is
// not an error.
func (s *Session) DeleteState(ctx context.Context, id, slot string) error {
	const op = "delete state"

	if err := s.checkSlot(op, slot); err != nil {
		return err
	}

	_, err := s.submit(ctx, emulator.CommandDeleteState, func(ctx context.Context) ([]byte, error) {
		if s.State() == emulator.Errored {
			return nil, emulator.Errorf(emulator.KindInvalidTransition, op, "not valid while %s", emulator.Errored)
		}
		return nil, s.states.Delete(ctx, id, slot)
	})
	return err
}

// ListSlots returns the save-states of cartridge id.
func (s *Session) ListSlots(ctx context.Context, id string) ([]savestate.Slot, error) {
	return s.states.List(ctx, id)
}
