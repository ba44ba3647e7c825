package session

import (
	"context"

	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/savestate"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

// IsQuickReloadAvailable reports whether the active cartridge
// has a battery save or a save-state to come back to.
func (s *Session) IsQuickReloadAvailable(ctx context.Context) bool {
	st, _, img := s.snapshot()
	if !st.HasCartridge() || img == nil {
		return false
	}

	if ok, err := s.fs.Exists(ctx, vfs.SavePath(img.ID)); err == nil && ok {
		return true
	}
	if ok, err := s.states.Exists(ctx, img.ID, savestate.AutoSlot); err == nil && ok {
		return true
	}
	slots, err := s.states.List(ctx, img.ID)
	return err == nil && len(slots) > 0
}

// Reload restarts the active cartridge from a clean boot and
// re-applies its most recent save-state. A save-state that
// cannot be applied is logged and the cartridge keeps running
// from the clean boot.
func (s *Session) Reload(ctx context.Context) error {
	const op = "reload"

	_, err := s.submit(ctx, emulator.CommandReload, func(ctx context.Context) ([]byte, error) {
		if err := s.require(op, emulator.Running, emulator.Paused); err != nil {
			return nil, err
		}
		_, m, img := s.snapshot()

		// picked before stopping, the auto slot would otherwise win
		latest, found, err := s.states.Latest(ctx, img.ID)
		if err != nil {
			s.log.Errorf("session: listing save-states of %s: %v", img.ID, err)
			found = false
		}

		if err := s.stop(ctx, false); err != nil {
			return nil, err
		}
		if err := s.start(ctx, m, img); err != nil {
			return nil, err
		}

		if !found {
			s.log.Infof("session: reloaded %s without a save-state", img.ID)
			return nil, nil
		}

		payload, err := s.states.Read(ctx, img.ID, latest.Slot)
		if err != nil {
			s.log.Errorf("session: reload of %s continues from a clean boot: %v", img.ID, err)
			return nil, nil
		}
		ok, err := m.Restore(ctx, payload)
		switch {
		case err != nil && core.IsFatal(err):
			return nil, s.fault(op, emulator.KindRestore, err)
		case err != nil:
			s.log.Errorf("session: reload of %s continues from a clean boot: %v", img.ID, err)
		case !ok:
			s.log.Errorf("session: reload of %s continues from a clean boot: slot %s rejected", img.ID, latest.Slot)
		default:
			s.log.Infof("session: reloaded %s from slot %s", img.ID, latest.Slot)
		}
		return nil, nil
	})
	return err
}
