package session

import (
	"context"
	"errors"

	"github.com/thelolagemann/cartbox/internal/cheats"
	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

func (s *Session) notErrored(op string) error {
	if s.State() == emulator.Errored {
		return emulator.Errorf(emulator.KindInvalidTransition, op, "not valid while %s", emulator.Errored)
	}
	return nil
}

// ListCheats returns the cheat set of cartridge id.
func (s *Session) ListCheats(ctx context.Context, id string) ([]cheats.Entry, error) {
	return s.cheats.List(ctx, id)
}

// AddCheat persists a new enabled cheat for cartridge id and,
// when id is the active cartridge, applies it at once. A code
// the core refuses is not kept.
func (s *Session) AddCheat(ctx context.Context, id, label, code string) (cheats.Entry, error) {
	const op = "add cheat"

	var added cheats.Entry
	_, err := s.submit(ctx, emulator.CommandEditCheat, func(ctx context.Context) ([]byte, error) {
		if err := s.notErrored(op); err != nil {
			return nil, err
		}

		e, err := s.cheats.Add(ctx, id, label, code)
		if err != nil {
			return nil, err
		}

		if m := s.active(id); m != nil {
			if err := m.PatchMemory(ctx, e.Code); err != nil {
				if _, _, rerr := s.cheats.Remove(ctx, id, e.ID); rerr != nil {
					s.log.Errorf("session: dropping refused cheat %s: %v", e.ID, rerr)
				}
				if core.IsFatal(err) {
					return nil, s.fault(op, emulator.KindInternal, err)
				}
				return nil, emulator.NewError(emulator.KindValidation, op, err)
			}
		}

		added = e
		return nil, nil
	})
	return added, err
}

// RemoveCheat deletes cheat entryID of cartridge id. Removing a
// missing cheat succeeds. When the core cannot revert an applied
// cheat the removal still stands and DeferredEffect is returned.
func (s *Session) RemoveCheat(ctx context.Context, id, entryID string) error {
	const op = "remove cheat"

	_, err := s.submit(ctx, emulator.CommandEditCheat, func(ctx context.Context) ([]byte, error) {
		if err := s.notErrored(op); err != nil {
			return nil, err
		}

		e, removed, err := s.cheats.Remove(ctx, id, entryID)
		if err != nil || !removed || !e.Enabled {
			return nil, err
		}

		m := s.active(id)
		if m == nil {
			return nil, nil
		}
		return nil, s.revert(ctx, op, m, e)
	})
	return err
}

// SetCheatEnabled persists the enabled flag of cheat entryID
// and, when id is the active cartridge, applies or reverts it.
func (s *Session) SetCheatEnabled(ctx context.Context, id, entryID string, enabled bool) (cheats.Entry, error) {
	const op = "set cheat"

	var updated cheats.Entry
	_, err := s.submit(ctx, emulator.CommandSetCheat, func(ctx context.Context) ([]byte, error) {
		if err := s.notErrored(op); err != nil {
			return nil, err
		}

		prev, err := s.cheats.Get(ctx, id, entryID)
		if err != nil {
			return nil, err
		}
		if updated, err = s.cheats.SetEnabled(ctx, id, entryID, enabled); err != nil {
			return nil, err
		}

		m := s.active(id)
		if m == nil || prev.Enabled == enabled {
			return nil, nil
		}

		if !enabled {
			return nil, s.revert(ctx, op, m, updated)
		}

		if err := m.PatchMemory(ctx, updated.Code); err != nil {
			if _, rerr := s.cheats.SetEnabled(ctx, id, entryID, prev.Enabled); rerr != nil {
				s.log.Errorf("session: restoring flag of cheat %s: %v", entryID, rerr)
			}
			updated = prev
			if core.IsFatal(err) {
				return nil, s.fault(op, emulator.KindInternal, err)
			}
			return nil, emulator.NewError(emulator.KindValidation, op, err)
		}
		return nil, nil
	})
	return updated, err
}

// revert takes an applied cheat out of memory. A core that
// cannot do so leaves it in place until the next load.
func (s *Session) revert(ctx context.Context, op string, m core.Module, e cheats.Entry) error {
	err := m.RevertPatch(ctx, e.Code)
	switch {
	case err == nil:
		return nil
	case core.IsFatal(err):
		return s.fault(op, emulator.KindInternal, err)
	case !errors.Is(err, core.ErrUnsupported):
		s.log.Errorf("session: reverting cheat %q: %v", e.Label, err)
	}
	return emulator.Errorf(emulator.KindDeferredEffect, op, "cheat %q stays applied until the cartridge is reloaded", e.Label)
}
