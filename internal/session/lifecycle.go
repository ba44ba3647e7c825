package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash"

	"github.com/thelolagemann/cartbox/internal/cartridge"
	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/savestate"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

// LoadCartridge mounts img, restores its battery save, starts it
// and applies its enabled cheats. It is valid only while Ready.
// An image the core rejects leaves the session Ready.
func (s *Session) LoadCartridge(ctx context.Context, img *cartridge.Image) error {
	if img == nil || len(img.Data) == 0 {
		return emulator.Errorf(emulator.KindLoad, "load cartridge", "no cartridge image")
	}

	_, err := s.submit(ctx, emulator.CommandLoadCartridge, func(ctx context.Context) ([]byte, error) {
		if err := s.require("load cartridge", emulator.Ready); err != nil {
			return nil, err
		}
		_, m, _ := s.snapshot()
		return nil, s.start(ctx, m, img)
	})
	return err
}

// LoadStoredCartridge loads the image stored under /roms/{id}.
func (s *Session) LoadStoredCartridge(ctx context.Context, id string) error {
	if !cartridge.ValidID(id) {
		return emulator.Errorf(emulator.KindInvalidPath, "load cartridge", "invalid cartridge id %q", id)
	}
	data, err := s.fs.Read(ctx, vfs.RomPath(id))
	if err != nil {
		return err
	}
	img, err := cartridge.Stored(id, data)
	if err != nil {
		return emulator.NewError(emulator.KindLoad, "load cartridge", err)
	}
	return s.LoadCartridge(ctx, img)
}

// start brings img up on m and moves the session to Running.
// The image is stored only once the core has accepted it.
func (s *Session) start(ctx context.Context, m core.Module, img *cartridge.Image) error {
	const op = "load cartridge"

	img, err := s.resolveID(ctx, img)
	if err != nil {
		return err
	}

	if err := m.MountImage(ctx, img.Name, img.Data); err != nil {
		s.log.Errorf("session: core rejected %s: %v", img, err)
		return s.fault(op, emulator.KindLoad, err)
	}

	// unmount again on any later failure
	abort := func(err error) error {
		if !core.IsFatal(err) {
			if serr := m.Stop(ctx); serr != nil {
				s.log.Errorf("session: unmounting %s: %v", img.ID, serr)
			}
		}
		return err
	}

	files, err := m.ListMountedFiles(ctx)
	switch {
	case err != nil && core.IsFatal(err):
		return s.fault(op, emulator.KindLoad, err)
	case err != nil:
		s.log.Debugf("session: listing mounted files: %v", err)
	case len(files) == 0:
		return abort(emulator.Errorf(emulator.KindLoad, op, "core mounted no file for %s", img.Name))
	default:
		s.log.Debugf("session: mounted %v", files)
	}

	battery, err := s.fs.Read(ctx, vfs.SavePath(img.ID))
	switch {
	case err == nil:
		if err := m.LoadBatterySave(ctx, battery); err != nil {
			return abort(s.fault(op, emulator.KindLoad, err))
		}
		s.log.Debugf("session: restored battery save of %s (%d bytes)", img.ID, len(battery))
	case errors.Is(err, emulator.ErrNotFound):
	default:
		return abort(err)
	}

	if err := m.Start(ctx); err != nil {
		return abort(s.fault(op, emulator.KindLoad, err))
	}

	if err := s.storeImage(ctx, img); err != nil {
		return abort(err)
	}

	if err := s.applyCheats(ctx, m, img.ID); err != nil {
		return err
	}

	s.mu.Lock()
	s.cart = img
	s.mu.Unlock()
	s.setState(emulator.Running)
	s.log.Infof("session: running %s", img)

	return nil
}

// resolveID returns img under an id whose stored image, if any,
// has the same content, so that different images sharing a
// file name never share saves, states or cheats.
func (s *Session) resolveID(ctx context.Context, img *cartridge.Image) (*cartridge.Image, error) {
	id := img.ID
	for _, candidate := range []string{img.ID, cartridge.DistinctID(img.ID, img.Hash), fmt.Sprintf("%016x", img.Hash)} {
		existing, err := s.fs.Read(ctx, vfs.RomPath(candidate))
		if errors.Is(err, emulator.ErrNotFound) || (err == nil && xxhash.Sum64(existing) == img.Hash) {
			id = candidate
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if id == img.ID {
		return img, nil
	}

	s.log.Infof("session: %s differs from the stored image of %s, using id %s", img.Name, img.ID, id)
	c := *img
	c.ID = id
	return &c, nil
}

// storeImage writes img to /roms unless identical content is
// already stored there.
func (s *Session) storeImage(ctx context.Context, img *cartridge.Image) error {
	existing, err := s.fs.Read(ctx, vfs.RomPath(img.ID))
	switch {
	case err == nil:
		if xxhash.Sum64(existing) == img.Hash {
			return nil
		}
		s.log.Infof("session: replacing stored image of %s", img.ID)
	case errors.Is(err, emulator.ErrNotFound):
	default:
		return err
	}
	return s.fs.Write(ctx, vfs.RomPath(img.ID), img.Data)
}

// applyCheats patches every enabled cheat of id into m. Codes
// the core refuses are logged and skipped; only a fatal core
// error is returned.
func (s *Session) applyCheats(ctx context.Context, m core.Module, id string) error {
	entries, err := s.cheats.Enabled(ctx, id)
	if err != nil {
		s.log.Errorf("session: reading cheats of %s: %v", id, err)
		return nil
	}
	for _, e := range entries {
		if err := m.PatchMemory(ctx, e.Code); err != nil {
			if core.IsFatal(err) {
				return s.fault("apply cheat", emulator.KindInternal, err)
			}
			s.log.Errorf("session: cheat %q of %s not applied: %v", e.Label, id, err)
		}
	}
	if len(entries) > 0 {
		s.log.Debugf("session: applied %d cheats to %s", len(entries), id)
	}
	return nil
}

// Pause suspends execution. It is valid only while Running.
func (s *Session) Pause(ctx context.Context) error {
	_, err := s.submit(ctx, emulator.CommandPause, func(ctx context.Context) ([]byte, error) {
		if err := s.require("pause", emulator.Running); err != nil {
			return nil, err
		}
		_, m, _ := s.snapshot()
		if err := m.Pause(ctx); err != nil {
			return nil, s.fault("pause", emulator.KindInternal, err)
		}
		s.setState(emulator.Paused)
		return nil, nil
	})
	return err
}

// Resume continues execution. It is valid only while Paused.
func (s *Session) Resume(ctx context.Context) error {
	_, err := s.submit(ctx, emulator.CommandResume, func(ctx context.Context) ([]byte, error) {
		if err := s.require("resume", emulator.Paused); err != nil {
			return nil, err
		}
		_, m, _ := s.snapshot()
		if err := m.Resume(ctx); err != nil {
			return nil, s.fault("resume", emulator.KindInternal, err)
		}
		s.setState(emulator.Running)
		return nil, nil
	})
	return err
}

// Stop persists the battery save and the auto save-state of the
// active cartridge, releases it and returns to Ready.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.submit(ctx, emulator.CommandStop, func(ctx context.Context) ([]byte, error) {
		return nil, s.stop(ctx, true)
	})
	return err
}

func (s *Session) stop(ctx context.Context, auto bool) error {
	const op = "stop"

	if err := s.require(op, emulator.Running, emulator.Paused); err != nil {
		return err
	}
	_, m, img := s.snapshot()

	// a battery save that cannot be persisted keeps the cartridge
	// running so that it is not lost
	if err := s.flushBattery(ctx, op, m, img.ID); err != nil {
		return err
	}

	if auto {
		data, err := m.Snapshot(ctx)
		switch {
		case err != nil && core.IsFatal(err):
			return s.fault(op, emulator.KindInternal, err)
		case err != nil:
			s.log.Errorf("session: auto save-state of %s: %v", img.ID, err)
		case len(data) > 0:
			if _, err := s.states.Write(ctx, img.ID, savestate.AutoSlot, data); err != nil {
				s.log.Errorf("session: auto save-state of %s: %v", img.ID, err)
			}
		}
	}

	if err := m.Stop(ctx); err != nil {
		return s.fault(op, emulator.KindInternal, err)
	}

	s.mu.Lock()
	s.cart = nil
	s.mu.Unlock()
	s.setState(emulator.Ready)
	s.log.Infof("session: stopped %s", img.ID)

	return nil
}

// flushBattery writes the core's battery RAM of cartridge id to
// /saves/{id}.sav when the core reports any.
func (s *Session) flushBattery(ctx context.Context, op string, m core.Module, id string) error {
	data, err := m.BatterySave(ctx)
	if err != nil {
		return s.fault(op, emulator.KindInternal, err)
	}
	if data == nil {
		return nil
	}
	return s.fs.Write(ctx, vfs.SavePath(id), data)
}

// ListRoms returns the identifiers of the stored cartridge
// images.
func (s *Session) ListRoms(ctx context.Context) ([]string, error) {
	paths, err := s.fs.List(ctx, vfs.DirRoms)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, vfs.Base(p))
	}
	return ids, nil
}

// ExportBatterySave returns the battery save of cartridge id.
// The save of the active cartridge is flushed from the core
// first.
func (s *Session) ExportBatterySave(ctx context.Context, id string) ([]byte, error) {
	const op = "export save"

	if !vfs.ValidName(id) {
		return nil, emulator.Errorf(emulator.KindInvalidPath, op, "invalid cartridge id %q", id)
	}

	if st, _, img := s.snapshot(); st.HasCartridge() && img != nil && img.ID == id {
		_, err := s.submit(ctx, emulator.CommandExportSave, func(ctx context.Context) ([]byte, error) {
			st, m, img := s.snapshot()
			if !st.HasCartridge() || img == nil || img.ID != id {
				// stopped meanwhile, which flushed it
				return nil, nil
			}
			return nil, s.flushBattery(ctx, op, m, id)
		})
		if err != nil {
			return nil, err
		}
	}

	return s.fs.Read(ctx, vfs.SavePath(id))
}

// ImportBatterySave replaces the battery save of cartridge id.
// The cartridge must not be the active one, as the core would
// overwrite the import when it is stopped.
func (s *Session) ImportBatterySave(ctx context.Context, id string, data []byte) error {
	const op = "import save"

	if !vfs.ValidName(id) {
		return emulator.Errorf(emulator.KindInvalidPath, op, "invalid cartridge id %q", id)
	}
	if len(data) == 0 {
		return emulator.Errorf(emulator.KindValidation, op, "battery save is empty")
	}

	_, err := s.submit(ctx, emulator.CommandImportSave, func(ctx context.Context) ([]byte, error) {
		st, _, img := s.snapshot()
		if st == emulator.Errored || (st.HasCartridge() && img != nil && img.ID == id) {
			return nil, emulator.Errorf(emulator.KindInvalidTransition, op, "not valid while %s is %s", id, st)
		}
		if err := s.fs.Write(ctx, vfs.SavePath(id), data); err != nil {
			return nil, err
		}
		s.log.Infof("session: imported battery save of %s (%d bytes)", id, len(data))
		return nil, nil
	})
	return err
}

// ImportArchive restores the files of a zip or 7z archive into
// the store. The battery save of a running cartridge is left
// untouched, as ImportBatterySave would refuse it.
func (s *Session) ImportArchive(ctx context.Context, r io.ReaderAt, size int64) (*vfs.ImportResult, error) {
	var res *vfs.ImportResult
	_, err := s.submit(ctx, emulator.CommandImportArchive, func(ctx context.Context) ([]byte, error) {
		st, _, img := s.snapshot()
		active := ""
		if st.HasCartridge() && img != nil {
			active = vfs.SavePath(img.ID)
		}

		var err error
		res, err = s.fs.Import(ctx, r, size, vfs.ImportSkip(func(p string) bool {
			return p == active
		}))
		return nil, err
	})
	return res, err
}
