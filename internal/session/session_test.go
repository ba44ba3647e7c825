package session

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thelolagemann/cartbox/internal/bootstrap"
	"github.com/thelolagemann/cartbox/internal/cartridge"
	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/core/coretest"
	"github.com/thelolagemann/cartbox/internal/savestate"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

type harness struct {
	*Session
	fake *coretest.Module
	fs   *vfs.FS
}

func newHarness(t *testing.T, opts ...Opt) *harness {
	t.Helper()

	fs := vfs.New(vfs.NewMemory())
	fake := coretest.New("mGBA test")
	s := New(bootstrap.New(&coretest.Instantiator{Module: fake}), fs, opts...)
	t.Cleanup(func() { s.Close() })

	if err := s.Bootstrap(context.Background(), core.SurfaceID("canvas")); err != nil {
		t.Fatal(err)
	}
	if s.State() != emulator.Ready {
		t.Fatalf("expected Ready after bootstrap, got %s", s.State())
	}
	return &harness{Session: s, fake: fake, fs: fs}
}

func rom(t *testing.T, name string) *cartridge.Image {
	t.Helper()
	img, err := cartridge.New(name, []byte("ROM:"+name))
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func (h *harness) load(t *testing.T, name string) *cartridge.Image {
	t.Helper()
	img := rom(t, name)
	if err := h.LoadCartridge(context.Background(), img); err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return img
}

func exists(t *testing.T, fs *vfs.FS, p string) bool {
	t.Helper()
	ok, err := fs.Exists(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func expectKind(t *testing.T, err error, kind emulator.Kind) {
	t.Helper()
	if got := emulator.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	ctx := context.Background()

	ops := map[string]func(h *harness) error{
		"bootstrap": func(h *harness) error { return h.Bootstrap(ctx, core.SurfaceID("other")) },
		"load":      func(h *harness) error { return h.LoadCartridge(ctx, rom(t, "metroid.gba")) },
		"pause":     func(h *harness) error { return h.Pause(ctx) },
		"resume":    func(h *harness) error { return h.Resume(ctx) },
		"stop":      func(h *harness) error { return h.Stop(ctx) },
		"save":      func(h *harness) error { _, err := h.SaveState(ctx, "zelda", "0"); return err },
		"restore":   func(h *harness) error { return h.LoadState(ctx, "zelda", "0") },
		"reload":    func(h *harness) error { return h.Reload(ctx) },
		"screenshot": func(h *harness) error {
			_, err := h.Screenshot(ctx)
			return err
		},
	}

	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		state   emulator.State
		invalid []string
	}{
		{
			name:    "ready",
			setup:   func(*testing.T, *harness) {},
			state:   emulator.Ready,
			invalid: []string{"bootstrap", "pause", "resume", "stop", "save", "restore", "reload", "screenshot"},
		},
		{
			name:    "running",
			setup:   func(t *testing.T, h *harness) { h.load(t, "zelda.gba") },
			state:   emulator.Running,
			invalid: []string{"bootstrap", "load", "resume"},
		},
		{
			name: "paused",
			setup: func(t *testing.T, h *harness) {
				h.load(t, "zelda.gba")
				if err := h.Pause(ctx); err != nil {
					t.Fatal(err)
				}
			},
			state:   emulator.Paused,
			invalid: []string{"bootstrap", "load", "pause"},
		},
	}

	for _, tt := range tests {
		for _, name := range tt.invalid {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				h := newHarness(t)
				tt.setup(t, h)

				err := ops[name](h)
				if !errors.Is(err, emulator.ErrInvalidTransition) {
					t.Fatalf("expected InvalidTransition, got %v", err)
				}
				if h.State() != tt.state {
					t.Errorf("expected state to stay %s, got %s", tt.state, h.State())
				}
			})
		}
	}
}

func TestSession_Uninitialized(t *testing.T) {
	fs := vfs.New(vfs.NewMemory())
	s := New(bootstrap.New(&coretest.Instantiator{}), fs)
	defer s.Close()

	ctx := context.Background()
	if err := s.Pause(ctx); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
	if err := s.LoadCartridge(ctx, rom(t, "zelda.gba")); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}

	// cheats are persistence only and work without a core
	if _, err := s.AddCheat(ctx, "zelda", "Infinite HP", "01FF40C1"); err != nil {
		t.Errorf("expected cheats to be editable, got %v", err)
	}
	if s.State() != emulator.Uninitialized {
		t.Errorf("expected Uninitialized, got %s", s.State())
	}
}

func TestSession_Zelda(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	img := h.load(t, "zelda.gba")
	if img.ID != "zelda" {
		t.Fatalf("expected id zelda, got %s", img.ID)
	}
	if h.State() != emulator.Running {
		t.Fatalf("expected Running, got %s", h.State())
	}
	if !exists(t, h.fs, "/roms/zelda") {
		t.Error("expected the image to be stored")
	}

	h.fake.SetMemory([]byte("dungeon 3, 12 hearts"))
	before := h.fake.Memory()

	if _, err := h.SaveState(ctx, "zelda", "0"); err != nil {
		t.Fatal(err)
	}
	if !exists(t, h.fs, "/states/zelda/0.state") || !exists(t, h.fs, "/states/zelda/0.meta") {
		t.Fatal("expected the payload and its sidecar")
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if h.State() != emulator.Ready {
		t.Fatalf("expected Ready, got %s", h.State())
	}
	if h.Cartridge() != nil {
		t.Error("expected no active cartridge")
	}

	slots, err := h.ListSlots(ctx, "zelda")
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		names = append(names, s.Slot)
	}
	if strings.Join(names, ",") != "0,auto" {
		t.Errorf("expected slots 0,auto, got %v", names)
	}

	h.load(t, "zelda.gba")
	if bytes.Equal(h.fake.Memory(), before) {
		t.Fatal("expected a clean boot")
	}
	if err := h.LoadState(ctx, "zelda", "0"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h.fake.Memory(), before) {
		t.Errorf("expected memory %q, got %q", before, h.fake.Memory())
	}

	// loading twice is idempotent
	if err := h.LoadState(ctx, "zelda", "0"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h.fake.Memory(), before) {
		t.Errorf("expected memory %q after a second load, got %q", before, h.fake.Memory())
	}
}

func TestSession_SaveState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")

	t.Run("other cartridge", func(t *testing.T) {
		_, err := h.SaveState(ctx, "metroid", "0")
		expectKind(t, err, emulator.KindInvalidTransition)
	})
	t.Run("invalid slot", func(t *testing.T) {
		_, err := h.SaveState(ctx, "zelda", "../0")
		expectKind(t, err, emulator.KindValidation)
	})
	t.Run("reserved slot", func(t *testing.T) {
		_, err := h.SaveState(ctx, "zelda", savestate.AutoSlot)
		expectKind(t, err, emulator.KindValidation)
	})
	t.Run("paused", func(t *testing.T) {
		if err := h.Pause(ctx); err != nil {
			t.Fatal(err)
		}
		defer h.Resume(ctx)

		slot, err := h.SaveState(ctx, "zelda", "quick")
		if err != nil {
			t.Fatal(err)
		}
		if slot.Slot != "quick" || slot.CartridgeID != "zelda" {
			t.Errorf("unexpected slot %+v", slot)
		}
		if h.State() != emulator.Paused {
			t.Errorf("expected Paused, got %s", h.State())
		}
	})
}

func TestSession_LoadStateFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")

	if _, err := h.SaveState(ctx, "zelda", "0"); err != nil {
		t.Fatal(err)
	}

	t.Run("missing slot", func(t *testing.T) {
		expectKind(t, h.LoadState(ctx, "zelda", "7"), emulator.KindNotFound)
	})

	t.Run("rejected by core", func(t *testing.T) {
		states := savestate.NewManager(h.fs, log.NewNullLogger())
		if _, err := states.Write(ctx, "zelda", "9", []byte("not a snapshot")); err != nil {
			t.Fatal(err)
		}
		memory := h.fake.Memory()

		expectKind(t, h.LoadState(ctx, "zelda", "9"), emulator.KindRestore)
		if h.State() != emulator.Running {
			t.Errorf("expected Running, got %s", h.State())
		}
		if !bytes.Equal(h.fake.Memory(), memory) {
			t.Error("expected memory to be untouched")
		}
	})

	t.Run("other cartridge", func(t *testing.T) {
		if err := h.Stop(ctx); err != nil {
			t.Fatal(err)
		}
		h.load(t, "metroid.gba")
		expectKind(t, h.LoadState(ctx, "zelda", "0"), emulator.KindRestore)
		if h.State() != emulator.Running {
			t.Errorf("expected Running, got %s", h.State())
		}
	})
}

func TestSession_DeleteState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")

	if _, err := h.SaveState(ctx, "zelda", "1"); err != nil {
		t.Fatal(err)
	}
	if err := h.DeleteState(ctx, "zelda", "1"); err != nil {
		t.Fatal(err)
	}
	if exists(t, h.fs, "/states/zelda/1.state") || exists(t, h.fs, "/states/zelda/1.meta") {
		t.Error("expected the slot to be removed")
	}
	if err := h.DeleteState(ctx, "zelda", "1"); err != nil {
		t.Errorf("expected deleting a missing slot to succeed, got %v", err)
	}
}

func TestSession_ConcurrentSaveAndStop(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.load(t, "zelda.gba")

		var (
			wg      sync.WaitGroup
			saveErr error
			stopErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, saveErr = h.SaveState(ctx, "zelda", "0")
		}()
		go func() {
			defer wg.Done()
			stopErr = h.Stop(ctx)
		}()
		wg.Wait()

		if stopErr != nil {
			t.Fatalf("stop: %v", stopErr)
		}
		saved := exists(t, h.fs, "/states/zelda/0.state")
		meta := exists(t, h.fs, "/states/zelda/0.meta")
		switch {
		case saveErr == nil:
			if !saved || !meta {
				t.Fatal("save reported success without a complete slot")
			}
		case errors.Is(saveErr, emulator.ErrInvalidTransition):
			if saved || meta {
				t.Fatal("a rejected save left files behind")
			}
		default:
			t.Fatalf("unexpected save error %v", saveErr)
		}
		if h.State() != emulator.Ready {
			t.Fatalf("expected Ready, got %s", h.State())
		}
	}
}

func TestSession_QueueOverflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithQueueDepth(1))
	h.load(t, "zelda.gba")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.fake.Hook = func(op string) {
		if op == "pause" {
			close(entered)
			<-release
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.Pause(ctx)
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = h.Resume(ctx)
	}()
	for len(h.queue) < 1 {
		time.Sleep(time.Millisecond)
	}

	err := h.Stop(ctx)
	if !errors.Is(err, emulator.ErrBusy) {
		t.Errorf("expected Busy, got %v", err)
	}

	close(release)
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Errorf("expected queued commands to succeed, got %v", err)
		}
	}
	if h.State() != emulator.Running {
		t.Errorf("expected Running, got %s", h.State())
	}
}

func TestSession_AbandonedCommand(t *testing.T) {
	h := newHarness(t)
	h.load(t, "zelda.gba")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.fake.Hook = func(op string) {
		if op == "pause" {
			close(entered)
			<-release
		}
	}

	done := make(chan error)
	go func() { done <- h.Pause(context.Background()) }()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error)
	go func() { stopped <- h.Stop(ctx) }()
	for len(h.queue) < 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-stopped; !errors.Is(err, context.Canceled) {
		t.Errorf("expected the caller to give up, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// the abandoned stop was discarded
	if err := h.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.State() != emulator.Running {
		t.Errorf("expected Running, got %s", h.State())
	}
}

func TestSession_LoadRejected(t *testing.T) {
	h := newHarness(t)
	h.fake.RejectImage = func(name string, _ []byte) bool { return name == "broken.gba" }

	err := h.LoadCartridge(context.Background(), rom(t, "broken.gba"))
	expectKind(t, err, emulator.KindLoad)
	if h.State() != emulator.Ready {
		t.Errorf("expected Ready, got %s", h.State())
	}
	if exists(t, h.fs, "/roms/broken") {
		t.Error("expected a rejected image not to be stored")
	}

	h.load(t, "zelda.gba")
}

func TestSession_BatterySave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "pokemon.gb")

	h.fake.SetBattery([]byte("sram v1"))

	if err := h.ImportBatterySave(ctx, "pokemon", []byte("x")); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition while running, got %v", err)
	}

	data, err := h.ExportBatterySave(ctx, "pokemon")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sram v1" {
		t.Errorf("expected a flushed battery save, got %q", data)
	}

	h.fake.SetBattery([]byte("sram v2"))
	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	data, err = h.fs.Read(ctx, "/saves/pokemon.sav")
	if err != nil || string(data) != "sram v2" {
		t.Fatalf("expected the battery save to be persisted on stop, got %q %v", data, err)
	}

	if err := h.ImportBatterySave(ctx, "pokemon", []byte("imported")); err != nil {
		t.Fatal(err)
	}
	h.load(t, "pokemon.gb")

	calls := h.fake.Calls()
	if calls[len(calls)-2] != "load-battery" || calls[len(calls)-1] != "start" {
		t.Errorf("expected the battery save to be loaded before start, got %v", calls)
	}
	battery, _ := h.fake.BatterySave(ctx)
	if string(battery) != "imported" {
		t.Errorf("expected the imported battery save, got %q", battery)
	}

	if _, err := h.ExportBatterySave(ctx, "tetris"); !errors.Is(err, emulator.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSession_StopKeepsRunningWhenBatteryFails(t *testing.T) {
	h := newHarness(t)
	h.load(t, "zelda.gba")
	h.fake.SetFail("battery", errors.New("worker busy"))

	if err := h.Stop(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if h.State() != emulator.Running {
		t.Errorf("expected Running, got %s", h.State())
	}
}

func TestSession_LoadStoredCartridge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")
	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	roms, err := h.ListRoms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roms) != 1 || roms[0] != "zelda" {
		t.Fatalf("expected [zelda], got %v", roms)
	}

	if err := h.LoadStoredCartridge(ctx, "zelda"); err != nil {
		t.Fatal(err)
	}
	if h.Cartridge().ID != "zelda" {
		t.Errorf("expected zelda to be active, got %s", h.Cartridge().ID)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	expectKind(t, h.LoadStoredCartridge(ctx, "metroid"), emulator.KindNotFound)
	expectKind(t, h.LoadStoredCartridge(ctx, "../etc"), emulator.KindInvalidPath)
}

func TestSession_InvalidCheat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")

	_, err := h.AddCheat(ctx, "zelda", "Broken", "XYZ")
	expectKind(t, err, emulator.KindValidation)

	entries, err := h.ListCheats(ctx, "zelda")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no cheats, got %v", entries)
	}
	if exists(t, h.fs, "/cheats/zelda.cheats") {
		t.Error("expected nothing to be persisted")
	}
	if len(h.fake.Patches()) != 0 {
		t.Error("expected nothing to be applied")
	}
}

func TestSession_Cheats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// persisted while Ready, applied on load
	hp, err := h.AddCheat(ctx, "zelda", "Infinite HP", "01FF40C1")
	if err != nil {
		t.Fatal(err)
	}
	h.load(t, "zelda.gba")
	if p := h.fake.Patches(); len(p) != 1 || p[0] != "01FF40C1" {
		t.Fatalf("expected the cheat to be applied on load, got %v", p)
	}

	rupees, err := h.AddCheat(ctx, "zelda", "Max Rupees", "01A-23F-E6E")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.fake.Patches()) != 2 {
		t.Errorf("expected a cheat added while running to apply, got %v", h.fake.Patches())
	}

	e, err := h.SetCheatEnabled(ctx, "zelda", hp.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if e.Enabled {
		t.Error("expected the cheat to be disabled")
	}
	if p := h.fake.Patches(); len(p) != 1 || p[0] != "01A-23F-E6E" {
		t.Errorf("expected the cheat to be reverted, got %v", p)
	}

	if err := h.RemoveCheat(ctx, "zelda", rupees.ID); err != nil {
		t.Fatal(err)
	}
	if len(h.fake.Patches()) != 0 {
		t.Errorf("expected a removed cheat to be reverted, got %v", h.fake.Patches())
	}
	if err := h.RemoveCheat(ctx, "zelda", rupees.ID); err != nil {
		t.Errorf("expected removing a missing cheat to succeed, got %v", err)
	}

	_, err = h.SetCheatEnabled(ctx, "zelda", "0000000000000000", true)
	expectKind(t, err, emulator.KindNotFound)
}

func TestSession_CheatDeferredEffect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fake.RevertUnsupported = true
	h.load(t, "zelda.gba")

	e, err := h.AddCheat(ctx, "zelda", "Infinite HP", "01FF40C1")
	if err != nil {
		t.Fatal(err)
	}

	e, err = h.SetCheatEnabled(ctx, "zelda", e.ID, false)
	if !errors.Is(err, emulator.ErrDeferredEffect) {
		t.Fatalf("expected DeferredEffect, got %v", err)
	}
	if emulator.IsFailure(err) {
		t.Error("expected DeferredEffect not to be a failure")
	}

	entries, err := h.ListCheats(ctx, "zelda")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Enabled {
		t.Errorf("expected the flag to be persisted, got %+v", entries)
	}

	// gone on the next load
	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	h.load(t, "zelda.gba")
	if len(h.fake.Patches()) != 0 {
		t.Errorf("expected no patches after reload, got %v", h.fake.Patches())
	}
}

func TestSession_CheatRefusedByCore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")
	h.fake.SetFail("patch", errors.New("unknown code type"))

	_, err := h.AddCheat(ctx, "zelda", "Infinite HP", "01FF40C1")
	expectKind(t, err, emulator.KindValidation)

	entries, _ := h.ListCheats(ctx, "zelda")
	if len(entries) != 0 {
		t.Errorf("expected a refused cheat not to be kept, got %v", entries)
	}
}

func TestSession_FatalCoreError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")
	h.fake.SetFail("pause", fmt.Errorf("worker crashed: %w", core.ErrFatal))

	if err := h.Pause(ctx); err == nil {
		t.Fatal("expected an error")
	}
	if h.State() != emulator.Errored {
		t.Fatalf("expected Errored, got %s", h.State())
	}
	if !h.fake.Closed() {
		t.Error("expected the module to be closed")
	}

	if err := h.Stop(ctx); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
	if _, err := h.AddCheat(ctx, "zelda", "Infinite HP", "01FF40C1"); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
	if _, err := h.ListSlots(ctx, "zelda"); err != nil {
		t.Errorf("expected listings to keep working, got %v", err)
	}
}

func TestSession_BootstrapRejected(t *testing.T) {
	ctx := context.Background()
	fs := vfs.New(vfs.NewMemory())
	inst := &coretest.Instantiator{Reject: map[string]bool{"webgl1": true}}
	s := New(bootstrap.New(inst), fs)
	defer s.Close()

	err := s.Bootstrap(ctx, core.SurfaceID("webgl1"))
	expectKind(t, err, emulator.KindBootstrap)
	if s.State() != emulator.Errored {
		t.Fatalf("expected Errored, got %s", s.State())
	}

	err = s.LoadCartridge(ctx, rom(t, "zelda.gba"))
	if !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
	if err := s.Bootstrap(ctx, core.SurfaceID("canvas")); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected Errored to be terminal, got %v", err)
	}
}

func TestSession_Reload(t *testing.T) {
	ctx := context.Background()

	t.Run("without state", func(t *testing.T) {
		h := newHarness(t)
		h.load(t, "zelda.gba")

		if h.IsQuickReloadAvailable(ctx) {
			t.Error("expected quick reload to be unavailable")
		}
		if err := h.Reload(ctx); err != nil {
			t.Fatalf("expected a clean boot, got %v", err)
		}
		if h.State() != emulator.Running {
			t.Errorf("expected Running, got %s", h.State())
		}
		if string(h.fake.Memory()) != "boot:zelda.gba" {
			t.Errorf("expected a clean boot, got %q", h.fake.Memory())
		}
	})

	t.Run("with state", func(t *testing.T) {
		h := newHarness(t)
		h.load(t, "zelda.gba")

		h.fake.SetMemory([]byte("checkpoint"))
		if _, err := h.SaveState(ctx, "zelda", "1"); err != nil {
			t.Fatal(err)
		}
		h.fake.SetMemory([]byte("game over"))

		if !h.IsQuickReloadAvailable(ctx) {
			t.Error("expected quick reload to be available")
		}
		if err := h.Reload(ctx); err != nil {
			t.Fatal(err)
		}
		if string(h.fake.Memory()) != "checkpoint" {
			t.Errorf("expected the latest save-state, got %q", h.fake.Memory())
		}
		if exists(t, h.fs, "/states/zelda/auto.state") {
			t.Error("expected reload not to write the auto slot")
		}
	})

	t.Run("rejected state", func(t *testing.T) {
		h := newHarness(t)
		h.load(t, "zelda.gba")

		states := savestate.NewManager(h.fs, log.NewNullLogger())
		if _, err := states.Write(ctx, "zelda", "1", []byte("corrupt")); err != nil {
			t.Fatal(err)
		}
		if err := h.Reload(ctx); err != nil {
			t.Fatalf("expected reload to fall back to a clean boot, got %v", err)
		}
		if h.State() != emulator.Running {
			t.Errorf("expected Running, got %s", h.State())
		}
	})

	t.Run("battery save", func(t *testing.T) {
		h := newHarness(t)
		h.load(t, "pokemon.gb")
		if err := h.ImportBatterySave(ctx, "tetris", []byte("sram")); err != nil {
			t.Fatal(err)
		}
		if h.IsQuickReloadAvailable(ctx) {
			t.Error("expected another cartridge's save not to count")
		}
		h.fake.SetBattery([]byte("sram"))
		if _, err := h.ExportBatterySave(ctx, "pokemon"); err != nil {
			t.Fatal(err)
		}
		if !h.IsQuickReloadAvailable(ctx) {
			t.Error("expected quick reload to be available")
		}
	})
}

func TestSession_Screenshot(t *testing.T) {
	ctx := context.Background()

	t.Run("scaled", func(t *testing.T) {
		h := newHarness(t, WithScreenshotScale(3))
		h.load(t, "zelda.gba")

		p, err := h.Screenshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(p, "/screenshots/zelda/") || !strings.HasSuffix(p, ".png") {
			t.Fatalf("unexpected path %s", p)
		}

		data, err := h.fs.Read(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if b := img.Bounds(); b.Dx() != 12 || b.Dy() != 12 {
			t.Errorf("expected 12x12, got %v", b)
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.fake.NoScreenshot = true
		h.load(t, "zelda.gba")

		_, err := h.Screenshot(ctx)
		expectKind(t, err, emulator.KindNotFound)
		if h.State() != emulator.Running {
			t.Errorf("expected Running, got %s", h.State())
		}
	})

	t.Run("listed", func(t *testing.T) {
		h := newHarness(t)
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		h.now = func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		}
		h.load(t, "zelda.gba")

		for i := 0; i < 2; i++ {
			if _, err := h.Screenshot(ctx); err != nil {
				t.Fatal(err)
			}
		}
		shots, err := h.ListScreenshots(ctx, "zelda")
		if err != nil {
			t.Fatal(err)
		}
		if len(shots) != 2 {
			t.Fatalf("expected 2 screenshots, got %v", shots)
		}
		if !shots[0].Taken.Equal(clock) || !shots[1].Taken.Equal(clock.Add(-time.Minute)) {
			t.Errorf("expected newest first, got %v", shots)
		}
		if shots[0].Path != vfs.ScreenshotPath("zelda", clock) {
			t.Errorf("unexpected path %s", shots[0].Path)
		}

		if shots, err := h.ListScreenshots(ctx, "metroid"); err != nil || len(shots) != 0 {
			t.Errorf("expected no screenshots, got %v %v", shots, err)
		}
		expectKind(t, func() error { _, err := h.ListScreenshots(ctx, "../x"); return err }(), emulator.KindInvalidPath)
	})
}

func TestSession_QuickReloadFromAutoSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "metroid.gba")
	if h.IsQuickReloadAvailable(ctx) {
		t.Fatal("expected nothing to reload from")
	}
	if err := h.fs.Write(ctx, vfs.StatePath("metroid", savestate.AutoSlot), []byte("state")); err != nil {
		t.Fatal(err)
	}
	if !h.IsQuickReloadAvailable(ctx) {
		t.Error("expected the auto slot to allow a quick reload")
	}
}

func TestSession_Subscribe(t *testing.T) {
	h := newHarness(t)
	states, cancel := h.Subscribe()
	defer cancel()

	h.load(t, "zelda.gba")
	if err := h.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, want := range []emulator.State{emulator.Running, emulator.Paused} {
		select {
		case got := <-states:
			if got != want {
				t.Errorf("expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s to be published", want)
		}
	}
}

func TestSession_Close(t *testing.T) {
	h := newHarness(t)
	h.load(t, "zelda.gba")

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.fake.Closed() {
		t.Error("expected the module to be closed")
	}
	if err := h.Pause(context.Background()); !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition after close, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("expected a second close to succeed, got %v", err)
	}
}

func TestSession_FatalCoreErrorReleasesSurface(t *testing.T) {
	ctx := context.Background()
	fs := vfs.New(vfs.NewMemory())
	inst := &coretest.Instantiator{Module: coretest.New("mGBA test")}
	boot := bootstrap.New(inst)

	s := New(boot, fs)
	if err := s.Bootstrap(ctx, core.SurfaceID("canvas")); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadCartridge(ctx, rom(t, "zelda.gba")); err != nil {
		t.Fatal(err)
	}
	inst.Module.SetFail("pause", fmt.Errorf("page reloaded: %w", core.ErrFatal))
	if err := s.Pause(ctx); err == nil {
		t.Fatal("expected an error")
	}
	if s.State() != emulator.Errored {
		t.Fatalf("expected Errored, got %s", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// the reinitialised page gets a fresh session on the same surface
	inst.Module = coretest.New("mGBA test")
	next := New(boot, fs)
	defer next.Close()
	if err := next.Bootstrap(ctx, core.SurfaceID("canvas")); err != nil {
		t.Fatalf("expected the surface to be free again, got %v", err)
	}
	if next.State() != emulator.Ready {
		t.Fatalf("expected Ready, got %s", next.State())
	}
	if err := next.LoadCartridge(ctx, rom(t, "zelda.gba")); err != nil {
		t.Fatal(err)
	}
}

func TestSession_CloseFinishesExecutingCommand(t *testing.T) {
	h := newHarness(t)
	h.load(t, "zelda.gba")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.fake.Hook = func(op string) {
		if op == "snapshot" {
			close(entered)
			<-release
		}
	}

	type result struct {
		slot savestate.Slot
		err  error
	}
	saved := make(chan result)
	go func() {
		slot, err := h.SaveState(context.Background(), "zelda", "1")
		saved <- result{slot, err}
	}()
	<-entered

	queued := make(chan error)
	go func() { queued <- h.Pause(context.Background()) }()
	for len(h.queue) < 1 {
		time.Sleep(time.Millisecond)
	}

	closed := make(chan error)
	go func() { closed <- h.Close() }()
	for h.ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	// Close waits for the snapshot in flight
	select {
	case err := <-closed:
		t.Fatalf("close returned before the executing command finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	r := <-saved
	if r.err != nil {
		t.Fatalf("expected the executing save to complete, got %v", r.err)
	}
	if r.slot.Slot != "1" {
		t.Errorf("unexpected slot %+v", r.slot)
	}
	if !exists(t, h.fs, vfs.StatePath("zelda", "1")) {
		t.Error("expected the snapshot to be written")
	}
	if err := <-queued; !errors.Is(err, emulator.ErrInvalidTransition) {
		t.Errorf("expected the queued command to be rejected, got %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatal(err)
	}
	if !h.fake.Closed() {
		t.Error("expected the module to be closed")
	}
}

func TestSession_ImportArchiveKeepsActiveSave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "zelda.gba")
	if err := h.fs.Write(ctx, vfs.SavePath("zelda"), []byte("live")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"saves/zelda.sav", "saves/metroid.sav"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("imported"))
	}
	zw.Close()

	res, err := h.ImportArchive(ctx, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Written) != 1 || res.Written[0] != vfs.SavePath("metroid") {
		t.Errorf("expected only metroid's save to be written, got %v", res.Written)
	}
	if data, _ := h.fs.Read(ctx, vfs.SavePath("zelda")); string(data) != "live" {
		t.Errorf("expected the running cartridge's save to be kept, got %q", data)
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ImportArchive(ctx, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		t.Fatal(err)
	}
	if data, _ := h.fs.Read(ctx, vfs.SavePath("zelda")); string(data) != "imported" {
		t.Errorf("expected the save to be imported once stopped, got %q", data)
	}
}

func TestSession_SameNameDifferentImage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.load(t, "zelda.gba")
	if _, err := h.SaveState(ctx, "zelda", "1"); err != nil {
		t.Fatal(err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	other, err := cartridge.New("zelda.gba", []byte("a different dump"))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.LoadCartridge(ctx, other); err != nil {
		t.Fatal(err)
	}
	want := cartridge.DistinctID("zelda", other.Hash)
	if got := h.Cartridge().ID; got != want {
		t.Fatalf("expected id %s, got %s", want, got)
	}
	if other.ID != "zelda" {
		t.Errorf("expected the caller's image to be left alone, got %s", other.ID)
	}

	data, err := h.fs.Read(ctx, vfs.RomPath("zelda"))
	if err != nil || string(data) != "ROM:zelda.gba" {
		t.Fatalf("expected the first image to stay stored, got %q %v", data, err)
	}
	if data, _ := h.fs.Read(ctx, vfs.RomPath(want)); string(data) != "a different dump" {
		t.Errorf("expected the second image stored under %s, got %q", want, data)
	}
	if err := h.LoadState(ctx, want, "1"); !errors.Is(err, emulator.ErrNotFound) {
		t.Errorf("expected the first image's states to stay apart, got %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	// loading the first dump again keeps its id
	h.load(t, "zelda.gba")
	if h.Cartridge().ID != "zelda" {
		t.Errorf("expected zelda, got %s", h.Cartridge().ID)
	}
}

func TestSession_MountListing(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.fake.SetFail("list", errors.New("not supported by this build"))
	h.load(t, "zelda.gba")

	h = newHarness(t)
	h.fake.SetFail("list", fmt.Errorf("page gone: %w", core.ErrFatal))
	expectKind(t, h.LoadCartridge(ctx, rom(t, "zelda.gba")), emulator.KindLoad)
	if h.State() != emulator.Errored {
		t.Errorf("expected Errored, got %s", h.State())
	}
}
